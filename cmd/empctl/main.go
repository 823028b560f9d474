// Command empctl submits one message to, or fetches one message from, an EMP
// broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/meftunca/empbroker/pkg/client"
	"github.com/meftunca/empbroker/pkg/compression"
	"github.com/meftunca/empbroker/pkg/emp"
	"github.com/meftunca/empbroker/pkg/version"
)

const usage = `usage:
  empctl send  -submit ADDR -type N -from SENDER -to DEST [-field name=value ...]
  empctl fetch -fetch ADDR -addr DEST [-raw]
  empctl version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "fetch":
		err = runFetch(os.Args[2:])
	case "version":
		fmt.Println(version.Get())
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if errors.Is(err, client.ErrEmpty) {
		fmt.Println("EMPTY")
		os.Exit(3)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "empctl: %v\n", err)
		os.Exit(1)
	}
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		submit   = fs.String("submit", "127.0.0.1:18182", "Broker submit address")
		msgType  = fs.Uint("type", uint(emp.TypeLocoCommand), "Message type code")
		from     = fs.String("from", "", "Sender address")
		to       = fs.String("to", "", "Destination address")
		format   = fs.String("format", "msgpack", "Payload format: msgpack or json")
		compress = fs.String("compression", "none", "Payload compression: none, zstd, lz4, snappy, gzip, brotli")
		timeout  = fs.Duration("timeout", 5*time.Second, "Request timeout")
		fields   fieldList
	)
	fs.Var(&fields, "field", "Payload field as name=value (repeatable)")
	fs.Parse(args)

	if *msgType > 0xFFFF {
		return fmt.Errorf("type %d out of range", *msgType)
	}
	alg, err := compression.ParseAlgorithm(*compress)
	if err != nil {
		return err
	}
	payloadFormat, err := parseFormat(*format)
	if err != nil {
		return err
	}

	msg := emp.NewMessage(uint16(*msgType), *from, *to, emp.Payload(fields)).
		WithCompression(alg).
		WithFormat(payloadFormat)

	c, err := client.NewClient(*submit, "")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := c.Send(ctx, msg); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var (
		fetch   = fs.String("fetch", "127.0.0.1:18183", "Broker fetch address")
		addr    = fs.String("addr", "", "Destination address to fetch for")
		raw     = fs.Bool("raw", false, "Print the hex frame as received")
		timeout = fs.Duration("timeout", 5*time.Second, "Request timeout")
	)
	fs.Parse(args)

	c, err := client.NewClient("", *fetch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wire, err := c.FetchRaw(ctx, *addr)
	if err != nil {
		return err
	}
	if *raw {
		fmt.Println(string(wire))
		return nil
	}

	msg, err := c.Codec.Decode(wire)
	if err != nil {
		return err
	}
	printMessage(os.Stdout, msg)
	return nil
}
