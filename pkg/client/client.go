// Package client provides a Go client for the EMP broker.
// It submits messages to the submit endpoint and fetches them from the fetch
// endpoint, one short-lived TCP connection per request.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/meftunca/empbroker/pkg/emp"
	"github.com/meftunca/empbroker/pkg/types"
)

// ErrEmpty is returned by Fetch when the broker has no message for the address.
var ErrEmpty = types.ErrEmptyQueue

// maxReplySize bounds a fetch reply
const maxReplySize = 16 << 20

// Client is the main struct for interacting with an EMP broker.
type Client struct {
	SubmitAddr string
	FetchAddr  string
	Codec      *emp.Codec
	Timeout    time.Duration // per request, when ctx has no deadline

	dialer net.Dialer
}

// NewClient creates a new client for the given submit and fetch endpoints.
func NewClient(submitAddr, fetchAddr string) (*Client, error) {
	codec, err := emp.NewCodec()
	if err != nil {
		return nil, err
	}
	return &Client{
		SubmitAddr: submitAddr,
		FetchAddr:  fetchAddr,
		Codec:      codec,
		Timeout:    10 * time.Second,
	}, nil
}

// Send encodes msg and submits it.
func (c *Client) Send(ctx context.Context, msg *emp.Message) error {
	wire, err := c.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, wire)
}

// SendRaw submits an already transport-encoded frame. A FAIL reply is
// returned as SUBMIT_REJECTED. Nothing is retried.
func (c *Client) SendRaw(ctx context.Context, wire []byte) error {
	reply, err := c.roundTrip(ctx, c.SubmitAddr, wire)
	if err != nil {
		return err
	}

	switch string(reply) {
	case "OK":
		return nil
	case "FAIL":
		return types.NewBrokerError(types.ErrCodeSubmitRejected, "broker rejected message")
	default:
		return types.ErrTransportError("submit", fmt.Errorf("unexpected reply %q", truncate(reply)))
	}
}

// Fetch pops the next message for dest and decodes it. ErrEmpty means there
// is nothing to fetch right now.
func (c *Client) Fetch(ctx context.Context, dest string) (*emp.Message, error) {
	wire, err := c.FetchRaw(ctx, dest)
	if err != nil {
		return nil, err
	}
	return c.Codec.Decode(wire)
}

// FetchRaw pops the next message for dest and returns its transport form
// exactly as the broker sent it.
func (c *Client) FetchRaw(ctx context.Context, dest string) ([]byte, error) {
	if err := emp.ValidateAddress(dest); err != nil {
		return nil, err
	}

	reply, err := c.roundTrip(ctx, c.FetchAddr, []byte(dest))
	if err != nil {
		return nil, err
	}
	if string(reply) == "EMPTY" {
		return nil, ErrEmpty
	}
	if len(reply) == 0 {
		return nil, types.ErrTransportError("fetch", io.ErrUnexpectedEOF)
	}
	return reply, nil
}

// roundTrip sends one newline-terminated request and reads the reply until
// the broker closes the connection.
func (c *Client) roundTrip(ctx context.Context, addr string, request []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.ErrTransportError("dial", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(append(bytes.Clone(request), '\n')); err != nil {
		return nil, types.ErrTransportError("write", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	reply, err := io.ReadAll(io.LimitReader(conn, maxReplySize))
	if err != nil {
		return nil, types.ErrTransportError("read", err)
	}
	return bytes.TrimSpace(reply), nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
