package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/meftunca/empbroker/pkg/emp"
)

// Example usage of the EMP broker Go client
func Example() {
	c, err := NewClient("127.0.0.1:18182", "127.0.0.1:18183")
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	// Submit a command to a locomotive
	cmd := &emp.LocoCommand{Loco: "L-100", Speed: 25, Direction: "east"}
	msg := emp.NewMessage(emp.TypeLocoCommand, "office", "L-100", cmd.ToPayload())
	if err := c.Send(ctx, msg); err != nil {
		panic(err)
	}

	// Poll for it from the locomotive side
	fetched, err := c.Fetch(ctx, "L-100")
	if errors.Is(err, ErrEmpty) {
		fmt.Println("nothing queued")
		return
	}
	if err != nil {
		panic(err)
	}
	fmt.Println("received:", fetched)
}
