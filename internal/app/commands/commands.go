// Package commands emits device-bound commands produced by desired-state
// reconciliation onto an external transport.
package commands

import (
	"context"
)

// Command is one message bound for a device.
type Command struct {
	Application string `json:"application"`
	Device      string `json:"device"`
	Channel     string `json:"channel"`
	Encoding    string `json:"encoding,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// Sink delivers commands. Failures are recorded but never roll back state;
// the reconciliation loop retries on the next period.
type Sink interface {
	Publish(ctx context.Context, cmd Command) error
}
