package commands

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// RedisSink publishes commands onto a Redis stream, keyed by device. The
// transport bridge to the device network (MQTT or similar) consumes from it.
type RedisSink struct {
	client *goredis.Client
	stream string
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink creates a sink writing to the given stream.
func NewRedisSink(client *goredis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Publish(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"device":  cmd.Application + "/" + cmd.Device,
			"command": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}
