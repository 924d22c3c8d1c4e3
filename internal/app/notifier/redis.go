package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
)

// RedisPublisher writes notifications onto a partitioned Redis stream, keyed
// by thing id like the mutation log so per-thing ordering carries over.
type RedisPublisher struct {
	client     *goredis.Client
	stream     string
	partitions int
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher for the notification stream.
func NewRedisPublisher(client *goredis.Client, stream string, partitions int) *RedisPublisher {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisPublisher{client: client, stream: stream, partitions: partitions}
}

func (p *RedisPublisher) Publish(ctx context.Context, change event.ThingChanged) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	partition := eventlog.Partition(change.ThingID(), p.partitions)
	err = p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: fmt.Sprintf("%s.%d", p.stream, partition),
		Values: map[string]any{"notification": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish notification: %w: %v", eventlog.ErrTransient, err)
	}
	return nil
}
