// Package redis implements the event log on Redis Streams: one stream per
// partition, one consumer group, blocking group reads with explicit acks.
// Per-key ordering holds because the partition of a thing id is stable and
// each partition stream is drained by a single consumer goroutine.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

const payloadField = "event"

// Config describes one partitioned stream.
type Config struct {
	// Stream is the base stream name; partition p lives at "<stream>.<p>".
	Stream string
	// Group is the consumer group name.
	Group string
	// Partitions is the partition count; producers and consumers must agree.
	Partitions int
	// Block bounds each blocking read.
	Block time.Duration
	// RetryDelay is the initial redelivery backoff after a handler failure;
	// it grows exponentially up to RetryMax.
	RetryDelay time.Duration
	// RetryMax caps the backoff interval.
	RetryMax time.Duration
}

func (c *Config) defaults() {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// Log is a Redis Streams event log.
type Log struct {
	client *goredis.Client
	cfg    Config
	log    *logger.Logger
}

var (
	_ eventlog.Sink   = (*Log)(nil)
	_ eventlog.Source = (*Log)(nil)
)

// New creates a Log on an existing client.
func New(client *goredis.Client, cfg Config, log *logger.Logger) *Log {
	cfg.defaults()
	if log == nil {
		log = logger.NewDefault("eventlog")
	}
	return &Log{client: client, cfg: cfg, log: log}
}

func (l *Log) stream(partition int) string {
	return fmt.Sprintf("%s.%d", l.cfg.Stream, partition)
}

func (l *Log) Publish(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	partition := eventlog.Partition(ev.ThingID, l.cfg.Partitions)
	err = l.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: l.stream(partition),
		Values: map[string]any{payloadField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w: %v", l.stream(partition), eventlog.ErrTransient, err)
	}
	return nil
}

// Consume owns every partition of the stream: one goroutine per partition,
// reading pending entries first, then new ones. A message is acked only
// after its handler returns nil.
func (l *Log) Consume(ctx context.Context, handler eventlog.Handler) error {
	for p := 0; p < l.cfg.Partitions; p++ {
		err := l.client.XGroupCreateMkStream(ctx, l.stream(p), l.cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", l.stream(p), err)
		}
	}

	var wg sync.WaitGroup
	for p := 0; p < l.cfg.Partitions; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			l.consumePartition(ctx, partition, handler)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (l *Log) consumePartition(ctx context.Context, partition int, handler eventlog.Handler) {
	stream := l.stream(partition)
	consumer := fmt.Sprintf("%s-%d", l.cfg.Group, partition)
	cursor := "0" // drain own pending entries first, then switch to new ones
	readRetry := l.retryPolicy()

	for ctx.Err() == nil {
		streams, err := l.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    l.cfg.Group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    16,
			Block:    l.cfg.Block,
		}).Result()
		if err == goredis.Nil {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.WithError(err).WithField("stream", stream).Warn("stream read failed")
			sleep(ctx, readRetry.NextBackOff())
			continue
		}
		readRetry.Reset()

		delivered := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				l.handleMessage(ctx, stream, msg, handler)
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// retryPolicy builds the bounded exponential backoff used for redelivery and
// broken stream reads.
func (l *Log) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryDelay
	b.MaxInterval = l.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// handleMessage decodes and processes one entry, retrying the handler until
// it succeeds. Undecodable entries are acked away so they cannot block the
// partition.
func (l *Log) handleMessage(ctx context.Context, stream string, msg goredis.XMessage, handler eventlog.Handler) {
	raw, _ := msg.Values[payloadField].(string)

	var ev event.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		l.log.WithError(err).
			WithField("stream", stream).
			WithField("thing", gjson.Get(raw, "thingId").String()).
			Error("dropping undecodable event")
		l.ack(ctx, stream, msg.ID)
		return
	}

	redeliver := l.retryPolicy()
	for ctx.Err() == nil {
		if err := handler(ctx, ev); err == nil {
			l.ack(ctx, stream, msg.ID)
			return
		}
		sleep(ctx, redeliver.NextBackOff())
	}
}

func (l *Log) ack(ctx context.Context, stream, id string) {
	if err := l.client.XAck(ctx, stream, l.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		l.log.WithError(err).WithField("stream", stream).Warn("ack failed")
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
