// Package waker scans storage for things whose wakeup deadline has passed
// and injects synthetic wakeup events into the mutation log. Duplicates are
// safe: the machine recomputes the waker and the optimistic lock bounds the
// effect to one transition per resource version.
package waker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/internal/app/metrics"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// Config tunes the scan loop.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// Batch bounds how many due things one scan picks up.
	Batch int
	// RateLimit bounds wakeup injections per second across scans.
	RateLimit rate.Limit
}

// DefaultConfig returns the production scan settings.
func DefaultConfig() Config {
	return Config{
		Interval:  250 * time.Millisecond,
		Batch:     64,
		RateLimit: rate.Limit(512),
	}
}

// Waker is the background scanner.
type Waker struct {
	cfg     Config
	store   storage.ThingStore
	sink    eventlog.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Waker.
func New(cfg Config, store storage.ThingStore, sink eventlog.Sink, mtr *metrics.Metrics, log *logger.Logger) *Waker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultConfig().RateLimit
	}
	if log == nil {
		log = logger.NewDefault("waker")
	}
	if mtr == nil {
		mtr = metrics.Nop()
	}
	return &Waker{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		metrics: mtr,
		log:     log,
		limiter: rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)),
	}
}

// Name implements the lifecycle service interface.
func (w *Waker) Name() string { return "waker" }

// Start schedules the periodic scan.
func (w *Waker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx, w.stop = context.WithCancel(ctx)
	w.cron = cron.New()
	_, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.cfg.Interval), func() {
		w.Scan(w.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule waker scan: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the scan schedule, waiting for a running scan to finish.
func (w *Waker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		w.stop()
	}
	if w.cron != nil {
		stopCtx := w.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Scan picks up one batch of due things and injects wakeups. It is exported
// so tests can drive it without the schedule.
func (w *Waker) Scan(ctx context.Context) {
	started := time.Now()
	w.metrics.WakerScansTotal.Inc()

	due, err := w.store.DueWakers(ctx, time.Now().UTC(), w.cfg.Batch)
	if err != nil {
		w.log.WithError(err).Warn("waker scan failed")
		return
	}

	for _, row := range due {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		reasons := row.Reasons
		if len(reasons) == 0 {
			reasons = []string{thing.ReasonReconcile}
		}
		ev := event.New(thing.MakeID(row.Application, row.Name), event.Payload{
			Type:   event.TypeWakeup,
			Wakeup: &event.Wakeup{Reasons: reasons},
		})
		if err := w.sink.Publish(ctx, ev); err != nil {
			w.log.WithError(err).
				WithField("thing", ev.ThingID).
				Warn("wakeup publish failed, next scan retries")
			continue
		}
		w.metrics.WakeupsTotal.Inc()
	}
	w.metrics.WakerScanDuration.Observe(time.Since(started).Seconds())
}
