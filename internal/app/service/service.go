// Package service orchestrates one mutation: load under the optimistic lock,
// run the machine, persist, then emit notifications, outbox messages and
// commands. Lock conflicts are retried with bounded exponential backoff.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/twin_layer/internal/app/commands"
	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/internal/app/machine"
	"github.com/R3E-Network/twin_layer/internal/app/metrics"
	"github.com/R3E-Network/twin_layer/internal/app/notifier"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// ErrLockContention is surfaced when the optimistic lock retries are
// exhausted.
var ErrLockContention = errors.New("lock contention: retries exhausted")

// Config tunes the commit retry loop.
type Config struct {
	// RetryInitial is the first backoff interval after a lock conflict.
	RetryInitial time.Duration
	// RetryMax caps the backoff interval.
	RetryMax time.Duration
	// MaxAttempts bounds the total number of attempts.
	MaxAttempts int
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		RetryInitial: 10 * time.Millisecond,
		RetryMax:     time.Second,
		MaxAttempts:  10,
	}
}

// Clock abstracts time for tests.
type Clock func() time.Time

// Service drives per-thing mutations.
type Service struct {
	cfg      Config
	store    storage.ThingStore
	machine  *machine.Machine
	sink     eventlog.Sink
	notifier *notifier.Notifier
	commands commands.Sink
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      Clock
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects a time source.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.now = clock }
}

// WithConfig overrides the retry settings.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// New constructs a Service.
func New(store storage.ThingStore, m *machine.Machine, sink eventlog.Sink, n *notifier.Notifier, cmds commands.Sink, mtr *metrics.Metrics, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("service")
	}
	if mtr == nil {
		mtr = metrics.Nop()
	}
	s := &Service{
		cfg:      DefaultConfig(),
		store:    store,
		machine:  m,
		sink:     sink,
		notifier: n,
		commands: cmds,
		metrics:  mtr,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mutate applies one event to its thing. Terminal rejections come back as
// typed errors; lock conflicts are retried internally and surface as
// ErrLockContention only after exhaustion.
func (s *Service) Mutate(ctx context.Context, ev event.Event) error {
	application, name, err := thing.SplitID(ev.ThingID)
	if err != nil {
		return fmt.Errorf("%w: %v", machine.ErrInvalid, err)
	}

	attempts := s.cfg.MaxAttempts
	if attempts < 1 {
		attempts = DefaultConfig().MaxAttempts
	}

	started := s.now()
	policy := backoff.WithContext(backoff.WithMaxRetries(s.retryPolicy(), uint64(attempts-1)), ctx)
	attempt := func() error {
		return s.mutateOnce(ctx, application, name, ev)
	}

	err = backoff.Retry(attempt, policy)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		} else if errors.Is(err, storage.ErrPreconditionFailed) {
			err = fmt.Errorf("%w: %v", ErrLockContention, err)
		}
		s.metrics.ObserveTransition(string(ev.Payload.Type), "error", s.now().Sub(started))
		return err
	}
	s.metrics.ObserveTransition(string(ev.Payload.Type), "ok", s.now().Sub(started))
	return nil
}

func (s *Service) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// mutateOnce is one attempt of the load → transition → commit → emit cycle.
// A storage.ErrPreconditionFailed return is retried by the caller; every
// other failure is wrapped permanent.
func (s *Service) mutateOnce(ctx context.Context, application, name string, ev event.Event) error {
	now := s.now()

	current, err := s.store.Get(ctx, application, name)
	if errors.Is(err, storage.ErrNotFound) {
		if ev.Payload.Type == event.TypeCreate {
			return s.create(ctx, ev)
		}
		return backoff.Permanent(storage.ErrNotFound)
	}
	if err != nil {
		return backoff.Permanent(fmt.Errorf("load thing: %w", err))
	}

	if ev.Payload.Type == event.TypeCreate {
		return backoff.Permanent(storage.ErrAlreadyExists)
	}

	outcome, err := s.machine.Transition(ctx, current, ev, now)
	if err != nil {
		return backoff.Permanent(err)
	}

	if outcome.Terminal {
		err := s.store.DeleteIf(ctx, application, name, current.Metadata.ResourceVersion)
		if errors.Is(err, storage.ErrPreconditionFailed) {
			s.metrics.LockConflictsTotal.Inc()
			return err
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("remove thing: %w", err))
		}
		s.publishChanged(ctx, event.ChangeDeleted, outcome.New)
		return nil
	}

	if thing.StateEqual(current, outcome.New) {
		// Nothing to persist; the commit is a no-op.
		s.metrics.NoopCommitsTotal.Inc()
		return nil
	}

	updated, err := s.store.UpdateIf(ctx, outcome.New, current.Metadata.ResourceVersion)
	if errors.Is(err, storage.ErrPreconditionFailed) {
		s.metrics.LockConflictsTotal.Inc()
		return err
	}
	if err != nil {
		return backoff.Permanent(fmt.Errorf("persist thing: %w", err))
	}

	s.emit(ctx, event.ChangeUpdated, updated, outcome.Commands)
	return nil
}

// create inserts a fresh thing, then runs one wakeup transition so timers,
// desired reconciliation and the waker are evaluated from the start.
func (s *Service) create(ctx context.Context, ev event.Event) error {
	seed := ev.Payload.Create.Clone()
	if seed.ID() != ev.ThingID {
		return backoff.Permanent(fmt.Errorf("%w: thing id %q does not match payload %q", machine.ErrInvalid, ev.ThingID, seed.ID()))
	}

	created, err := s.store.Create(ctx, seed)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return backoff.Permanent(storage.ErrAlreadyExists)
	}
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create thing: %w", err))
	}

	outcome, err := s.machine.Transition(ctx, created, event.Event{
		ID:        ev.ID,
		ThingID:   ev.ThingID,
		Timestamp: ev.Timestamp,
		Payload:   event.Payload{Type: event.TypeWakeup, Wakeup: &event.Wakeup{}},
	}, s.now())
	if err != nil {
		// The seed state persisted; initial reconciliation failures are
		// logged and left to the waker.
		s.log.WithError(err).WithField("thing", ev.ThingID).Warn("initial reconciliation failed")
		s.publishChanged(ctx, event.ChangeCreated, created)
		return nil
	}

	final := created
	if !thing.StateEqual(created, outcome.New) {
		final, err = s.store.UpdateIf(ctx, outcome.New, created.Metadata.ResourceVersion)
		if err != nil {
			s.log.WithError(err).WithField("thing", ev.ThingID).Warn("persist initial reconciliation failed")
			final = created
		}
	}

	s.publishChanged(ctx, event.ChangeCreated, final)
	s.deliverCommands(ctx, outcome.Commands)
	s.deliverOutbox(ctx, final)
	return nil
}

// emit publishes the change notification and delivers outbox entries and
// commands. The three are independent: a downstream failure never
// un-persists; the committed waker retries outbox delivery.
func (s *Service) emit(ctx context.Context, change event.ChangeType, committed *thing.Thing, cmds []commands.Command) {
	s.publishChanged(ctx, change, committed)
	s.deliverCommands(ctx, cmds)
	s.deliverOutbox(ctx, committed)
}

func (s *Service) publishChanged(ctx context.Context, change event.ChangeType, committed *thing.Thing) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Publish(ctx, event.ThingChanged{
		Application: committed.Metadata.Application,
		Name:        committed.Metadata.Name,
		Generation:  committed.Metadata.Generation,
		Change:      change,
		Thing:       committed,
		Timestamp:   s.now(),
	})
	if err != nil {
		s.metrics.DeliveryErrorsTotal.WithLabelValues("notifier").Inc()
		s.log.WithError(err).WithField("thing", committed.ID()).Warn("publish notification failed")
		return
	}
	s.metrics.NotificationsTotal.Inc()
}

func (s *Service) deliverCommands(ctx context.Context, cmds []commands.Command) {
	if s.commands == nil {
		return
	}
	for _, cmd := range cmds {
		if err := s.commands.Publish(ctx, cmd); err != nil {
			s.metrics.DeliveryErrorsTotal.WithLabelValues("commands").Inc()
			s.log.WithError(err).
				WithField("device", cmd.Application+"/"+cmd.Device).
				WithField("channel", cmd.Channel).
				Warn("publish command failed, reconciliation will retry")
			continue
		}
		s.metrics.CommandsTotal.Inc()
	}
}

// deliverOutbox sends every queued entry to its target and, per delivered
// entry, enqueues the acknowledgement that clears it through the serialized
// path. Failed deliveries stay queued; the committed waker retries them.
func (s *Service) deliverOutbox(ctx context.Context, committed *thing.Thing) {
	if s.sink == nil || committed.Internal == nil {
		return
	}
	for _, entry := range committed.Internal.Outbox {
		outbound := event.New(entry.Thing, event.Payload{
			Type:  event.TypeMerge,
			Merge: entry.Message,
		})
		outbound.Hops = entry.Hops
		outbound.IdempotencyKey = entry.Ref

		if err := s.sink.Publish(ctx, outbound); err != nil {
			s.metrics.DeliveryErrorsTotal.WithLabelValues("outbox").Inc()
			s.log.WithError(err).
				WithField("thing", committed.ID()).
				WithField("target", entry.Thing).
				Warn("outbox delivery failed, waker will retry")
			continue
		}

		ack := event.New(committed.ID(), event.Payload{
			Type:     event.TypeOutboxDelivery,
			Delivery: &event.OutboxDelivery{Ref: entry.Ref},
		})
		if err := s.sink.Publish(ctx, ack); err != nil {
			s.log.WithError(err).
				WithField("thing", committed.ID()).
				Warn("outbox acknowledgement failed, entry may be re-sent")
			continue
		}
		s.metrics.OutboxDeliveredTotal.Inc()
	}
}

// Get loads the current state of a thing.
func (s *Service) Get(ctx context.Context, application, name string) (*thing.Thing, error) {
	return s.store.Get(ctx, application, name)
}

// List returns the things of an application matching a label selector.
func (s *Service) List(ctx context.Context, application string, selector map[string]string) ([]*thing.Thing, error) {
	return s.store.List(ctx, application, selector)
}
