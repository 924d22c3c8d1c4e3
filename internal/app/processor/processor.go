// Package processor consumes the mutation log and drives the service. One
// logical consumer owns each partition; events of a thing are processed
// strictly in publish order.
package processor

import (
	"context"
	"errors"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/internal/app/machine"
	"github.com/R3E-Network/twin_layer/internal/app/metrics"
	"github.com/R3E-Network/twin_layer/internal/app/script"
	"github.com/R3E-Network/twin_layer/internal/app/service"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// Processor connects an event source to the service.
type Processor struct {
	source  eventlog.Source
	service *service.Service
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New creates a Processor.
func New(source eventlog.Source, svc *service.Service, mtr *metrics.Metrics, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("processor")
	}
	if mtr == nil {
		mtr = metrics.Nop()
	}
	return &Processor{source: source, service: svc, metrics: mtr, log: log}
}

// Run consumes until the context is cancelled. In-flight transitions run to
// completion; the shutdown signal is honored at the fetch boundary.
func (p *Processor) Run(ctx context.Context) error {
	return p.source.Consume(ctx, p.handle)
}

// handle processes one event. A nil return commits the partition offset.
// Terminal failures are logged and committed so poison messages cannot block
// the partition; transient failures are returned for redelivery.
func (p *Processor) handle(ctx context.Context, ev event.Event) error {
	err := p.service.Mutate(ctx, ev)
	if err == nil {
		p.metrics.EventsConsumedTotal.WithLabelValues("ok").Inc()
		return nil
	}

	if terminal(err) {
		p.metrics.EventsConsumedTotal.WithLabelValues("dropped").Inc()
		p.log.WithError(err).
			WithField("thing", ev.ThingID).
			WithField("type", string(ev.Payload.Type)).
			Warn("dropping event after terminal failure")
		return nil
	}

	p.metrics.EventsConsumedTotal.WithLabelValues("retry").Inc()
	p.log.WithError(err).
		WithField("thing", ev.ThingID).
		WithField("type", string(ev.Payload.Type)).
		Warn("transient failure, event will be redelivered")
	return err
}

// terminal reports whether an error cannot be cured by redelivery: the event
// is dropped and its offset committed. Everything else is treated as a
// transient infrastructure failure.
func terminal(err error) bool {
	var scriptErr *script.Error
	var protected *thing.ProtectedFieldError
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, service.ErrLockContention),
		errors.Is(err, machine.ErrSchemaViolation),
		errors.Is(err, machine.ErrInvalid),
		errors.Is(err, script.ErrAborted),
		errors.As(err, &scriptErr),
		errors.As(err, &protected):
		return true
	}
	return false
}
