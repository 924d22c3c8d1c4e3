package system

import (
	"context"
	"fmt"

	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	services []Service
	started  []Service
	log      *logger.Logger
}

// NewManager creates a Manager.
func NewManager(log *logger.Logger, services ...Service) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{services: services, log: log}
}

// Register appends a service. Must be called before Start.
func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// Start brings every service up. On failure, already started services are
// stopped in reverse order before the error returns.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting")
		if err := svc.Start(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("start failed")
			_ = m.Stop(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop halts started services in reverse order, collecting the first error.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		m.log.WithField("service", svc.Name()).Info("stopping")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	m.started = nil
	return firstErr
}
