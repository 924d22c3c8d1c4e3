package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/twin_layer/internal/app/system"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// runFunc adapts a blocking run function into a lifecycle service.
type runFunc struct {
	name string
	run  func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func runService(name string, run func(ctx context.Context) error) system.Service {
	return &runFunc{name: name, run: run}
}

func (r *runFunc) Name() string { return r.name }

func (r *runFunc) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		if err := r.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.NewDefault(r.name).WithError(err).Error("run loop exited")
		}
	}()
	return nil
}

func (r *runFunc) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// httpServer is the operational HTTP endpoint as a lifecycle service.
type httpServer struct {
	server *http.Server
	log    *logger.Logger
}

func httpService(addr string, handler http.Handler, log *logger.Logger) system.Service {
	return &httpServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (h *httpServer) Name() string { return "http" }

func (h *httpServer) Start(ctx context.Context) error {
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("http server exited")
		}
	}()
	return nil
}

func (h *httpServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
