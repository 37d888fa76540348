// Package svcreg tracks every background resource a process starts so
// shutdown is a single call instead of scattered defers. Resources are
// closed in reverse registration order, mirroring their dependency
// order at startup.
package svcreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type entry struct {
	name string
	stop func(context.Context) error
}

type Registry struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entries []entry
	closed  bool
}

func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register records a started resource. Registering after Close is a
// programming error and panics rather than silently leaking.
func (r *Registry) Register(name string, stop func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		panic(fmt.Sprintf("svcreg: register %q after close", name))
	}
	r.entries = append(r.entries, entry{name: name, stop: stop})
}

// RegisterCloser adapts the common io.Closer shape.
func (r *Registry) RegisterCloser(name string, close func() error) {
	r.Register(name, func(context.Context) error { return close() })
}

// Close stops everything in reverse registration order. Every stop is
// attempted even when earlier ones fail; the errors are joined.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.stop(ctx); err != nil {
			r.logger.Error("service shutdown failed", "service", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		r.logger.Info("service stopped", "service", e.name)
	}
	return errors.Join(errs...)
}
