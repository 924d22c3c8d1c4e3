// Package memory provides the in-memory ThingStore used by tests and by
// single-process deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
)

// Store is a mutex-guarded map of things keyed by thing id.
type Store struct {
	mu     sync.RWMutex
	things map[string]*thing.Thing
}

var _ storage.ThingStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{things: map[string]*thing.Thing{}}
}

func (s *Store) Create(ctx context.Context, t *thing.Thing) (*thing.Thing, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.ID()
	if _, exists := s.things[id]; exists {
		return nil, storage.ErrAlreadyExists
	}

	stored := t.Clone()
	stored.Metadata.UID = uuid.NewString()
	stored.Metadata.ResourceVersion = uuid.NewString()
	stored.Metadata.Generation = 1
	if stored.Metadata.CreationTimestamp.IsZero() {
		stored.Metadata.CreationTimestamp = time.Now().UTC()
	}
	s.things[id] = stored
	return stored.Clone(), nil
}

func (s *Store) Get(ctx context.Context, application, name string) (*thing.Thing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.things[thing.MakeID(application, name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *Store) UpdateIf(ctx context.Context, t *thing.Thing, expected string) (*thing.Thing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.ID()
	stored, ok := s.things[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if stored.Metadata.ResourceVersion != expected {
		return nil, storage.ErrPreconditionFailed
	}

	next := t.Clone()
	next.Metadata.UID = stored.Metadata.UID
	next.Metadata.CreationTimestamp = stored.Metadata.CreationTimestamp
	next.Metadata.ResourceVersion = uuid.NewString()
	next.Metadata.Generation = stored.Metadata.Generation + 1
	s.things[id] = next
	return next.Clone(), nil
}

func (s *Store) DeleteIf(ctx context.Context, application, name, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := thing.MakeID(application, name)
	stored, ok := s.things[id]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Metadata.ResourceVersion != expected {
		return storage.ErrPreconditionFailed
	}
	delete(s.things, id)
	return nil
}

func (s *Store) List(ctx context.Context, application string, selector map[string]string) ([]*thing.Thing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*thing.Thing
	for _, stored := range s.things {
		if stored.Metadata.Application != application {
			continue
		}
		if !labelsContain(stored.Metadata.Labels, selector) {
			continue
		}
		out = append(out, stored.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out, nil
}

func (s *Store) DueWakers(ctx context.Context, now time.Time, limit int) ([]storage.DueWaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []storage.DueWaker
	for _, stored := range s.things {
		if stored.Internal == nil || stored.Internal.Waker.Next == nil {
			continue
		}
		next := *stored.Internal.Waker.Next
		if next.After(now) {
			continue
		}
		reasons := append([]string(nil), stored.Internal.Waker.Reasons...)
		due = append(due, storage.DueWaker{
			Application: stored.Metadata.Application,
			Name:        stored.Metadata.Name,
			Due:         next,
			Reasons:     reasons,
		})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Due.Before(due[j].Due) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func labelsContain(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
