// Package storage defines the persistence contracts of the twin layer.
// Implementations live in the memory and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
)

var (
	// ErrNotFound is returned when no thing exists under (application, name).
	ErrNotFound = errors.New("thing not found")
	// ErrAlreadyExists is returned by Create on a key collision.
	ErrAlreadyExists = errors.New("thing already exists")
	// ErrPreconditionFailed is returned when the expected resource version no
	// longer matches the stored row.
	ErrPreconditionFailed = errors.New("resource version mismatch")
	// ErrTransient wraps infrastructure failures (connection loss, query
	// timeout) that a retry can cure, as opposed to the terminal errors
	// above.
	ErrTransient = errors.New("transient storage failure")
)

// DueWaker is one row of the waker index whose deadline has passed.
type DueWaker struct {
	Application string
	Name        string
	Due         time.Time
	Reasons     []string
}

// ThingStore persists things with optimistic concurrency and a waker index.
type ThingStore interface {
	// Create inserts a new thing, assigning uid, resource version,
	// generation 1 and the creation timestamp. Fails with ErrAlreadyExists
	// on key collision.
	Create(ctx context.Context, t *thing.Thing) (*thing.Thing, error)

	// Get returns the current thing or ErrNotFound.
	Get(ctx context.Context, application, name string) (*thing.Thing, error)

	// UpdateIf writes all columns when the stored resource version equals
	// expected, assigning a fresh resource version and incrementing the
	// generation by one. Fails with ErrPreconditionFailed on mismatch.
	UpdateIf(ctx context.Context, t *thing.Thing, expected string) (*thing.Thing, error)

	// DeleteIf removes the row under the same contention semantics.
	DeleteIf(ctx context.Context, application, name, expected string) error

	// List returns things of an application whose labels contain the given
	// selector (equality form). An empty selector matches all.
	List(ctx context.Context, application string, selector map[string]string) ([]*thing.Thing, error)

	// DueWakers returns up to limit things whose waker deadline is at or
	// before now, ordered ascending by deadline.
	DueWakers(ctx context.Context, now time.Time, limit int) ([]DueWaker, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
