package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
)

func newThing(name string) *thing.Thing {
	return &thing.Thing{Metadata: thing.Metadata{Application: "default", Name: name}}
}

func TestCreateAssignsBookkeeping(t *testing.T) {
	store := New()

	created, err := store.Create(context.Background(), newThing("foo"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.Metadata.UID)
	assert.NotEmpty(t, created.Metadata.ResourceVersion)
	assert.Equal(t, uint64(1), created.Metadata.Generation)
	assert.False(t, created.Metadata.CreationTimestamp.IsZero())

	_, err = store.Create(context.Background(), newThing("foo"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestGetNotFound(t *testing.T) {
	store := New()
	_, err := store.Get(context.Background(), "default", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateIfEnforcesResourceVersion(t *testing.T) {
	store := New()
	created, err := store.Create(context.Background(), newThing("foo"))
	require.NoError(t, err)

	next := created.Clone()
	next.Metadata.Labels = map[string]string{"env": "prod"}

	updated, err := store.UpdateIf(context.Background(), next, created.Metadata.ResourceVersion)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Metadata.Generation)
	assert.NotEqual(t, created.Metadata.ResourceVersion, updated.Metadata.ResourceVersion)
	assert.Equal(t, created.Metadata.UID, updated.Metadata.UID)

	// The earlier resource version is never accepted again.
	_, err = store.UpdateIf(context.Background(), next, created.Metadata.ResourceVersion)
	assert.ErrorIs(t, err, storage.ErrPreconditionFailed)
}

func TestDeleteIf(t *testing.T) {
	store := New()
	created, err := store.Create(context.Background(), newThing("foo"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.DeleteIf(context.Background(), "default", "foo", "stale"), storage.ErrPreconditionFailed)
	require.NoError(t, store.DeleteIf(context.Background(), "default", "foo", created.Metadata.ResourceVersion))

	_, err = store.Get(context.Background(), "default", "foo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteIf(context.Background(), "default", "foo", "any"), storage.ErrNotFound)
}

func TestListWithSelector(t *testing.T) {
	store := New()
	ctx := context.Background()

	prod := newThing("a")
	prod.Metadata.Labels = map[string]string{"env": "prod", "zone": "eu"}
	dev := newThing("b")
	dev.Metadata.Labels = map[string]string{"env": "dev"}
	other := &thing.Thing{Metadata: thing.Metadata{Application: "other", Name: "c"}}

	for _, th := range []*thing.Thing{prod, dev, other} {
		_, err := store.Create(ctx, th)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, "default", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	matched, err := store.List(ctx, "default", map[string]string{"env": "prod"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].Metadata.Name)
}

func TestDueWakers(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, spec := range []struct {
		name string
		due  time.Time
	}{
		{"late", now.Add(-time.Second)},
		{"later", now.Add(-time.Minute)},
		{"future", now.Add(time.Hour)},
	} {
		created, err := store.Create(ctx, newThing(spec.name))
		require.NoError(t, err)
		next := created.Clone()
		due := spec.due
		next.EnsureInternal().Waker = thing.Waker{Next: &due, Reasons: []string{thing.ReasonReconcile}}
		_, err = store.UpdateIf(ctx, next, created.Metadata.ResourceVersion)
		require.NoError(t, err)
	}

	due, err := store.DueWakers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Ascending by deadline.
	assert.Equal(t, "later", due[0].Name)
	assert.Equal(t, "late", due[1].Name)
	assert.Equal(t, []string{thing.ReasonReconcile}, due[0].Reasons)

	limited, err := store.DueWakers(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
