package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/stack"
)

func TestTombstone_UntombstonedByDefault(t *testing.T) {
	m := &Manager{region: 1, kv: kvstore.NewMemStore()}
	id := stack.ID{9}

	tombstoned, err := m.isTombstoned(context.Background(), id)
	require.NoError(t, err)
	require.False(t, tombstoned)
}

func TestTombstone_VisibleAfterWrite(t *testing.T) {
	m := &Manager{region: 1, kv: kvstore.NewMemStore()}
	id := stack.ID{10}

	require.NoError(t, m.writeTombstone(context.Background(), id))

	tombstoned, err := m.isTombstoned(context.Background(), id)
	require.NoError(t, err)
	require.True(t, tombstoned)
}

func TestTombstone_WriteIsIdempotent(t *testing.T) {
	m := &Manager{region: 1, kv: kvstore.NewMemStore()}
	id := stack.ID{11}

	require.NoError(t, m.writeTombstone(context.Background(), id))
	require.NoError(t, m.writeTombstone(context.Background(), id))
}

func TestTombstone_NamespacedByRegionAndStack(t *testing.T) {
	store := kvstore.NewMemStore()
	a := &Manager{region: 1, kv: store}
	b := &Manager{region: 2, kv: store}
	id := stack.ID{12}

	require.NoError(t, a.writeTombstone(context.Background(), id))

	tombstoned, err := b.isTombstoned(context.Background(), id)
	require.NoError(t, err)
	require.False(t, tombstoned, "a tombstone in one region must not leak into another")
}
