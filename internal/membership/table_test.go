package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/logging"
	"github.com/muprotocol/mu/internal/stack"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func newTestTable(t *testing.T, store kvstore.Store, addr string, port uint16, clock identity.Clock) *Table {
	t.Helper()
	id, err := identity.New(net.ParseIP(addr), port)
	require.NoError(t, err)
	log := logging.New(nil, "membership", id.Key())
	return New(store, id, 1, Config{UpdateInterval: time.Second, AssumeDeadAfter: 20 * time.Second}, clock, log, nil)
}

func TestPublishThenSnapshot(t *testing.T) {
	store := kvstore.NewMemStore()
	clock := &fakeClock{now: time.Now()}
	tbl := newTestTable(t, store, "10.0.0.1", 4000, clock)

	require.NoError(t, tbl.Publish(context.Background()))

	snap, err := tbl.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	for _, status := range snap {
		require.Equal(t, StateAlive, status.State)
	}
}

func TestSnapshot_StaleRowSurfacedAsDead(t *testing.T) {
	store := kvstore.NewMemStore()
	clock := &fakeClock{now: time.Now()}
	tbl := newTestTable(t, store, "10.0.0.1", 4000, clock)
	require.NoError(t, tbl.Publish(context.Background()))

	// Advance the clock for the snapshot-reading table only; the row's
	// LastUpdate stays in the past relative to "now".
	laterClock := &fakeClock{now: clock.now.Add(21 * time.Second)}
	reader := newTestTable(t, store, "10.0.0.2", 4000, laterClock)

	snap, err := reader.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	for _, status := range snap {
		require.Equal(t, StateDead, status.State)
	}
}

func TestStackDeployedLocally_ReflectedOnPublish(t *testing.T) {
	store := kvstore.NewMemStore()
	clock := &fakeClock{now: time.Now()}
	tbl := newTestTable(t, store, "10.0.0.1", 4000, clock)

	sid := stack.ID{1, 2, 3}
	tbl.StackDeployedLocally(sid)
	require.NoError(t, tbl.Publish(context.Background()))

	snap, err := tbl.Snapshot(context.Background())
	require.NoError(t, err)
	for _, status := range snap {
		_, ok := status.DeployedStacks[sid]
		require.True(t, ok)
	}

	tbl.StackUndeployedLocally(sid)
	require.NoError(t, tbl.Publish(context.Background()))
	snap, err = tbl.Snapshot(context.Background())
	require.NoError(t, err)
	for _, status := range snap {
		_, ok := status.DeployedStacks[sid]
		require.False(t, ok)
	}
}

func TestWatch_EmitsAddedOnFirstPublish(t *testing.T) {
	store := kvstore.NewMemStore()
	clock := &fakeClock{now: time.Now()}
	tbl := newTestTable(t, store, "10.0.0.1", 4000, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deltas, err := tbl.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, tbl.Publish(context.Background()))
	select {
	case d := <-deltas:
		require.Equal(t, DeltaAdded, d.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Added delta")
	}
}
