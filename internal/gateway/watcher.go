package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/membership"
	"github.com/muprotocol/mu/internal/stack"
)

// specStore is a local mirror of chain-observed Stack records for one
// region, kept current by chain events and consulted whenever a
// membership delta names a stack the gateway hasn't resolved a spec for
// yet (spec.md §4.4: "fetches StackSpec from the chain (cached by
// revision)").
type specStore struct {
	mu     sync.RWMutex
	stacks map[stack.ID]stack.Stack
}

func newSpecStore() *specStore {
	return &specStore{stacks: make(map[stack.ID]stack.Stack)}
}

func (s *specStore) put(st stack.Stack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks[st.ID] = st
}

func (s *specStore) remove(id stack.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stacks, id)
}

func (s *specStore) get(id stack.ID) (stack.Stack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stacks[id]
	return st, ok
}

// WatchRoutes keeps the gateway's Table current with the cluster-wide
// union of Running stacks in region, per spec.md §4.4. A single select
// loop handles both inputs: chain stack events are mirrored into a
// specStore, and membership deltas (re)build routes once a stack's spec
// is known.
func WatchRoutes(ctx context.Context, region uint32, table *membership.Table, routes *Table, chainCli chain.Client, log zerolog.Logger) error {
	specs := newSpecStore()

	events, err := chainCli.StreamStackEvents(ctx, region)
	if err != nil {
		return err
	}
	deltas, err := table.Watch(ctx)
	if err != nil {
		return err
	}

	revisions := make(map[stack.ID]uint32)
	pending := make(map[stack.ID]struct{})
	var mu sync.Mutex

	applyPending := func(id stack.ID) {
		st, ok := specs.get(id)
		if !ok {
			mu.Lock()
			pending[id] = struct{}{}
			mu.Unlock()
			return
		}
		routes.Put(region, id, st.Spec)
		revisions[id] = st.Revision
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case chain.EventDeleted:
				specs.remove(ev.StackID)
				routes.Remove(ev.StackID)
			case chain.EventCreated, chain.EventUpdated:
				specs.put(ev.Stack)
				mu.Lock()
				_, wasPending := pending[ev.StackID]
				delete(pending, ev.StackID)
				mu.Unlock()
				if wasPending || revisions[ev.StackID] != ev.Stack.Revision {
					routes.Put(region, ev.StackID, ev.Stack.Spec)
					revisions[ev.StackID] = ev.Stack.Revision
				}
			}
		case d, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			switch d.Kind {
			case membership.DeltaRemoved:
				for id := range d.Status.DeployedStacks {
					routes.Remove(id)
				}
			case membership.DeltaAdded, membership.DeltaUpdated:
				for id := range d.Status.DeployedStacks {
					if rev, ok := revisions[id]; ok {
						if st, ok := specs.get(id); ok && st.Revision == rev {
							continue
						}
					}
					applyPending(id)
				}
			}
		}
		if events == nil && deltas == nil {
			return nil
		}
	}
}
