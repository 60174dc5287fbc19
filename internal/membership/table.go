package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/stack"
	"github.com/muprotocol/mu/internal/telemetry"
)

// ErrTransientConflict is returned by Publish after three CAS failures
// in a row (spec.md §4.1).
var ErrTransientConflict = errors.New("membership: transient conflict publishing row")

// ErrShuttingDown is delivered on the ShutdownRequested channel when the
// node has failed to publish for two consecutive heartbeats and can no
// longer safely serve requests it may no longer own (spec.md §4.1).
var ErrShuttingDown = errors.New("membership: cannot publish, initiating shutdown")

// Config is the subset of config.Membership the Table needs directly.
type Config struct {
	UpdateInterval  time.Duration
	AssumeDeadAfter time.Duration
}

// Table is the distributed registry of {node-id -> NodeStatus} for one
// region. The local row's version and deployed set are guarded by mu;
// Publish copies them under that lock before each CAS, so
// StackDeployedLocally and Publish never race on the local row.
type Table struct {
	store  kvstore.Store
	self   identity.NodeID
	region uint32
	cfg    Config
	clock  identity.Clock
	log    zerolog.Logger
	mx     *telemetry.Registry

	mu            sync.Mutex
	localVersion  int64
	localDeployed map[stack.ID]struct{}

	shutdown chan error
}

// New constructs a Table for the local node. The row is not published
// until Run is started.
func New(store kvstore.Store, self identity.NodeID, region uint32, cfg Config, clock identity.Clock, log zerolog.Logger, mx *telemetry.Registry) *Table {
	return &Table{
		store:         store,
		self:          self,
		region:        region,
		cfg:           cfg,
		clock:         clock,
		log:           log,
		mx:            mx,
		localDeployed: make(map[stack.ID]struct{}),
		shutdown:      make(chan error, 1),
	}
}

// ShutdownRequested fires when the node must stop serving because it
// could not publish its row for two consecutive intervals.
func (t *Table) ShutdownRequested() <-chan error {
	return t.shutdown
}

// StackDeployedLocally records that the lifecycle manager has completed
// a deploy transition for id (invariant I2). The change is reflected in
// the row on the next Publish.
func (t *Table) StackDeployedLocally(id stack.ID) {
	t.mu.Lock()
	t.localDeployed[id] = struct{}{}
	t.mu.Unlock()
}

// StackUndeployedLocally removes id from the local deployed set.
func (t *Table) StackUndeployedLocally(id stack.ID) {
	t.mu.Lock()
	delete(t.localDeployed, id)
	t.mu.Unlock()
}

// Publish CAS-writes the caller's row with version+1. On a concurrent
// write it re-reads, merges (local becomes max(local, remote) on
// version), and retries; after three failures it returns
// ErrTransientConflict (spec.md §4.1).
func (t *Table) Publish(ctx context.Context) error {
	key := rowKey(t.region, t.self.Key())

	for attempt := 0; attempt < 3; attempt++ {
		t.mu.Lock()
		version := t.localVersion
		deployed := make(map[stack.ID]struct{}, len(t.localDeployed))
		for id := range t.localDeployed {
			deployed[id] = struct{}{}
		}
		t.mu.Unlock()

		status := NodeStatus{
			NodeID:         t.self,
			Version:        version + 1,
			Region:         t.region,
			LastUpdate:     t.clock.Now(),
			State:          StateAlive,
			DeployedStacks: deployed,
		}
		data, err := encodeStatus(status)
		if err != nil {
			return err
		}

		_, err = t.store.CAS(ctx, key, version, data)
		if err == nil {
			t.mu.Lock()
			t.localVersion = status.Version
			t.mu.Unlock()
			if t.mx != nil {
				t.mx.MembershipHeartbeats.Inc()
			}
			return nil
		}
		if !errors.Is(err, kvstore.ErrVersionMismatch) {
			return fmt.Errorf("membership: publish: %w", err)
		}

		// Concurrent write: re-read and merge on version, then retry.
		entry, getErr := t.store.Get(ctx, key)
		if getErr != nil && !errors.Is(getErr, kvstore.ErrNotFound) {
			return fmt.Errorf("membership: publish re-read: %w", getErr)
		}
		if getErr == nil {
			remote, decErr := decodeStatus(entry.Value)
			if decErr == nil {
				t.mu.Lock()
				if remote.Version > t.localVersion {
					t.localVersion = remote.Version
				}
				t.mu.Unlock()
			}
		}
	}
	return ErrTransientConflict
}

// Snapshot returns every row in the region at a single logical time.
// Rows whose LastUpdate is older than AssumeDeadAfter are surfaced as
// Dead regardless of their stored state (spec.md §4.1).
func (t *Table) Snapshot(ctx context.Context) (map[identity.NodeID]NodeStatus, error) {
	entries, err := t.store.Scan(ctx, rowPrefix(t.region))
	if err != nil {
		return nil, fmt.Errorf("membership: snapshot: %w", err)
	}
	now := t.clock.Now()
	out := make(map[identity.NodeID]NodeStatus, len(entries))
	for _, e := range entries {
		status, err := decodeStatus(e.Value)
		if err != nil {
			t.log.Warn().Str("key", e.Key).Err(err).Msg("skipping unreadable membership row")
			continue
		}
		if now.Sub(status.LastUpdate) >= t.cfg.AssumeDeadAfter {
			status.State = StateDead
		}
		out[status.NodeID] = status
	}
	return out, nil
}

// Watch streams Added/Updated/Removed deltas for the region from the
// store's WatchPrefix events, tracking the last version seen per key so
// a repeated version is not re-emitted.
// Delivery is at-least-once; consumers must dedupe on (NodeID, Version).
func (t *Table) Watch(ctx context.Context) (<-chan MembershipDelta, error) {
	raw, err := t.store.WatchPrefix(ctx, rowPrefix(t.region))
	if err != nil {
		return nil, fmt.Errorf("membership: watch: %w", err)
	}
	out := make(chan MembershipDelta, 64)
	go func() {
		defer close(out)
		known := make(map[string]int64)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				switch ev.Kind {
				case kvstore.EventDelete:
					status, err := decodeStatus(ev.Entry.Value)
					if err != nil {
						continue
					}
					delete(known, ev.Entry.Key)
					send(ctx, out, MembershipDelta{Kind: DeltaRemoved, Status: status})
				case kvstore.EventPut:
					status, err := decodeStatus(ev.Entry.Value)
					if err != nil {
						continue
					}
					lastVer, seen := known[ev.Entry.Key]
					known[ev.Entry.Key] = status.Version
					kind := DeltaUpdated
					if !seen {
						kind = DeltaAdded
					} else if lastVer == status.Version {
						continue // duplicate delivery of an already-seen version
					}
					send(ctx, out, MembershipDelta{Kind: kind, Status: status})
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, ch chan<- MembershipDelta, d MembershipDelta) {
	select {
	case ch <- d:
	case <-ctx.Done():
	}
}

// Run publishes the local row every UpdateInterval until ctx is
// cancelled. Two consecutive publish failures trigger a best-effort
// shutdown request, since the node can no longer safely claim ownership
// of stacks it has stopped being able to advertise (spec.md §4.1).
func (t *Table) Run(ctx context.Context) error {
	if err := t.Publish(ctx); err != nil {
		t.log.Warn().Err(err).Msg("initial membership publish failed")
	}

	ticker := time.NewTicker(t.cfg.UpdateInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Publish(ctx); err != nil {
				consecutiveFailures++
				t.log.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("membership publish failed")
				if consecutiveFailures >= 2 {
					select {
					case t.shutdown <- ErrShuttingDown:
					default:
					}
					return ErrShuttingDown
				}
			} else {
				consecutiveFailures = 0
			}
		}
	}
}
