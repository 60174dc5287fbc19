// Package lifecycle drives one stack from its chain-observed desired
// state through the deploy/update/teardown/delete state machine
// (spec.md §3, §4.3), generalized from cycle-start-hosting's
// role-dispatched Reconciler: desired state arrives as a stream of chain
// events (there is no periodic fetch), with per-resource locking to
// avoid overlapping work on the same key, and a circuit-style backoff on
// repeated failure.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/muprotocol/mu/internal/assigner"
	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/kvtable"
	"github.com/muprotocol/mu/internal/membership"
	"github.com/muprotocol/mu/internal/objectstore"
	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/stack"
)

// Phase is the observable lifecycle state of one stack on this node
// (spec.md §3): Unknown -> Fetching -> Deploying -> Running ->
// {Updating -> Running, Deleting -> Gone}, with Failed/Suspended as
// side excursions.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseFetching
	PhaseDeploying
	PhaseRunning
	PhaseUpdating
	PhaseDeleting
	PhaseGone
	PhaseFailed
	PhaseSuspended
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "Unknown"
	case PhaseFetching:
		return "Fetching"
	case PhaseDeploying:
		return "Deploying"
	case PhaseRunning:
		return "Running"
	case PhaseUpdating:
		return "Updating"
	case PhaseDeleting:
		return "Deleting"
	case PhaseGone:
		return "Gone"
	case PhaseFailed:
		return "Failed"
	case PhaseSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// record is the manager's private view of one stack's progress.
type record struct {
	phase      Phase
	revision   uint32
	failReason string
	handle     runtime.Handle
	hasHandle  bool
	spec       stack.Spec // last successfully deployed spec, for delete-time table/bucket cleanup
}

// Metrics is the subset of telemetry.Registry the manager records
// against, narrowed to an interface so tests don't need a live registry.
type Metrics interface {
	ObserveTransition(to string)
	ObserveFailure(stage string)
}

// Manager reconciles the set of stacks this node owns (per
// internal/assigner) against their chain-observed desired state,
// applying deploy/update/teardown transitions through a Sandbox.
type Manager struct {
	self   identity.NodeID
	region uint32
	chain  chain.Client
	table  *membership.Table
	store  *objectstore.Store
	kv     kvstore.Store
	tables *kvtable.Store
	sbx    runtime.Sandbox
	cache  *runtime.Cache
	log    zerolog.Logger
	mx     Metrics

	backoff retry.Backoff

	mu      sync.Mutex
	records map[stack.ID]*record
}

// Config bounds the retry behavior around a single stack's
// reconciliation attempt.
type Config struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryMaxCount  uint64
}

func defaultBackoff(cfg Config) retry.Backoff {
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.RetryMaxCount == 0 {
		cfg.RetryMaxCount = 5
	}
	b, err := retry.NewExponential(cfg.RetryBaseDelay)
	if err != nil {
		// Only fails on a non-positive base delay, which the zero-value
		// guard above rules out.
		panic(err)
	}
	b = retry.WithMaxRetries(cfg.RetryMaxCount, b)
	return retry.WithCappedDuration(cfg.RetryMaxDelay, b)
}

// New builds a Manager for the local node. kv is the shared KV store
// (spec.md §6) used for cross-restart state that outlives this
// process's own record of a stack, namely delete tombstones.
func New(self identity.NodeID, region uint32, chainClient chain.Client, table *membership.Table,
	store *objectstore.Store, kv kvstore.Store, sbx runtime.Sandbox, cache *runtime.Cache, cfg Config,
	log zerolog.Logger, mx Metrics) *Manager {
	return &Manager{
		self:    self,
		region:  region,
		chain:   chainClient,
		table:   table,
		store:   store,
		kv:      kv,
		tables:  kvtable.New(kv),
		sbx:     sbx,
		cache:   cache,
		log:     log.With().Str("component", "lifecycle").Logger(),
		mx:      mx,
		backoff: defaultBackoff(cfg),
		records: make(map[stack.ID]*record),
	}
}

// tombstoneKey namespaces a stack's delete marker the way
// usage/aggregator.go's seedKey namespaces a stack's usage seed
// (spec.md §6).
func tombstoneKey(region uint32, id stack.ID) string {
	return fmt.Sprintf("mu/region/%d/stacks/%s/tombstone", region, id)
}

// isTombstoned reports whether id was previously deleted (spec.md
// data-model rule: "a Deleted stack is tombstoned; any subsequent
// attempt to recreate the same StackId fails").
func (m *Manager) isTombstoned(ctx context.Context, id stack.ID) (bool, error) {
	_, err := m.kv.Get(ctx, tombstoneKey(m.region, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// writeTombstone records id as deleted. A version mismatch means
// another delete already wrote the tombstone, which is the outcome we
// want, not an error.
func (m *Manager) writeTombstone(ctx context.Context, id stack.ID) error {
	_, err := m.kv.CAS(ctx, tombstoneKey(m.region, id), 0, []byte{1})
	if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
		return err
	}
	return nil
}

// Phase reports the current phase of a tracked stack, PhaseUnknown if
// the manager has never seen it.
func (m *Manager) Phase(id stack.ID) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return PhaseUnknown
	}
	return r.phase
}

func (m *Manager) setPhase(id stack.ID, p Phase) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		r = &record{}
		m.records[id] = r
	}
	r.phase = p
	if m.mx != nil {
		m.mx.ObserveTransition(p.String())
	}
	return r
}

// Run streams chain stack events for the region and reconciles each one
// as it arrives, serialized per-stack so overlapping events for the
// same stack never race (spec.md §I2 note: single writer per resource).
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.chain.StreamStackEvents(ctx, m.region)
	if err != nil {
		return fmt.Errorf("lifecycle: stream stack events: %w", err)
	}

	var locks sync.Map // stack.ID -> *sync.Mutex, mirrors cycle-start-hosting's Reconciler.LockResource

	lockFor := func(id stack.ID) *sync.Mutex {
		l, _ := locks.LoadOrStore(id, &sync.Mutex{})
		return l.(*sync.Mutex)
	}

	group, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return group.Wait()
		case ev, ok := <-events:
			if !ok {
				return group.Wait()
			}
			group.Go(func() error {
				l := lockFor(ev.StackID)
				l.Lock()
				defer l.Unlock()
				if err := m.handleEvent(gctx, ev); err != nil {
					m.log.Warn().Err(err).Str("stack", ev.StackID.String()).Msg("reconcile failed")
					if m.mx != nil {
						m.mx.ObserveFailure("reconcile")
					}
				}
				return nil
			})
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev chain.StackEvent) error {
	owner, err := m.owner(ctx, ev.StackID)
	if err != nil {
		return err
	}
	if !owner.Equal(m.self) {
		// Not ours: if we were previously running it, tear it down
		// (ownership moved under I1/P1 reassignment).
		return m.teardownIfTracked(ctx, ev.StackID)
	}

	switch ev.Kind {
	case chain.EventDeleted:
		return m.delete(ctx, ev.StackID)
	case chain.EventCreated, chain.EventUpdated:
		return m.deployOrUpdate(ctx, ev.Stack)
	case chain.EventMinEscrowChanged:
		return m.checkEscrow(ctx, ev.StackID)
	}
	return nil
}

func (m *Manager) owner(ctx context.Context, id stack.ID) (identity.NodeID, error) {
	snapshot, err := m.table.Snapshot(ctx)
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("lifecycle: snapshot: %w", err)
	}
	return assigner.Owner(id, membership.AliveNodes(snapshot))
}

func (m *Manager) checkEscrow(ctx context.Context, id stack.ID) error {
	status, err := m.chain.EscrowStatus(ctx, id, m.self.String())
	if err != nil {
		return fmt.Errorf("lifecycle: escrow status: %w", err)
	}
	if status.Suspended() {
		m.setPhase(id, PhaseSuspended)
		return m.teardownIfTracked(ctx, id)
	}
	return nil
}

func (m *Manager) deployOrUpdate(ctx context.Context, st stack.Stack) error {
	tombstoned, err := m.isTombstoned(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("lifecycle: check tombstone: %w", err)
	}
	if tombstoned {
		m.log.Warn().Str("stack", st.ID.String()).Msg("refusing to reactivate a deleted stack")
		return nil
	}

	status, err := m.chain.EscrowStatus(ctx, st.ID, m.self.String())
	if err != nil {
		return fmt.Errorf("lifecycle: escrow status: %w", err)
	}
	if status.Suspended() {
		m.setPhase(st.ID, PhaseSuspended)
		return nil
	}

	m.mu.Lock()
	rec, tracked := m.records[st.ID]
	m.mu.Unlock()

	isUpdate := tracked && rec.hasHandle
	if isUpdate {
		if st.Revision <= rec.revision {
			m.log.Debug().Str("stack", st.ID.String()).
				Uint32("deployed_revision", rec.revision).
				Uint32("event_revision", st.Revision).
				Msg("dropping stale or duplicate revision event")
			return nil
		}
		m.setPhase(st.ID, PhaseUpdating)
	} else {
		m.setPhase(st.ID, PhaseFetching)
	}

	err = retry.Do(ctx, m.backoff, func(ctx context.Context) error {
		if e := m.warmArtifacts(ctx, st.Spec); e != nil {
			return retry.RetryableError(e)
		}
		if e := m.store.ReconcileBuckets(ctx, m.region, st.ID, st.Spec); e != nil {
			return retry.RetryableError(e)
		}
		if e := m.tables.ReconcileTables(ctx, m.region, st.ID, st.Spec); e != nil {
			return retry.RetryableError(e)
		}
		return nil
	})
	if err != nil {
		m.fail(st.ID, err)
		return err
	}

	m.setPhase(st.ID, PhaseDeploying)
	handle, err := m.sbx.Deploy(st.ID, st.Revision, st.Spec)
	if err != nil {
		m.fail(st.ID, err)
		return err
	}

	m.mu.Lock()
	r := m.records[st.ID]
	r.handle = handle
	r.hasHandle = true
	r.revision = st.Revision
	r.spec = st.Spec
	r.phase = PhaseRunning
	m.mu.Unlock()
	if m.mx != nil {
		m.mx.ObserveTransition(PhaseRunning.String())
	}

	m.table.StackDeployedLocally(st.ID)
	return nil
}

func (m *Manager) warmArtifacts(ctx context.Context, spec stack.Spec) error {
	for _, fn := range spec.Functions() {
		if _, ok := m.cache.Get(fn.BinaryLocator); ok {
			continue
		}
		data, err := m.store.Fetch(ctx, fn.BinaryLocator)
		if err != nil {
			return fmt.Errorf("lifecycle: warm artifact %s: %w", fn.BinaryLocator, err)
		}
		m.cache.Put(runtime.Artifact{Locator: fn.BinaryLocator, Bytes: data})
	}
	return nil
}

// reconcileMarkedDeletions removes only the tables/buckets the last
// deployed spec marked with Delete, leaving everything else retained
// (spec.md §4.3 Delete: "as Teardown, plus tables/buckets marked for
// deletion are removed").
func (m *Manager) reconcileMarkedDeletions(ctx context.Context, id stack.ID, spec stack.Spec) error {
	for _, svc := range spec.Services {
		switch svc.Kind {
		case stack.ServiceStorageBucket:
			if svc.Bucket.Delete {
				if err := m.store.DeleteBucket(ctx, objectstore.BucketName(m.region, id, svc.Bucket.Name)); err != nil {
					return err
				}
			}
		case stack.ServiceKeyValueTable:
			if svc.KVTable.Delete {
				if err := m.tables.DeleteTable(ctx, kvtable.TableName(m.region, id, svc.KVTable.Name)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Manager) delete(ctx context.Context, id stack.ID) error {
	m.setPhase(id, PhaseDeleting)
	if err := m.teardownIfTracked(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	rec, tracked := m.records[id]
	m.mu.Unlock()
	if tracked {
		if err := m.reconcileMarkedDeletions(ctx, id, rec.spec); err != nil {
			return fmt.Errorf("lifecycle: reconcile marked deletions for %s: %w", id, err)
		}
	}

	if err := m.writeTombstone(ctx, id); err != nil {
		return fmt.Errorf("lifecycle: write tombstone %s: %w", id, err)
	}
	m.setPhase(id, PhaseGone)
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) teardownIfTracked(ctx context.Context, id stack.ID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok || !rec.hasHandle {
		m.table.StackUndeployedLocally(id)
		return nil
	}
	if err := m.sbx.Undeploy(rec.handle); err != nil {
		return fmt.Errorf("lifecycle: undeploy %s: %w", id, err)
	}
	m.mu.Lock()
	rec.hasHandle = false
	m.mu.Unlock()
	m.table.StackUndeployedLocally(id)
	return nil
}

func (m *Manager) fail(id stack.ID, err error) {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		r = &record{}
		m.records[id] = r
	}
	r.phase = PhaseFailed
	r.failReason = err.Error()
	m.mu.Unlock()
	if m.mx != nil {
		m.mx.ObserveTransition(PhaseFailed.String())
		m.mx.ObserveFailure("deploy")
	}
}

// ErrNotOwner is returned by Execute-adjacent callers (gateway, rpc)
// when a stack is not currently Running on this node.
var ErrNotOwner = errors.New("lifecycle: stack not running on this node")

// Handle returns the runtime handle for a Running stack, or
// ErrNotOwner otherwise (used by the gateway and internal RPC server to
// route a request to the sandbox).
func (m *Manager) Handle(id stack.ID) (runtime.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.phase != PhaseRunning || !r.hasHandle {
		return runtime.Handle{}, ErrNotOwner
	}
	return r.handle, nil
}
