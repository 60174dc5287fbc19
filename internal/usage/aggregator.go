// Package usage implements the per-stack usage aggregator (spec.md
// §4.7): accumulate a running UsageVector per stack, periodically snapshot
// and hand it to the chain client for signing and submission, with a
// persisted per-(stack,region) update-seed so restarts never reuse a
// seed and a merge-back-and-retry policy on submission failure.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/stack"
	"github.com/muprotocol/mu/internal/telemetry"
)

// seedKey is the shared-KV key an update-seed counter is persisted
// under, namespaced by region and stack so two stacks never collide
// (spec.md §4.7).
func seedKey(region uint32, id stack.ID) string {
	return fmt.Sprintf("mu/region/%d/usage-seed/%s", region, id)
}

// Aggregator holds one running UsageVector per stack this node has
// billable activity for, flushing on a fixed interval.
type Aggregator struct {
	region   uint32
	store    kvstore.Store
	chain    chain.Client
	interval time.Duration
	log      zerolog.Logger
	mx       *telemetry.Registry

	mu          sync.Mutex
	running     map[stack.ID]stack.UsageVector
	pendingSeed map[stack.ID][16]byte
}

// New builds an Aggregator. interval matches spec.md's
// solana_usage_report_interval (default 1 day, configurable down to
// minutes for test).
func New(region uint32, store kvstore.Store, chainCli chain.Client, interval time.Duration, log zerolog.Logger, mx *telemetry.Registry) *Aggregator {
	return &Aggregator{
		region:      region,
		store:       store,
		chain:       chainCli,
		interval:    interval,
		log:         log.With().Str("component", "usage").Logger(),
		mx:          mx,
		running:     make(map[stack.ID]stack.UsageVector),
		pendingSeed: make(map[stack.ID][16]byte),
	}
}

// Record folds delta into the running total for id (spec.md §4.7,
// invoked by the gateway and internal RPC server after every execution).
func (a *Aggregator) Record(id stack.ID, delta stack.UsageVector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running[id] = a.running[id].Add(delta)
}

// Run flushes the running totals every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

// flush snapshots and clears every non-zero running vector, then
// attempts to sign and submit each one; a submission failure merges its
// vector back into the running total for the next tick (spec.md §4.7
// "Partial-failure policy").
func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	snapshot := a.running
	a.running = make(map[stack.ID]stack.UsageVector, len(snapshot))
	a.mu.Unlock()

	for id, v := range snapshot {
		if v.IsZero() {
			continue
		}
		if err := a.submitOne(ctx, id, v); err != nil {
			a.log.Warn().Err(err).Str("stack", id.String()).Msg("usage submission failed, re-merging")
			a.mu.Lock()
			a.running[id] = a.running[id].Add(v)
			a.mu.Unlock()
			a.observe("failure")
		} else {
			a.observe("success")
		}
	}
}

func (a *Aggregator) observe(outcome string) {
	if a.mx != nil {
		a.mx.UsageSubmissions.WithLabelValues(outcome).Inc()
	}
}

func (a *Aggregator) submitOne(ctx context.Context, id stack.ID, v stack.UsageVector) error {
	seed, err := a.seedFor(ctx, id)
	if err != nil {
		return fmt.Errorf("usage: allocate seed: %w", err)
	}

	update := chain.UsageUpdate{Region: a.region, Stack: id, Seed: seed, Usage: v}
	signed, err := a.chain.Sign(update)
	if err != nil {
		return fmt.Errorf("usage: sign: %w", err)
	}
	if _, err := a.chain.SubmitUsage(ctx, signed); err != nil {
		return fmt.Errorf("usage: submit: %w", err)
	}

	a.mu.Lock()
	delete(a.pendingSeed, id)
	a.mu.Unlock()
	return nil
}

// seedFor returns the seed for id's next submission attempt: the seed
// from a prior attempt that never reached the chain, so a retry
// resubmits under the exact same seed the marketplace program treats
// idempotently (spec.md §4.7, §8 scenario 6), or a freshly allocated
// one when there is no outstanding attempt.
func (a *Aggregator) seedFor(ctx context.Context, id stack.ID) ([16]byte, error) {
	a.mu.Lock()
	seed, pending := a.pendingSeed[id]
	a.mu.Unlock()
	if pending {
		return seed, nil
	}

	seed, err := a.nextSeed(ctx, id)
	if err != nil {
		return [16]byte{}, err
	}
	a.mu.Lock()
	a.pendingSeed[id] = seed
	a.mu.Unlock()
	return seed, nil
}

// nextSeed CAS-increments the persisted 128-bit counter for (stack,
// region), so a seed is never reused across restarts (spec.md §P5).
func (a *Aggregator) nextSeed(ctx context.Context, id stack.ID) ([16]byte, error) {
	key := seedKey(a.region, id)

	for {
		entry, err := a.store.Get(ctx, key)
		var current big.Int
		var expectedVersion int64
		if errors.Is(err, kvstore.ErrNotFound) {
			expectedVersion = 0
		} else if err != nil {
			return [16]byte{}, err
		} else {
			current.SetBytes(entry.Value)
			expectedVersion = entry.Version
		}

		next := new(big.Int).Add(&current, big.NewInt(1))
		var seed [16]byte
		next.FillBytes(seed[:])

		_, err = a.store.CAS(ctx, key, expectedVersion, seed[:])
		if err == nil {
			return seed, nil
		}
		if !errors.Is(err, kvstore.ErrVersionMismatch) {
			return [16]byte{}, err
		}
		// Lost the race with a concurrent flush for the same stack (should
		// not normally happen: this node owns the stack); retry.
	}
}
