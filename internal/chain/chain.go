// Package chain adapts the on-chain marketplace program (spec.md §4.8,
// §6) into a narrow Go interface. The executor core depends only on this
// interface, never on a specific chain SDK — the real Solana client
// lives outside this repo's scope (spec.md §1 excludes it as an
// external collaborator).
package chain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/muprotocol/mu/internal/stack"
)

// EventKind tags a StackEvent.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
	EventMinEscrowChanged
)

// StackEvent is one delta from the chain's account stream for a region.
// Ordering within a single StackID is chain-order; no cross-stack
// ordering is guaranteed (spec.md §4.8).
type StackEvent struct {
	Kind      EventKind
	Stack     stack.Stack   // populated for Created/Updated
	StackID   stack.ID      // populated for all kinds
	MinEscrow uint64        // populated for MinEscrowChanged
	Slot      uint64        // chain-committed slot, used for replay dedup
}

// AuthorizedSigner is the keypair whose signature the marketplace
// program accepts for updateUsage calls in a specific region
// (spec.md §6 AuthorizedUsageSigner, §I6).
type AuthorizedSigner struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// ErrNoSigner is returned by Sign when the monitor holds no key for the
// region — a fatal condition for the usage path (spec.md §7).
var ErrNoSigner = errors.New("chain: no authorized usage signer configured")

// UsageUpdate is the unsigned payload the usage aggregator hands to the
// monitor for signing and submission (spec.md §4.7).
type UsageUpdate struct {
	Region uint32
	Stack  stack.ID
	Seed   [16]byte
	Usage  stack.UsageVector
}

// SignedUsageUpdate is a UsageUpdate plus the signer's signature over its
// canonical encoding.
type SignedUsageUpdate struct {
	Update    UsageUpdate
	Signature []byte
}

// Ack is returned by SubmitUsage on success.
type Ack struct {
	Slot uint64
}

// Client is the boundary adapter the executor core depends on.
type Client interface {
	// StreamStackEvents replays current state for region, then streams
	// deltas until ctx is cancelled.
	StreamStackEvents(ctx context.Context, region uint32) (<-chan StackEvent, error)

	// FetchStackSpec performs a content-addressed fetch of the manifest
	// bytes for (id, revision).
	FetchStackSpec(ctx context.Context, id stack.ID, revision uint32) ([]byte, error)

	// EscrowStatus reports the current balance view for a stack.
	EscrowStatus(ctx context.Context, id stack.ID, provider string) (stack.EscrowStatus, error)

	// Sign produces a SignedUsageUpdate using the region's authorized
	// usage signer, or ErrNoSigner if none is configured.
	Sign(update UsageUpdate) (SignedUsageUpdate, error)

	// SubmitUsage calls updateUsage on-chain. Idempotent by seed: the
	// same seed re-submitted is silently accepted as a no-op
	// (spec.md §4.7).
	SubmitUsage(ctx context.Context, signed SignedUsageUpdate) (Ack, error)
}

// canonicalEncode produces a deterministic byte representation of a
// UsageUpdate for signing, independent of struct field order in memory.
func canonicalEncode(u UsageUpdate) []byte {
	return []byte(fmt.Sprintf("%d|%s|%x|%s|%s|%d|%d|%d|%d",
		u.Region, u.Stack, u.Seed,
		u.Usage.FunctionMBInstructions, u.Usage.DBByteSeconds, u.Usage.DBReads,
		u.Usage.DBWrites, u.Usage.GatewayRequests, u.Usage.GatewayTrafficBytes))
}
