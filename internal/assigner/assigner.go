// Package assigner implements the pure stack->owner mapping (spec.md
// §4.2): a consistent-hashing-like assignment with no shared state, no
// leader election, and no dependency on map iteration order.
package assigner

import (
	"bytes"
	"errors"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/stack"
)

// ErrNoOwner is returned when the membership snapshot has no Alive node
// in the requested region (spec.md §8 boundary case).
var ErrNoOwner = errors.New("assigner: no alive node in region")

// AliveNode is the minimal view of a membership row the assigner needs:
// just enough to compute a hash distance, nothing else. Kept separate
// from membership.NodeStatus so this package has zero dependency on the
// membership package (the assigner must stay pure and standalone).
type AliveNode struct {
	ID identity.NodeID
}

// Owner returns the unique NodeID that should run stackID, given the
// snapshot of alive nodes. It is a pure function: same inputs, same
// output, regardless of slice order (invariant I1, testable property P1).
func Owner(stackID stack.ID, alive []AliveNode) (identity.NodeID, error) {
	if len(alive) == 0 {
		return identity.NodeID{}, ErrNoOwner
	}

	type scored struct {
		id   identity.NodeID
		dist [32]byte
	}
	scoredNodes := make([]scored, len(alive))
	for i, n := range alive {
		scoredNodes[i] = scored{id: n.ID, dist: distance(n.ID, stackID)}
	}

	sort.Slice(scoredNodes, func(i, j int) bool {
		c := bytes.Compare(scoredNodes[i].dist[:], scoredNodes[j].dist[:])
		if c != 0 {
			return c < 0
		}
		return scoredNodes[i].id.String() < scoredNodes[j].id.String()
	})
	return scoredNodes[0].id, nil
}

// distance computes blake2b-256(nodeID || stackID), the wide hash the
// spec names explicitly (§4.2).
func distance(id identity.NodeID, s stack.ID) [32]byte {
	h, _ := blake2b.New256(nil) // nil key, fixed digest size: never errors
	h.Write([]byte(id.String()))
	h.Write(s[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
