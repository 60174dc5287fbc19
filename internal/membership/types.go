// Package membership implements the distributed, eventually-consistent
// registry of live peers within a region (spec.md §4.1), backed by
// internal/kvstore.Store.
package membership

import (
	"fmt"
	"time"

	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/stack"
)

// State is a node's liveness state as tracked in its own row.
type State int

const (
	StateJoining State = iota
	StateAlive
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "Joining"
	case StateAlive:
		return "Alive"
	case StateSuspect:
		return "Suspect"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// NodeStatus is the value a node publishes into its own membership row.
// It is owned exclusively by the node whose row it occupies; every
// update bumps Version (spec.md §3).
type NodeStatus struct {
	NodeID         identity.NodeID
	Version        int64
	Region         uint32
	LastUpdate     time.Time
	State          State
	DeployedStacks map[stack.ID]struct{}
}

func (s NodeStatus) Clone() NodeStatus {
	cp := s
	cp.DeployedStacks = make(map[stack.ID]struct{}, len(s.DeployedStacks))
	for id := range s.DeployedStacks {
		cp.DeployedStacks[id] = struct{}{}
	}
	return cp
}

// rowKey is the shared-KV key a node's row lives at:
// mu/region/<region-id>/nodes/<node-id> (spec.md §4.1).
func rowKey(region uint32, nodeKey string) string {
	return fmt.Sprintf("mu/region/%d/nodes/%s", region, nodeKey)
}

func rowPrefix(region uint32) string {
	return fmt.Sprintf("mu/region/%d/nodes/", region)
}

// DeltaKind tags a MembershipDelta.
type DeltaKind int

const (
	DeltaAdded DeltaKind = iota
	DeltaUpdated
	DeltaRemoved
)

// MembershipDelta is one event from Table.Watch. Delivery is
// at-least-once; consumers must dedupe on (NodeID, Version).
type MembershipDelta struct {
	Kind   DeltaKind
	Status NodeStatus
}
