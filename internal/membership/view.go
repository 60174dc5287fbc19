package membership

import (
	"github.com/muprotocol/mu/internal/assigner"
	"github.com/muprotocol/mu/internal/identity"
)

// AliveNodes projects a Snapshot into the minimal view internal/assigner
// needs, filtering to State == Alive (spec.md §4.2: "n.state = Alive").
func AliveNodes(snapshot map[identity.NodeID]NodeStatus) []assigner.AliveNode {
	out := make([]assigner.AliveNode, 0, len(snapshot))
	for id, status := range snapshot {
		if status.State == StateAlive {
			out = append(out, assigner.AliveNode{ID: id})
		}
	}
	return out
}
