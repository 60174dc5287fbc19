package membership

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/stack"
)

// wireStatus is the gob-friendly projection of NodeStatus: net.IP and
// map[stack.ID]struct{} both round-trip through gob fine, but we keep an
// explicit wire type so the on-disk format doesn't silently change shape
// if NodeStatus grows fields later.
type wireStatus struct {
	Addr           []byte
	Port           uint16
	Generation     [16]byte
	Version        int64
	Region         uint32
	LastUpdate     time.Time
	State          State
	DeployedStacks [][32]byte
}

func encodeStatus(s NodeStatus) ([]byte, error) {
	w := wireStatus{
		Addr:       []byte(s.NodeID.Addr),
		Port:       s.NodeID.Port,
		Generation: s.NodeID.Generation,
		Version:    s.Version,
		Region:     s.Region,
		LastUpdate: s.LastUpdate,
		State:      s.State,
	}
	for id := range s.DeployedStacks {
		w.DeployedStacks = append(w.DeployedStacks, id)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("membership: encode status: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStatus(data []byte) (NodeStatus, error) {
	var w wireStatus
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return NodeStatus{}, fmt.Errorf("membership: decode status: %w", err)
	}
	deployed := make(map[stack.ID]struct{}, len(w.DeployedStacks))
	for _, id := range w.DeployedStacks {
		deployed[stack.ID(id)] = struct{}{}
	}
	return NodeStatus{
		NodeID: identity.NodeID{
			Addr:       net.IP(w.Addr),
			Port:       w.Port,
			Generation: w.Generation,
		},
		Version:        w.Version,
		Region:         w.Region,
		LastUpdate:     w.LastUpdate,
		State:          w.State,
		DeployedStacks: deployed,
	}, nil
}
