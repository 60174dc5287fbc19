package chain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/muprotocol/mu/internal/stack"
)

// MockClient is an in-process Client driven entirely by injected events,
// used by tests and local development in place of a real chain RPC
// client (grounded in original_source's test harness pattern of
// replaying account updates directly).
type MockClient struct {
	mu       sync.Mutex
	signer   *AuthorizedSigner
	specs    map[specKey][]byte
	escrow   map[stack.ID]stack.EscrowStatus
	slot     uint64
	submitted map[[16]byte]SignedUsageUpdate

	subscribers map[uint32][]chan StackEvent
	backlog     map[uint32][]StackEvent
}

type specKey struct {
	id       stack.ID
	revision uint32
}

func NewMockClient() *MockClient {
	return &MockClient{
		specs:       make(map[specKey][]byte),
		escrow:      make(map[stack.ID]stack.EscrowStatus),
		submitted:   make(map[[16]byte]SignedUsageUpdate),
		subscribers: make(map[uint32][]chan StackEvent),
		backlog:     make(map[uint32][]StackEvent),
	}
}

// SetSigner installs the authorized usage signer keypair for this mock.
func (m *MockClient) SetSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signer = &AuthorizedSigner{PublicKey: pub, PrivateKey: priv}
}

// PutSpec makes FetchStackSpec return data for (id, revision).
func (m *MockClient) PutSpec(id stack.ID, revision uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[specKey{id, revision}] = data
}

// SetEscrow sets the escrow view EscrowStatus will report for id.
func (m *MockClient) SetEscrow(id stack.ID, status stack.EscrowStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrow[id] = status
}

// Emit pushes ev to every current subscriber of region and records it in
// the replay backlog for subscribers that join later.
func (m *MockClient) Emit(region uint32, ev StackEvent) {
	m.mu.Lock()
	m.slot++
	ev.Slot = m.slot
	m.backlog[region] = append(m.backlog[region], ev)
	subs := append([]chan StackEvent(nil), m.subscribers[region]...)
	m.mu.Unlock()

	for _, ch := range subs {
		ch <- ev
	}
}

func (m *MockClient) StreamStackEvents(ctx context.Context, region uint32) (<-chan StackEvent, error) {
	ch := make(chan StackEvent, 64)
	m.mu.Lock()
	backlog := append([]StackEvent(nil), m.backlog[region]...)
	m.subscribers[region] = append(m.subscribers[region], ch)
	m.mu.Unlock()

	go func() {
		for _, ev := range backlog {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[region]
		for i, c := range subs {
			if c == ch {
				m.subscribers[region] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MockClient) FetchStackSpec(ctx context.Context, id stack.ID, revision uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.specs[specKey{id, revision}]
	if !ok {
		return nil, fmt.Errorf("chain: no spec for %s revision %d", id, revision)
	}
	return data, nil
}

func (m *MockClient) EscrowStatus(ctx context.Context, id stack.ID, provider string) (stack.EscrowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.escrow[id]
	if !ok {
		// Unknown stacks default to funded, so tests that don't care
		// about escrow don't need to set it up explicitly.
		return stack.EscrowStatus{Balance: 1, MinBalance: 0}, nil
	}
	return status, nil
}

func (m *MockClient) Sign(update UsageUpdate) (SignedUsageUpdate, error) {
	m.mu.Lock()
	signer := m.signer
	m.mu.Unlock()
	if signer == nil {
		return SignedUsageUpdate{}, ErrNoSigner
	}
	sig := ed25519.Sign(signer.PrivateKey, canonicalEncode(update))
	return SignedUsageUpdate{Update: update, Signature: sig}, nil
}

func (m *MockClient) SubmitUsage(ctx context.Context, signed SignedUsageUpdate) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submitted[signed.Update.Seed]; ok {
		// Idempotent: re-submission of the same seed is a silent no-op.
		return Ack{Slot: m.slot}, nil
	}
	m.slot++
	m.submitted[signed.Update.Seed] = signed
	return Ack{Slot: m.slot}, nil
}

// Submissions returns every distinct seed accepted so far, for test
// assertions (property P4/P5 style checks).
func (m *MockClient) Submissions() map[[16]byte]SignedUsageUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[[16]byte]SignedUsageUpdate, len(m.submitted))
	for k, v := range m.submitted {
		out[k] = v
	}
	return out
}
