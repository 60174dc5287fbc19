package usage

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/kvstore"
	"github.com/muprotocol/mu/internal/stack"
)

func newTestAggregator(t *testing.T) (*Aggregator, *chain.MockClient) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cc := chain.NewMockClient()
	cc.SetSigner(pub, priv)
	store := kvstore.NewMemStore()
	return New(1, store, cc, time.Hour, zerolog.Nop(), nil), cc
}

func TestRecord_AccumulatesIntoRunningTotal(t *testing.T) {
	a, _ := newTestAggregator(t)
	id := stack.ID{1}
	a.Record(id, stack.UsageVector{GatewayRequests: 1})
	a.Record(id, stack.UsageVector{GatewayRequests: 2})

	require.Equal(t, uint64(3), a.running[id].GatewayRequests)
}

func TestFlush_SubmitsNonZeroVectorsAndClearsThem(t *testing.T) {
	a, cc := newTestAggregator(t)
	id := stack.ID{2}
	a.Record(id, stack.UsageVector{FunctionMBInstructions: stack.Uint128FromUint64(100)})

	a.flush(context.Background())

	require.True(t, a.running[id].IsZero())
	require.Len(t, cc.Submissions(), 1)
}

func TestFlush_SkipsZeroVectors(t *testing.T) {
	a, cc := newTestAggregator(t)
	a.running[stack.ID{3}] = stack.UsageVector{}

	a.flush(context.Background())

	require.Empty(t, cc.Submissions())
}

func TestFlush_ReMergesOnSubmissionFailure(t *testing.T) {
	store := kvstore.NewMemStore()
	cc := chain.NewMockClient() // no signer installed: Sign returns ErrNoSigner
	a := New(1, store, cc, time.Hour, zerolog.Nop(), nil)

	id := stack.ID{4}
	a.Record(id, stack.UsageVector{DBReads: 5})
	a.flush(context.Background())

	require.Equal(t, uint64(5), a.running[id].DBReads)
	require.Empty(t, cc.Submissions())
}

func TestFlush_RetryAfterFailureReusesSameSeed(t *testing.T) {
	store := kvstore.NewMemStore()
	cc := chain.NewMockClient() // no signer installed yet: first flush fails to sign
	a := New(1, store, cc, time.Hour, zerolog.Nop(), nil)

	id := stack.ID{6}
	a.Record(id, stack.UsageVector{DBReads: 43})
	a.flush(context.Background())
	require.Empty(t, cc.Submissions())
	require.Equal(t, uint64(43), a.running[id].DBReads)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cc.SetSigner(pub, priv)

	a.flush(context.Background())

	submissions := cc.Submissions()
	require.Len(t, submissions, 1)
	for _, signed := range submissions {
		require.Equal(t, uint64(43), signed.Update.Usage.DBReads)
		// The failed attempt allocated seed 1; a fresh allocation would be 2.
		require.Equal(t, byte(1), signed.Update.Seed[15])
	}
}

func TestNextSeed_MonotonicAcrossCalls(t *testing.T) {
	a, _ := newTestAggregator(t)
	id := stack.ID{5}

	first, err := a.nextSeed(context.Background(), id)
	require.NoError(t, err)
	second, err := a.nextSeed(context.Background(), id)
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	var f, s [16]byte
	f, s = first, second
	require.Less(t, f[15], s[15])
}
