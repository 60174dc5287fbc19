package p2p

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticPeersFromEnv_Empty(t *testing.T) {
	t.Setenv("MU_BOOTSTRAP_PEERS", "")
	require.Nil(t, StaticPeersFromEnv())
}

func TestStaticPeersFromEnv_ParsesAndTrims(t *testing.T) {
	t.Setenv("MU_BOOTSTRAP_PEERS", " /ip4/10.0.0.5/tcp/4001/p2p/QmPeer , /ip4/10.0.0.6/tcp/4001/p2p/QmOther ")
	got := StaticPeersFromEnv()
	require.Equal(t, []string{
		"/ip4/10.0.0.5/tcp/4001/p2p/QmPeer",
		"/ip4/10.0.0.6/tcp/4001/p2p/QmOther",
	}, got)
}

func TestStaticPeersFromEnv_SkipsBlankEntries(t *testing.T) {
	t.Setenv("MU_BOOTSTRAP_PEERS", "/ip4/10.0.0.5/tcp/4001/p2p/QmPeer,,  ,")
	got := StaticPeersFromEnv()
	require.Equal(t, []string{"/ip4/10.0.0.5/tcp/4001/p2p/QmPeer"}, got)
}

func TestStaticPeersFromEnv_Unset(t *testing.T) {
	require.NoError(t, os.Unsetenv("MU_BOOTSTRAP_PEERS"))
	require.Nil(t, StaticPeersFromEnv())
}
