package identity

import (
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfSignedCert_ParsesAndVerifiesAgainstItself(t *testing.T) {
	self, err := New(net.ParseIP("10.0.0.1"), 4000)
	require.NoError(t, err)

	cert, err := SelfSignedCert(self)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, self.Key(), leaf.Subject.CommonName)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	require.NoError(t, err)
}

func TestSelfSignedCert_DistinctNodesGetDistinctKeys(t *testing.T) {
	a, err := New(net.ParseIP("10.0.0.1"), 4000)
	require.NoError(t, err)
	b, err := New(net.ParseIP("10.0.0.2"), 4001)
	require.NoError(t, err)

	certA, err := SelfSignedCert(a)
	require.NoError(t, err)
	certB, err := SelfSignedCert(b)
	require.NoError(t, err)

	require.NotEqual(t, certA.Certificate[0], certB.Certificate[0])
}
