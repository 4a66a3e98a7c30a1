package timestamp

import (
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/timestamp/tsatest"
	"github.com/msglog-engine/go-core/pkg/types"
)

func signatureHashes(n int) []string {
	out := make([]string, n)
	for i, l := range leaves(n) {
		out[i] = b64(l)
	}
	return out
}

func newTestClient(t *testing.T, roots *x509.CertPool, urls ...string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		URLs:           urls,
		Roots:          roots,
		Algorithm:      types.SHA512,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func TestClient_Timestamp(t *testing.T) {
	tsa := tsatest.New(t)
	c := newTestClient(t, tsa.Roots(), tsa.URL())

	hashes := signatureHashes(3)
	res, err := c.Timestamp(context.Background(), hashes)
	require.NoError(t, err)

	assert.Equal(t, tsa.URL(), res.URL)
	assert.NotEmpty(t, res.Token)
	assert.WithinDuration(t, time.Now(), res.Time, time.Minute)
	require.Len(t, res.HashChains, 3)

	// the token covers the digest of the hash chain result
	_, err = VerifyToken(res.Token, types.SHA512, ResultDigest(types.SHA512, res.HashChainResult), tsa.Roots())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{ResultDigest(types.SHA512, res.HashChainResult)}, tsa.HashedMessages())

	for i, h := range leaves(3) {
		assert.NoError(t, VerifyHashChain(res.HashChains[i], res.HashChainResult, h))
	}

	status := c.Status()
	assert.Equal(t, StatusOK, status[tsa.URL()].Status)
}

func TestClient_SingleRecordBatch(t *testing.T) {
	tsa := tsatest.New(t)
	c := newTestClient(t, tsa.Roots(), tsa.URL())

	res, err := c.Timestamp(context.Background(), signatureHashes(1))
	require.NoError(t, err)
	require.Len(t, res.HashChains, 1)
	assert.NoError(t, VerifyHashChain(res.HashChains[0], res.HashChainResult, leaves(1)[0]))
}

func TestClient_FallsBackToNextProvider(t *testing.T) {
	broken := tsatest.New(t)
	broken.SetMode(tsatest.ModeHTTPError)
	working := tsatest.New(t)

	roots := x509.NewCertPool()
	roots.AddCert(broken.CA)
	roots.AddCert(working.CA)

	c := newTestClient(t, roots, broken.URL(), working.URL())

	res, err := c.Timestamp(context.Background(), signatureHashes(2))
	require.NoError(t, err)
	assert.Equal(t, working.URL(), res.URL)
	assert.Equal(t, 1, broken.Requests())
	assert.Equal(t, 1, working.Requests())

	status := c.Status()
	assert.Equal(t, StatusError, status[broken.URL()].Status)
	assert.NotEmpty(t, status[broken.URL()].Error)
	assert.Equal(t, StatusOK, status[working.URL()].Status)
}

func TestClient_StopsAtFirstValidProvider(t *testing.T) {
	first := tsatest.New(t)
	second := tsatest.New(t)

	roots := x509.NewCertPool()
	roots.AddCert(first.CA)
	roots.AddCert(second.CA)

	c := newTestClient(t, roots, first.URL(), second.URL())

	_, err := c.Timestamp(context.Background(), signatureHashes(2))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Requests())
	assert.Zero(t, second.Requests())
	assert.Equal(t, StatusUnknown, c.Status()[second.URL()].Status)
}

func TestClient_InvalidResponses(t *testing.T) {
	tests := []struct {
		name string
		mode tsatest.Mode
	}{
		{"http error", tsatest.ModeHTTPError},
		{"rejected", tsatest.ModeRejected},
		{"wrong nonce", tsatest.ModeWrongNonce},
		{"wrong imprint", tsatest.ModeWrongImprint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tsa := tsatest.New(t)
			tsa.SetMode(tt.mode)
			c := newTestClient(t, tsa.Roots(), tsa.URL())

			_, err := c.Timestamp(context.Background(), signatureHashes(2))
			require.Error(t, err)
			assert.Equal(t, StatusError, c.Status()[tsa.URL()].Status)
		})
	}
}

func TestClient_UntrustedSigner(t *testing.T) {
	tsa := tsatest.New(t)
	other := tsatest.New(t)

	c := newTestClient(t, other.Roots(), tsa.URL())

	_, err := c.Timestamp(context.Background(), signatureHashes(1))
	assert.Error(t, err)
}

func TestClient_SignerWithoutTimeStampingUsage(t *testing.T) {
	tsa := tsatest.NewWithoutTimeStampingUsage(t)
	c := newTestClient(t, tsa.Roots(), tsa.URL())

	_, err := c.Timestamp(context.Background(), signatureHashes(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a time-stamping certificate")
}

func TestClient_NoProviders(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.Timestamp(context.Background(), signatureHashes(1))
	assert.True(t, errors.Is(err, types.ErrNoTimestampingProvider))
	assert.Empty(t, c.Providers())
}

func TestClient_RejectsInvalidSignatureHash(t *testing.T) {
	tsa := tsatest.New(t)
	c := newTestClient(t, tsa.Roots(), tsa.URL())

	_, err := c.Timestamp(context.Background(), []string{"not base64!"})
	assert.Error(t, err)
	assert.Zero(t, tsa.Requests())
}

func TestNewClient_RequiresRoots(t *testing.T) {
	_, err := NewClient(Options{URLs: []string{"http://tsa.example"}})
	assert.Error(t, err)
}

func TestLoadTrustAnchors(t *testing.T) {
	tsa := tsatest.New(t)
	dir := t.TempDir()
	path := tsa.WriteRootPEM(t, dir)

	pool, err := LoadTrustAnchors([]string{path})
	require.NoError(t, err)
	assert.NotNil(t, pool)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing here"), 0o600))
	_, err = LoadTrustAnchors([]string{empty})
	assert.Error(t, err)

	_, err = LoadTrustAnchors([]string{filepath.Join(dir, "missing.pem")})
	assert.Error(t, err)
}

func TestParseResponseToken_Garbage(t *testing.T) {
	_, err := ParseResponseToken([]byte{0x01, 0x02})
	assert.Error(t, err)
}
