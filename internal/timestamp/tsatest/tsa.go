// Package tsatest runs an in-process RFC 3161 Time-Stamping Authority for tests
package tsatest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	rfc3161 "github.com/unidoc/timestamp"
)

// Mode selects how the TSA answers
type Mode int32

const (
	// ModeOK returns valid time-stamps
	ModeOK Mode = iota
	// ModeHTTPError answers 500
	ModeHTTPError
	// ModeRejected answers with a rejection status
	ModeRejected
	// ModeWrongNonce signs a time-stamp with a different nonce
	ModeWrongNonce
	// ModeWrongImprint signs a time-stamp over a different digest
	ModeWrongImprint
)

var policyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}

// TSA is a test time-stamping authority served over HTTP
type TSA struct {
	Server *httptest.Server
	CA     *x509.Certificate
	Cert   *x509.Certificate

	key      *rsa.PrivateKey
	mode     atomic.Int32
	requests atomic.Int32
	mu       sync.Mutex
	hashes   [][]byte
}

// New starts a TSA whose signing certificate carries the time-stamping
// extended key usage
func New(t testing.TB) *TSA {
	return newTSA(t, []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping})
}

// NewWithoutTimeStampingUsage starts a TSA whose certificate lacks the
// time-stamping extended key usage
func NewWithoutTimeStampingUsage(t testing.TB) *TSA {
	return newTSA(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
}

func newTSA(t testing.TB, usage []x509.ExtKeyUsage) *TSA {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test TSA Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test TSA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usage,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	tsa := &TSA{CA: ca, Cert: cert, key: key}
	tsa.Server = httptest.NewServer(http.HandlerFunc(tsa.handle))
	t.Cleanup(tsa.Server.Close)
	return tsa
}

// URL returns the TSA endpoint
func (s *TSA) URL() string {
	return s.Server.URL
}

// SetMode changes how subsequent requests are answered
func (s *TSA) SetMode(m Mode) {
	s.mode.Store(int32(m))
}

// Requests returns the number of requests received
func (s *TSA) Requests() int {
	return int(s.requests.Load())
}

// HashedMessages returns the digests of all requests received
func (s *TSA) HashedMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.hashes...)
}

// Roots returns a pool holding the TSA root certificate
func (s *TSA) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.CA)
	return pool
}

// WriteRootPEM writes the root certificate into dir and returns the path
func (s *TSA) WriteRootPEM(t testing.TB, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "tsa-root.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.CA.Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func (s *TSA) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := rfc3161.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.hashes = append(s.hashes, req.HashedMessage)
	s.mu.Unlock()

	ts := &rfc3161.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              time.Now().UTC(),
		Nonce:             req.Nonce,
		Policy:            policyOID,
		AddTSACertificate: true,
	}

	switch Mode(s.mode.Load()) {
	case ModeHTTPError:
		http.Error(w, "tsa unavailable", http.StatusInternalServerError)
		return
	case ModeRejected:
		resp, err := rfc3161.CreateErrorResponse(rfc3161.Rejection, rfc3161.BadRequest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.Write(resp)
		return
	case ModeWrongNonce:
		ts.Nonce = new(big.Int).Add(req.Nonce, big.NewInt(1))
	case ModeWrongImprint:
		wrong := append([]byte(nil), req.HashedMessage...)
		wrong[0] ^= 0xff
		ts.HashedMessage = wrong
	}

	resp, err := ts.CreateResponse(s.Cert, s.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.Write(resp)
}
