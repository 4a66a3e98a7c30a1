// Package timestamp obtains RFC 3161 time-stamps for batches of message
// records from one or more Time-Stamping Authorities.
package timestamp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/unidoc/pkcs7"
	rfc3161 "github.com/unidoc/timestamp"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/pkg/types"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	maxResponseSize = 1 << 20
)

// Result is a successful batch time-stamp
type Result struct {
	Token           []byte
	HashChainResult string
	HashChains      []string
	Time            time.Time
	URL             string
}

// Options configures a Client
type Options struct {
	URLs           []string
	Roots          *x509.CertPool
	Algorithm      types.DigestAlgorithm
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// HTTPClient overrides the client built from the timeouts
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Client requests time-stamps from the configured TSAs in order and returns
// the first valid response
type Client struct {
	urls        []string
	roots       *x509.CertPool
	algo        types.DigestAlgorithm
	readTimeout time.Duration
	http        *http.Client
	status      *StatusMap
	logger      *zap.Logger
}

// NewClient creates a TSA client
func NewClient(opts Options) (*Client, error) {
	if len(opts.URLs) > 0 && opts.Roots == nil {
		return nil, errors.New("tsa trust anchors are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
				MaxIdleConnsPerHost:   2,
			},
		}
	}

	return &Client{
		urls:        append([]string(nil), opts.URLs...),
		roots:       opts.Roots,
		algo:        opts.Algorithm,
		readTimeout: opts.ConnectTimeout + opts.ReadTimeout,
		http:        httpClient,
		status:      NewStatusMap(opts.Clock),
		logger:      opts.Logger,
	}, nil
}

// Providers returns the configured TSA URLs in priority order
func (c *Client) Providers() []string {
	return append([]string(nil), c.urls...)
}

// Status returns the diagnostics of every configured TSA. Providers that
// have not been contacted yet are reported as UNKNOWN.
func (c *Client) Status() map[string]ProviderStatus {
	snap := c.status.Snapshot()
	for _, url := range c.urls {
		if _, ok := snap[url]; !ok {
			snap[url] = ProviderStatus{URL: url, Status: StatusUnknown}
		}
	}
	return snap
}

// Timestamp builds a hash chain over the base64 signature hashes, requests a
// time-stamp for its result and verifies the response. TSAs are tried in
// order until one returns a valid token.
func (c *Client) Timestamp(ctx context.Context, signatureHashes []string) (*Result, error) {
	if len(c.urls) == 0 {
		return nil, types.NoTimestampingProvider()
	}

	inputs := make([][]byte, len(signatureHashes))
	for i, h := range signatureHashes {
		raw, err := base64.StdEncoding.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid signature hash at %d: %w", i, err)
		}
		inputs[i] = raw
	}

	chains, err := BuildHashChains(c.algo, inputs)
	if err != nil {
		return nil, err
	}
	digest := ResultDigest(c.algo, chains.Result)

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	req := &rfc3161.Request{
		HashAlgorithm: c.algo.Hash(),
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal time-stamp request: %w", err)
	}

	var errs []error
	for _, url := range c.urls {
		token, ts, err := c.request(ctx, url, der, digest, nonce)
		if err != nil {
			c.status.Failure(url, err)
			c.logger.Warn("Time-stamping provider failed",
				zap.String("url", url),
				zap.Int("records", len(signatureHashes)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}

		c.status.Success(url)
		c.logger.Debug("Batch time-stamped",
			zap.String("url", url),
			zap.Int("records", len(signatureHashes)),
			zap.Time("gen_time", ts.Time))
		return &Result{
			Token:           token,
			HashChainResult: chains.Result,
			HashChains:      chains.Chains,
			Time:            ts.Time,
			URL:             url,
		}, nil
	}

	return nil, fmt.Errorf("all time-stamping providers failed: %w", errors.Join(errs...))
}

func (c *Client) request(ctx context.Context, url string, der, digest []byte, nonce *big.Int) ([]byte, *rfc3161.Timestamp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(der))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeQuery)
	req.Header.Set("Accept", contentTypeReply)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	token, err := ParseResponseToken(body)
	if err != nil {
		return nil, nil, err
	}

	ts, err := VerifyToken(token, c.algo, digest, c.roots)
	if err != nil {
		return nil, nil, err
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, nil, errors.New("time-stamp nonce does not match request")
	}
	return token, ts, nil
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status pkiStatusInfo
	Token  asn1.RawValue `asn1:"optional"`
}

// ParseResponseToken extracts the DER time-stamp token from a TimeStampResp.
// Statuses other than granted and granted-with-modifications are errors.
func ParseResponseToken(der []byte) ([]byte, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time-stamp response: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data in time-stamp response")
	}
	if resp.Status.Status > 1 {
		return nil, fmt.Errorf("time-stamp request rejected with status %d %v", resp.Status.Status, resp.Status.StatusString)
	}
	if len(resp.Token.FullBytes) == 0 {
		return nil, errors.New("time-stamp response carries no token")
	}
	return resp.Token.FullBytes, nil
}

// VerifyToken checks the token signature, that it covers digest with algo and
// that the signer chains to roots with the time-stamping key usage at the
// time-stamp's generation time
func VerifyToken(token []byte, algo types.DigestAlgorithm, digest []byte, roots *x509.CertPool) (*rfc3161.Timestamp, error) {
	ts, err := rfc3161.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("invalid time-stamp token: %w", err)
	}
	if ts.HashAlgorithm != algo.Hash() {
		return nil, fmt.Errorf("time-stamp uses hash %v, expected %v", ts.HashAlgorithm, algo.Hash())
	}
	if !bytes.Equal(ts.HashedMessage, digest) {
		return nil, errors.New("time-stamp message imprint does not match request")
	}

	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("invalid time-stamp token: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("time-stamp token must carry exactly one signer certificate")
	}
	if !hasTimeStampingUsage(signer) {
		return nil, fmt.Errorf("signer %q is not a time-stamping certificate", signer.Subject.CommonName)
	}
	if err := p7.VerifyWithChainAtTime(roots, ts.Time); err != nil {
		return nil, fmt.Errorf("time-stamp signer verification failed: %w", err)
	}
	return ts, nil
}

func hasTimeStampingUsage(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}

func newNonce() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// LoadTrustAnchors reads PEM certificates from files into a pool
func LoadTrustAnchors(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	count := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust anchor %s: %w", file, err)
		}
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("invalid trust anchor in %s: %w", file, err)
			}
			pool.AddCert(cert)
			count++
		}
	}
	if count == 0 {
		return nil, errors.New("no trust anchor certificates found")
	}
	return pool, nil
}
