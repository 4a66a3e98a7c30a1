package types

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// DigestAlgorithm names a supported hash function, e.g. "SHA-512"
type DigestAlgorithm string

const (
	SHA256 DigestAlgorithm = "SHA-256"
	SHA384 DigestAlgorithm = "SHA-384"
	SHA512 DigestAlgorithm = "SHA-512"
)

// ParseDigestAlgorithm accepts "SHA-512", "sha512" and similar spellings
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "") {
	case "SHA256":
		return SHA256, nil
	case "SHA384":
		return SHA384, nil
	case "SHA512", "":
		return SHA512, nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", name)
}

// Hash returns the crypto.Hash for the algorithm
func (a DigestAlgorithm) Hash() crypto.Hash {
	switch a {
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	default:
		return crypto.SHA512
	}
}

// Digest hashes data with the algorithm
func (a DigestAlgorithm) Digest(data ...[]byte) []byte {
	h := a.Hash().New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Base64Digest returns the base64 encoded digest of data
func (a DigestAlgorithm) Base64Digest(data []byte) string {
	return base64.StdEncoding.EncodeToString(a.Digest(data))
}

// String implements fmt.Stringer
func (a DigestAlgorithm) String() string {
	if a == "" {
		return string(SHA512)
	}
	return string(a)
}

// Digest method URIs used in hash chain documents
const (
	DigestURISHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestURISHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestURISHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// URI returns the XML digest method identifier of the algorithm
func (a DigestAlgorithm) URI() string {
	switch a {
	case SHA256:
		return DigestURISHA256
	case SHA384:
		return DigestURISHA384
	default:
		return DigestURISHA512
	}
}

// ParseDigestURI maps an XML digest method identifier to an algorithm
func ParseDigestURI(uri string) (DigestAlgorithm, error) {
	switch uri {
	case DigestURISHA256:
		return SHA256, nil
	case DigestURISHA384:
		return SHA384, nil
	case DigestURISHA512:
		return SHA512, nil
	}
	return "", fmt.Errorf("unsupported digest method %q", uri)
}
