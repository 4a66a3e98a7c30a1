// Package archive writes time-stamped message records into hash-chained
// archive files and removes archived records from the record store
package archive

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/msglog-engine/go-core/pkg/types"
)

// LinkingInfoEntryName is the name of the trailing chain entry of every archive
const LinkingInfoEntryName = "linkinginfo"

// LinkingInfoBuilder maintains the hash chain across the entries of an
// archive. The first line carries the seed taken from the previous archive of
// the group; every following line is
//
//	hex(digest(prevDigestHex || hex(digest(entry)))) entryName algorithm
type LinkingInfoBuilder struct {
	algo  types.DigestAlgorithm
	seed  types.DigestEntry
	last  string
	lines bytes.Buffer
}

// NewLinkingInfoBuilder starts a chain from seed
func NewLinkingInfoBuilder(algo types.DigestAlgorithm, seed types.DigestEntry) *LinkingInfoBuilder {
	b := &LinkingInfoBuilder{algo: algo}
	b.Reset(seed)
	return b
}

// Reset starts a new chain from seed
func (b *LinkingInfoBuilder) Reset(seed types.DigestEntry) {
	b.seed = seed
	b.last = seed.Digest
	b.lines.Reset()
	b.writeLine(seed.Digest, seed.FileName)
}

// AddNextStep extends the chain with the digest of an entry's content
func (b *LinkingInfoBuilder) AddNextStep(entryName string, entryDigest []byte) {
	b.last = ChainStep(b.algo, b.last, entryDigest)
	b.writeLine(b.last, entryName)
}

func (b *LinkingInfoBuilder) writeLine(digest, name string) {
	fmt.Fprintf(&b.lines, "%s %s %s\n", digest, name, b.algo)
}

// Seed returns the entry the chain was started from
func (b *LinkingInfoBuilder) Seed() types.DigestEntry {
	return b.seed
}

// LastDigest returns the current chain value as lowercase hex
func (b *LinkingInfoBuilder) LastDigest() string {
	return b.last
}

// Bytes returns the linkinginfo entry content
func (b *LinkingInfoBuilder) Bytes() []byte {
	return append([]byte(nil), b.lines.Bytes()...)
}

// ChainStep computes digest(prev || hex(entryDigest)) as lowercase hex
func ChainStep(algo types.DigestAlgorithm, prev string, entryDigest []byte) string {
	return hex.EncodeToString(algo.Digest([]byte(prev), []byte(hex.EncodeToString(entryDigest))))
}

// LinkingLine is one parsed line of a linkinginfo entry
type LinkingLine struct {
	Digest    string
	Name      string
	Algorithm types.DigestAlgorithm
}

// ParseLinkingInfo splits linkinginfo content into its seed line and the
// entry lines that follow it
func ParseLinkingInfo(data []byte) (LinkingLine, []LinkingLine, error) {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return LinkingLine{}, nil, fmt.Errorf("empty linking info")
	}

	var lines []LinkingLine
	for i, raw := range strings.Split(text, "\n") {
		parts := strings.Split(raw, " ")
		if len(parts) != 3 {
			return LinkingLine{}, nil, fmt.Errorf("malformed linking info line %d", i+1)
		}
		algo, err := types.ParseDigestAlgorithm(parts[2])
		if err != nil || parts[2] == "" {
			return LinkingLine{}, nil, fmt.Errorf("linking info line %d: unsupported algorithm %q", i+1, parts[2])
		}
		lines = append(lines, LinkingLine{Digest: parts[0], Name: parts[1], Algorithm: algo})
	}
	return lines[0], lines[1:], nil
}
