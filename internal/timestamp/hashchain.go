package timestamp

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/msglog-engine/go-core/pkg/types"
)

// HashChainNamespace is the namespace of hash chain documents
const HashChainNamespace = "http://x-road.eu/xsd/xroad.xsd"

// Sibling positions in a hash chain step
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

var errEmptyBatch = errors.New("hash chain requires at least one input")

// DigestMethod names the digest algorithm of a hash chain document
type DigestMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// HashChainResult is the root document of a batch. Its digest is what the
// TSA timestamps.
type HashChainResult struct {
	XMLName      xml.Name     `xml:"http://x-road.eu/xsd/xroad.xsd HashChainResult"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
	Size         int          `xml:"Size"`
}

// HashChain proves that one input belongs to a HashChainResult
type HashChain struct {
	XMLName      xml.Name     `xml:"http://x-road.eu/xsd/xroad.xsd HashChain"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	Input        string       `xml:"Input"`
	Steps        []Step       `xml:"Step"`
}

// Step combines the running digest with one sibling
type Step struct {
	Position string `xml:"position,attr"`
	Digest   string `xml:",chardata"`
}

// Chains is a built hash chain batch
type Chains struct {
	// Result is the serialized HashChainResult
	Result string
	// Chains holds one serialized HashChain per input, in input order
	Chains []string
	// Root is the Merkle root
	Root []byte
}

// BuildHashChains builds a Merkle tree over inputs. Adjacent nodes are
// combined as digest(left || right); an unpaired last node is promoted to the
// next level unchanged. A single input yields a chain without steps.
func BuildHashChains(algo types.DigestAlgorithm, inputs [][]byte) (*Chains, error) {
	if len(inputs) == 0 {
		return nil, errEmptyBatch
	}

	levels := [][][]byte{inputs}
	for level := inputs; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, algo.Digest(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	root := levels[len(levels)-1][0]

	method := DigestMethod{Algorithm: algo.URI()}

	result, err := xml.Marshal(HashChainResult{
		DigestMethod: method,
		DigestValue:  b64(root),
		Size:         len(inputs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash chain result: %w", err)
	}

	out := &Chains{Result: string(result), Chains: make([]string, len(inputs)), Root: root}
	for i := range inputs {
		chain := HashChain{DigestMethod: method, Input: b64(inputs[i])}

		idx := i
		for _, level := range levels[:len(levels)-1] {
			sibling := idx ^ 1
			if sibling < len(level) {
				pos := PositionRight
				if idx%2 == 1 {
					pos = PositionLeft
				}
				chain.Steps = append(chain.Steps, Step{Position: pos, Digest: b64(level[sibling])})
			}
			idx /= 2
		}

		data, err := xml.Marshal(chain)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hash chain: %w", err)
		}
		out.Chains[i] = string(data)
	}
	return out, nil
}

// VerifyHashChain checks that chainXML leads from input to the root recorded
// in resultXML
func VerifyHashChain(chainXML, resultXML string, input []byte) error {
	var result HashChainResult
	if err := xml.Unmarshal([]byte(resultXML), &result); err != nil {
		return fmt.Errorf("failed to parse hash chain result: %w", err)
	}
	var chain HashChain
	if err := xml.Unmarshal([]byte(chainXML), &chain); err != nil {
		return fmt.Errorf("failed to parse hash chain: %w", err)
	}

	if chain.DigestMethod.Algorithm != result.DigestMethod.Algorithm {
		return fmt.Errorf("hash chain digest method %q does not match result %q",
			chain.DigestMethod.Algorithm, result.DigestMethod.Algorithm)
	}
	algo, err := types.ParseDigestURI(chain.DigestMethod.Algorithm)
	if err != nil {
		return err
	}

	if chain.Input != b64(input) {
		return errors.New("hash chain input does not match")
	}

	current := input
	for _, step := range chain.Steps {
		sibling, err := base64.StdEncoding.DecodeString(step.Digest)
		if err != nil {
			return fmt.Errorf("invalid hash chain step: %w", err)
		}
		switch step.Position {
		case PositionLeft:
			current = algo.Digest(sibling, current)
		case PositionRight:
			current = algo.Digest(current, sibling)
		default:
			return fmt.Errorf("invalid hash chain step position %q", step.Position)
		}
	}

	root, err := base64.StdEncoding.DecodeString(result.DigestValue)
	if err != nil {
		return fmt.Errorf("invalid hash chain result digest: %w", err)
	}
	if !bytes.Equal(current, root) {
		return errors.New("hash chain does not lead to the result digest")
	}
	return nil
}

// ResultDigest returns the digest that is sent to the TSA for a batch
func ResultDigest(algo types.DigestAlgorithm, resultXML string) []byte {
	return algo.Digest([]byte(resultXML))
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
