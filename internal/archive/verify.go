package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/crypto/openpgp"

	"github.com/msglog-engine/go-core/pkg/types"
)

// Verification is the outcome of a successful archive check
type Verification struct {
	File       string
	Seed       types.DigestEntry
	LastDigest string
	Algorithm  types.DigestAlgorithm
	Entries    []string
}

// DigestEntry returns the chain state the next archive of the group must be seeded with
func (v *Verification) DigestEntry() types.DigestEntry {
	return types.DigestEntry{Digest: v.LastDigest, FileName: v.File}
}

// VerifyArchive recomputes the linkinginfo chain of a plaintext archive. When
// expectedSeed is set the archive must continue from it.
func VerifyArchive(r io.ReaderAt, size int64, expectedSeed *types.DigestEntry) (*Verification, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, types.ArchiveIntegrityViolated("archive is empty")
	}

	last := zr.File[len(zr.File)-1]
	if last.Name != LinkingInfoEntryName {
		return nil, types.ArchiveIntegrityViolated("linkinginfo is not the last archive entry")
	}
	info, err := readFile(last)
	if err != nil {
		return nil, err
	}
	seed, lines, err := ParseLinkingInfo(info)
	if err != nil {
		return nil, types.ArchiveIntegrityViolated(err.Error())
	}

	if expectedSeed != nil && (seed.Digest != expectedSeed.Digest || seed.Name != expectedSeed.FileName) {
		return nil, types.ArchiveIntegrityViolated(fmt.Sprintf(
			"archive continues from %q, expected %q", seed.Name, expectedSeed.FileName))
	}

	entries := zr.File[:len(zr.File)-1]
	if len(entries) != len(lines) {
		return nil, types.ArchiveIntegrityViolated(fmt.Sprintf(
			"linkinginfo lists %d entries, archive holds %d", len(lines), len(entries)))
	}

	v := &Verification{
		Seed:      types.DigestEntry{Digest: seed.Digest, FileName: seed.Name},
		Algorithm: seed.Algorithm,
	}
	prev := seed.Digest
	for i, f := range entries {
		line := lines[i]
		if f.Name != line.Name {
			return nil, types.ArchiveIntegrityViolated(fmt.Sprintf(
				"entry %d is %q, linkinginfo lists %q", i+1, f.Name, line.Name))
		}
		if line.Algorithm != seed.Algorithm {
			return nil, types.ArchiveIntegrityViolated(fmt.Sprintf("entry %q uses a different digest algorithm", f.Name))
		}

		data, err := readFile(f)
		if err != nil {
			return nil, err
		}
		prev = ChainStep(seed.Algorithm, prev, seed.Algorithm.Digest(data))
		if prev != line.Digest {
			return nil, types.ArchiveIntegrityViolated(fmt.Sprintf("digest of entry %q does not match", f.Name))
		}
		v.Entries = append(v.Entries, f.Name)
	}
	v.LastDigest = prev
	return v, nil
}

// VerifyFile verifies an archive file, decrypting it with keys when it is
// an OpenPGP message
func VerifyFile(path string, keys openpgp.EntityList, expectedSeed *types.DigestEntry) (*Verification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	if strings.HasSuffix(path, ".gpg") {
		if len(keys) == 0 {
			return nil, fmt.Errorf("archive %s is encrypted and no private key was given", path)
		}
		plain, err := Decrypt(bytes.NewReader(data), keys)
		if err != nil {
			return nil, err
		}
		if data, err = io.ReadAll(plain); err != nil {
			return nil, fmt.Errorf("failed to decrypt archive: %w", err)
		}
	}

	v, err := VerifyArchive(bytes.NewReader(data), int64(len(data)), expectedSeed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	v.File = filepath.Base(path)
	return v, nil
}

// VerifySequence verifies consecutive archive files of one group, each of
// which must continue the chain of the one before
func VerifySequence(paths []string, keys openpgp.EntityList, initial *types.DigestEntry) ([]*Verification, error) {
	out := make([]*Verification, 0, len(paths))
	expected := initial
	for _, p := range paths {
		v, err := VerifyFile(p, keys, expected)
		if err != nil {
			return out, err
		}
		out = append(out, v)
		next := v.DigestEntry()
		expected = &next
	}
	return out, nil
}
