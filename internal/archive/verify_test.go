package archive

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msglog-engine/go-core/pkg/types"
)

func TestLinkingInfo_Format(t *testing.T) {
	seed := types.DigestEntry{Digest: "00ff", FileName: "mlog-prev.zip"}
	b := NewLinkingInfoBuilder(types.SHA256, seed)

	entry := []byte("entry content")
	b.AddNextStep("e1.asice", types.SHA256.Digest(entry))

	expected := hex.EncodeToString(types.SHA256.Digest(
		[]byte("00ff"), []byte(hex.EncodeToString(types.SHA256.Digest(entry)))))
	assert.Equal(t, expected, b.LastDigest())
	assert.Equal(t, "00ff mlog-prev.zip SHA-256\n"+expected+" e1.asice SHA-256\n", string(b.Bytes()))

	parsedSeed, lines, err := ParseLinkingInfo(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "mlog-prev.zip", parsedSeed.Name)
	require.Len(t, lines, 1)
	assert.Equal(t, LinkingLine{Digest: expected, Name: "e1.asice", Algorithm: types.SHA256}, lines[0])
}

func TestLinkingInfo_Reset(t *testing.T) {
	b := NewLinkingInfoBuilder(types.SHA512, types.DigestEntry{})
	b.AddNextStep("e1", []byte{1})

	b.Reset(types.DigestEntry{Digest: "aa", FileName: "f"})
	assert.Equal(t, "aa", b.LastDigest())
	assert.Equal(t, "aa f SHA-512\n", string(b.Bytes()))
}

func TestParseLinkingInfo_Malformed(t *testing.T) {
	_, _, err := ParseLinkingInfo(nil)
	assert.Error(t, err)

	_, _, err = ParseLinkingInfo([]byte("only two\n"))
	assert.Error(t, err)

	_, _, err = ParseLinkingInfo([]byte("aa f MD5\n"))
	assert.Error(t, err)
}

// rewriteArchive copies an archive, replacing the content of one entry
func rewriteArchive(t *testing.T, data []byte, name string, content []byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, f := range zr.File {
		body, err := readFile(f)
		require.NoError(t, err)
		if f.Name == name {
			body = content
		}
		require.NoError(t, writeEntry(zw, f.Name, body, zip.Deflate))
	}
	require.NoError(t, zw.Close())
	return out.Bytes()
}

func builtArchive(t *testing.T) (*Archive, []byte) {
	t.Helper()
	c := newTestCache(t, 1<<20, types.DigestEntry{Digest: "seed", FileName: "mlog-prev.zip"})
	require.NoError(t, c.Add(testRecord(1, "ID1", 10)))
	require.NoError(t, c.Add(testRecord(2, "ID2", 10)))
	archive, err := c.Rotate()
	require.NoError(t, err)
	data, err := os.ReadFile(archive.Path)
	require.NoError(t, err)
	return archive, data
}

func assertIntegrityViolation(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrChainMismatch))
	assert.Equal(t, types.CodeArchiveIntegrityViolated, types.ErrorCode(err))
}

func TestVerifyArchive_DetectsTamperedEntry(t *testing.T) {
	archive, data := builtArchive(t)

	tampered := rewriteArchive(t, data, archive.Entries[1], []byte("forged"))
	_, err := VerifyArchive(bytes.NewReader(tampered), int64(len(tampered)), nil)
	assertIntegrityViolation(t, err)
}

func TestVerifyArchive_DetectsWrongSeed(t *testing.T) {
	_, data := builtArchive(t)

	_, err := VerifyArchive(bytes.NewReader(data), int64(len(data)), &types.DigestEntry{Digest: "other", FileName: "mlog-prev.zip"})
	assertIntegrityViolation(t, err)

	v, err := VerifyArchive(bytes.NewReader(data), int64(len(data)), &types.DigestEntry{Digest: "seed", FileName: "mlog-prev.zip"})
	require.NoError(t, err)
	assert.Len(t, v.Entries, 2)
}

func TestVerifyArchive_RequiresTrailingLinkingInfo(t *testing.T) {
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	require.NoError(t, writeEntry(zw, LinkingInfoEntryName, []byte("aa f SHA-512\n"), zip.Deflate))
	require.NoError(t, writeEntry(zw, "e1.asice", []byte("x"), zip.Store))
	require.NoError(t, zw.Close())

	_, err := VerifyArchive(bytes.NewReader(out.Bytes()), int64(out.Len()), nil)
	assertIntegrityViolation(t, err)
}
