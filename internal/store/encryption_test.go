package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestMessageEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewMessageEncryptor("k2", map[string][]byte{"k1": testKey(1), "k2": testKey(2)})
	require.NoError(t, err)
	assert.Equal(t, "k2", enc.KeyID())

	sealed, err := enc.EncryptString("<Envelope/>")
	require.NoError(t, err)
	assert.NotEqual(t, "<Envelope/>", sealed)

	plain, err := enc.DecryptString("k2", sealed)
	require.NoError(t, err)
	assert.Equal(t, "<Envelope/>", plain)

	// each call uses a fresh nonce
	again, err := enc.EncryptString("<Envelope/>")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestMessageEncryptor_OldKeyStillDecrypts(t *testing.T) {
	old, err := NewMessageEncryptor("k1", map[string][]byte{"k1": testKey(1)})
	require.NoError(t, err)
	sealed, err := old.Encrypt([]byte("payload"))
	require.NoError(t, err)

	rotated, err := NewMessageEncryptor("k2", map[string][]byte{"k1": testKey(1), "k2": testKey(2)})
	require.NoError(t, err)

	plain, err := rotated.Decrypt("k1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	_, err = rotated.Decrypt("k2", sealed)
	assert.Error(t, err)
}

func TestMessageEncryptor_Errors(t *testing.T) {
	_, err := NewMessageEncryptor("missing", map[string][]byte{"k1": testKey(1)})
	assert.Error(t, err)

	_, err = NewMessageEncryptor("k1", map[string][]byte{"k1": []byte("short")})
	assert.Error(t, err)

	enc, err := NewMessageEncryptor("k1", map[string][]byte{"k1": testKey(1)})
	require.NoError(t, err)

	_, err = enc.Decrypt("unknown", []byte("data"))
	assert.Error(t, err)

	_, err = enc.Decrypt("k1", []byte("x"))
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM logrecord WHERE id = ? AND queryid = ?"
	assert.Equal(t, q, rebind("sqlite", q))
	assert.Equal(t, "SELECT * FROM logrecord WHERE id = $1 AND queryid = $2", rebind("postgres", q))
}

func TestInClauseAndChunk(t *testing.T) {
	clause, args := inClause("sqlite", "id", []int64{1, 2, 3})
	assert.Equal(t, "id IN (?, ?, ?)", clause)
	assert.Len(t, args, 3)

	clause, args = inClause("postgres", "id", []int64{1, 2, 3})
	assert.Equal(t, "id = ANY(?)", clause)
	assert.Len(t, args, 1)

	parts := chunk([]int64{1, 2, 3, 4, 5}, 2)
	require.Len(t, parts, 3)
	assert.Equal(t, []int64{5}, parts[2])
	assert.Empty(t, chunk(nil, 2))
}
