package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// MessageEncryptor encrypts message bodies and attachments at rest using
// AES-256-GCM. Records remember the key id they were written with, so older
// keys stay usable for reading after the active key changes.
type MessageEncryptor struct {
	activeKeyID string
	keys        map[string]cipher.AEAD
}

// NewMessageEncryptor creates an encryptor writing with activeKeyID
func NewMessageEncryptor(activeKeyID string, keys map[string][]byte) (*MessageEncryptor, error) {
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active key %q not found", activeKeyID)
	}

	e := &MessageEncryptor{
		activeKeyID: activeKeyID,
		keys:        make(map[string]cipher.AEAD, len(keys)),
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes for AES-256", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		e.keys[id] = gcm
	}
	return e, nil
}

// KeyID returns the id of the key used for new records
func (e *MessageEncryptor) KeyID() string {
	return e.activeKeyID
}

// Encrypt seals plaintext with the active key; output is nonce||ciphertext
func (e *MessageEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	gcm := e.keys[e.activeKeyID]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// EncryptString seals plaintext and base64 encodes the result
func (e *MessageEncryptor) EncryptString(plaintext string) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens data sealed with keyID
func (e *MessageEncryptor) Decrypt(keyID string, data []byte) ([]byte, error) {
	gcm, ok := e.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown message encryption key %q", keyID)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DecryptString reverses EncryptString
func (e *MessageEncryptor) DecryptString(keyID, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	plaintext, err := e.Decrypt(keyID, data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
