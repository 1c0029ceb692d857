// Package secrets implements the authenticated encryption used for stored
// credential payloads. Payload format: base64(nonce || AES-256-GCM sealed
// JSON). The data key is derived once from the configured passphrase, so
// per-dispatch decryption costs one AEAD open and nothing more.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyInfo versions the key derivation; changing it invalidates every stored
// payload, so it only moves together with a payload migration.
const keyInfo = "pulse/credential-cipher/v1"

const keyLen = 32

var (
	// ErrInvalidCiphertext marks payloads that are not even structurally
	// decryptable (bad base64, truncated nonce).
	ErrInvalidCiphertext = errors.New("secrets: malformed ciphertext")

	// ErrDecryptionFailed marks authentication failures: tampered payload
	// or a key that does not match the one that sealed it.
	ErrDecryptionFailed = errors.New("secrets: decryption failed")
)

// Cipher seals and opens credential value maps. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the data key from the passphrase and prepares the AEAD.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: encryption passphrase cannot be empty")
	}

	key := make([]byte, keyLen)
	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptValues seals a credential value map. A fresh random nonce per call
// means encrypting the same values twice yields different payloads.
func (c *Cipher) EncryptValues(values map[string]any) (string, error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshalling credential values: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValues opens a stored payload back into the credential value map.
// Tampering and wrong keys surface as ErrDecryptionFailed, never as silently
// wrong data.
func (c *Cipher) DecryptValues(payload string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) <= c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrInvalidCiphertext, len(raw))
	}

	nonce := raw[:c.aead.NonceSize()]
	sealed := raw[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	values := make(map[string]any)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return values, nil
}
