package secrets

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := New("test-passphrase")
	if err != nil {
		t.Fatalf("unexpected error creating cipher: %v", err)
	}

	values := map[string]any{
		"token":   "s3cr3t",
		"port":    float64(5432),
		"nested":  map[string]any{"user": "svc"},
		"enabled": true,
	}

	payload, err := c.EncryptValues(values)
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}

	got, err := c.DecryptValues(payload)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if got["token"] != "s3cr3t" || got["port"] != float64(5432) || got["enabled"] != true {
		t.Fatalf("round trip lost values: %+v", got)
	}
	if got["nested"].(map[string]any)["user"] != "svc" {
		t.Fatalf("round trip lost nested values: %+v", got["nested"])
	}
}

func TestCipher_DistinctCiphertexts(t *testing.T) {
	c, err := New("test-passphrase")
	if err != nil {
		t.Fatalf("unexpected error creating cipher: %v", err)
	}

	values := map[string]any{"token": "same"}
	first, err := c.EncryptValues(values)
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	second, err := c.EncryptValues(values)
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ciphertexts for identical plaintext")
	}
}

func TestCipher_WrongKey(t *testing.T) {
	a, _ := New("passphrase-a")
	b, _ := New("passphrase-b")

	payload, err := a.EncryptValues(map[string]any{"token": "x"})
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}

	if _, err := b.DecryptValues(payload); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestCipher_Tampered(t *testing.T) {
	c, _ := New("test-passphrase")
	payload, err := c.EncryptValues(map[string]any{"token": "x"})
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(payload)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := c.DecryptValues(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for tampered payload, got %v", err)
	}
}

func TestCipher_MalformedPayloads(t *testing.T) {
	c, _ := New("test-passphrase")

	if _, err := c.DecryptValues("not base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext for bad base64, got %v", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := c.DecryptValues(short); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext for truncated payload, got %v", err)
	}
}

func TestNew_EmptyPassphrase(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
}

func TestCipher_SamePassphraseSameKey(t *testing.T) {
	a, _ := New("shared")
	b, _ := New("shared")

	payload, err := a.EncryptValues(map[string]any{"token": "x"})
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	got, err := b.DecryptValues(payload)
	if err != nil {
		t.Fatalf("expected second cipher with same passphrase to decrypt: %v", err)
	}
	if got["token"] != "x" {
		t.Fatalf("unexpected decrypted values: %+v", got)
	}
}
