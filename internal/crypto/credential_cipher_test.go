package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

// testKey returns a valid 32-byte key for use in tests.
func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewCredentialCipher_KeyLength(t *testing.T) {
	if _, err := NewCredentialCipher(testKey()); err != nil {
		t.Fatalf("NewCredentialCipher() unexpected error: %v", err)
	}

	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewCredentialCipher(make([]byte, n)); err != ErrKeyLengthInvalid {
			t.Errorf("NewCredentialCipher(len=%d) error = %v, want %v", n, err, ErrKeyLengthInvalid)
		}
	}
}

func TestCredentialCipher_SealOpen(t *testing.T) {
	c, err := NewCredentialCipher(testKey())
	if err != nil {
		t.Fatalf("NewCredentialCipher: %v", err)
	}

	for _, plaintext := range []string{"admin", "p@ss w0rd!", strings.Repeat("x", 4096), "ünïcødé"} {
		sealed, err := c.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plaintext, err)
		}
		if sealed == plaintext {
			t.Errorf("Seal(%q) returned plaintext", plaintext)
		}
		opened, err := c.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if opened != plaintext {
			t.Errorf("Open() = %q, want %q", opened, plaintext)
		}
	}
}

func TestCredentialCipher_EmptyPassthrough(t *testing.T) {
	c, _ := NewCredentialCipher(testKey())
	sealed, err := c.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("Seal(\"\") = %q, %v; want empty, nil", sealed, err)
	}
	opened, err := c.Open("")
	if err != nil || opened != "" {
		t.Errorf("Open(\"\") = %q, %v; want empty, nil", opened, err)
	}
}

func TestCredentialCipher_NonceIsRandom(t *testing.T) {
	c, _ := NewCredentialCipher(testKey())
	a, _ := c.Seal("same")
	b, _ := c.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestCredentialCipher_OpenErrors(t *testing.T) {
	c, _ := NewCredentialCipher(testKey())
	sealed, _ := c.Seal("secret")

	if _, err := c.Open("!!!not-base64!!!"); err != ErrCiphertextCorrupted {
		t.Errorf("Open(bad base64) error = %v, want %v", err, ErrCiphertextCorrupted)
	}
	if _, err := c.Open(base64.URLEncoding.EncodeToString([]byte("short"))); err != ErrCiphertextCorrupted {
		t.Errorf("Open(short) error = %v, want %v", err, ErrCiphertextCorrupted)
	}

	raw, _ := base64.URLEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xFF
	if _, err := c.Open(base64.URLEncoding.EncodeToString(raw)); err != ErrDecryptionFailed {
		t.Errorf("Open(tampered) error = %v, want %v", err, ErrDecryptionFailed)
	}

	other, _ := NewCredentialCipher(bytes.Repeat([]byte("z"), 32))
	if _, err := other.Open(sealed); err != ErrDecryptionFailed {
		t.Errorf("Open(wrong key) error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestNewCredentialCipherIsolatesKey(t *testing.T) {
	key := testKey()
	c, _ := NewCredentialCipher(key)
	sealed, _ := c.Seal("sensitive")
	for i := range key {
		key[i] = 0
	}
	if got, err := c.Open(sealed); err != nil || got != "sensitive" {
		t.Errorf("Open after caller mutated key = %q, %v", got, err)
	}
}

func TestParseMasterKey(t *testing.T) {
	raw := strings.Repeat("a", 32)
	if key, err := ParseMasterKey(raw); err != nil || string(key) != raw {
		t.Errorf("ParseMasterKey(raw) = %q, %v", key, err)
	}

	generated, _ := GenerateKey()
	encoded := base64.StdEncoding.EncodeToString(generated)
	key, err := ParseMasterKey(encoded)
	if err != nil || !bytes.Equal(key, generated) {
		t.Errorf("ParseMasterKey(base64) = %x, %v", key, err)
	}

	if _, err := ParseMasterKey("too-short"); err != ErrKeyLengthInvalid {
		t.Errorf("ParseMasterKey(short) error = %v, want %v", err, ErrKeyLengthInvalid)
	}
}

func TestDeriveCredentialCipher(t *testing.T) {
	salt, err := GenerateSalt(16)
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	a, err := DeriveCredentialCipher("passphrase", salt, 10000)
	if err != nil {
		t.Fatalf("DeriveCredentialCipher: %v", err)
	}
	b, _ := DeriveCredentialCipher("passphrase", salt, 10000)
	sealed, _ := a.Seal("value")
	if got, err := b.Open(sealed); err != nil || got != "value" {
		t.Errorf("derived ciphers disagree: %q, %v", got, err)
	}

	if _, err := DeriveCredentialCipher("p", []byte("short"), 10000); err != ErrSaltTooShort {
		t.Errorf("short salt error = %v, want %v", err, ErrSaltTooShort)
	}
}
