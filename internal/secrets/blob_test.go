package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plain := []byte("the root key material")

	enc, err := EncryptWithKey(plain, key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(enc, plain) {
		t.Error("ciphertext contains plaintext")
	}

	dec, err := DecryptWithKey(enc, key)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("round trip mismatch: got %q", dec)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := EncryptWithKey([]byte("secret"), testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptWithKey(enc, testKey(t)); err == nil {
		t.Error("decrypt with wrong key should fail")
	}
}

func TestDecryptMalformedBlob(t *testing.T) {
	if _, err := DecryptWithKey(nil, testKey(t)); err == nil {
		t.Error("empty blob should fail")
	}
	if _, err := DecryptWithKey([]byte("not json"), testKey(t)); err == nil {
		t.Error("non-json blob should fail")
	}
}

func TestKeychainFileBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AURA_KEY_BACKEND", "file")
	t.Setenv("AURA_MASTER_KEY", "")

	kc := NewKeychain(dir)
	plain := []byte("persisted blob")
	enc, err := kc.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// A fresh Keychain over the same dir must read the same key file.
	dec, err := NewKeychain(dir).Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Error("round trip through key file mismatch")
	}
}

func TestEnvKeyWins(t *testing.T) {
	key := testKey(t)
	t.Setenv("AURA_MASTER_KEY", base64.RawStdEncoding.EncodeToString(key))

	kc := NewKeychain(filepath.Join(t.TempDir(), "never-created"))
	enc, err := kc.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := DecryptWithKey(enc, key); err != nil {
		t.Errorf("env key should have been used: %v", err)
	}
}

func TestDecodeMasterKeyLength(t *testing.T) {
	if _, err := DecodeMasterKey(base64.RawStdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("short key should be rejected")
	}
}
