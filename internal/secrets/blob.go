// Package secrets provides shared encryption primitives for aura.
// The CA uses it to keep the root private key encrypted at rest with an
// AES-256-GCM master key resolved from the OS keyring or a local key file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyFileName = "master.key"
const keyringService = "aura.identity"
const keyringUser = "master-key"

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keychain resolves and caches the master key for one data directory.
type Keychain struct {
	dir string
}

// NewKeychain creates a Keychain rooted at dir. The directory is created
// on first key generation, not here.
func NewKeychain(dir string) *Keychain {
	return &Keychain{dir: dir}
}

// Encrypt encrypts plain bytes using AES-256-GCM with the master key.
func (k *Keychain) Encrypt(plain []byte) ([]byte, error) {
	key, err := k.loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	return EncryptWithKey(plain, key)
}

// Decrypt decrypts an AES-256-GCM encrypted blob using the master key.
func (k *Keychain) Decrypt(data []byte) ([]byte, error) {
	key, err := k.loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	return DecryptWithKey(data, key)
}

// EncryptWithKey encrypts plain bytes using the given 32-byte AES key.
func EncryptWithKey(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)
	out := encryptedBlob{
		Version:    "v1",
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecryptWithKey decrypts an encrypted blob using the given 32-byte AES key.
func DecryptWithKey(data, key []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty encrypted blob")
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("malformed encrypted blob: %w", err)
	}
	if wrapped.Version != "v1" {
		return nil, fmt.Errorf("unsupported blob version: %s", wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// DecodeMasterKey base64-decodes a master key and validates its length (32 bytes).
func DecodeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	decoded := make([]byte, base64.RawStdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.RawStdEncoding.Decode(decoded, []byte(trimmed))
	if err != nil {
		return nil, err
	}
	if n != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", n)
	}
	return decoded[:n], nil
}

// loadOrCreateMasterKey returns the 32-byte AES master key, creating one if
// necessary. Priority: AURA_MASTER_KEY env → OS keyring → key file.
func (k *Keychain) loadOrCreateMasterKey() ([]byte, error) {
	if envKey := strings.TrimSpace(os.Getenv("AURA_MASTER_KEY")); envKey != "" {
		key, err := DecodeMasterKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid AURA_MASTER_KEY: %w", err)
		}
		return key, nil
	}

	switch resolveKeyBackend() {
	case "keyring":
		return loadOrCreateMasterKeyKeyring()
	case "file":
		return k.loadOrCreateMasterKeyFile()
	default:
		if key, err := loadOrCreateMasterKeyKeyring(); err == nil {
			return key, nil
		}
		return k.loadOrCreateMasterKeyFile()
	}
}

func resolveKeyBackend() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AURA_KEY_BACKEND")))
	switch v {
	case "keyring", "file", "auto":
		return v
	default:
		return "auto"
	}
}

func loadOrCreateMasterKeyKeyring() ([]byte, error) {
	val, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return DecodeMasterKey(val)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if setErr := keyring.Set(keyringService, keyringUser, encoded); setErr != nil {
		return nil, setErr
	}
	return key, nil
}

func (k *Keychain) loadOrCreateMasterKeyFile() ([]byte, error) {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(k.dir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		return DecodeMasterKey(strings.TrimSpace(string(data)))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
