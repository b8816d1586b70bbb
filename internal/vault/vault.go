package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/hiveward/hiveward/internal/store"
)

// Vault stores named secrets encrypted at rest with a passphrase-derived
// AES-256-GCM key. Roster env values reference them as secret:name; the
// supervisor resolves references at spawn time so plaintext only ever lives
// in agent process environments.
type Vault struct {
	key   [32]byte
	store *store.Store
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of passphrase), so the same passphrase always
// produces the same key across restarts.
func New(passphrase string, s *store.Store) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{store: s}
	copy(v.key[:], key)
	return v
}

// Set encrypts and persists a named secret, overwriting any previous value.
func (v *Vault) Set(name string, plaintext []byte) error {
	ciphertext, nonce, err := v.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	return v.store.SaveSecret(&store.Secret{Name: name, Value: ciphertext, Nonce: nonce})
}

// Resolve decrypts a named secret. Unknown names are an error; a wrong
// passphrase surfaces as a decryption failure.
func (v *Vault) Resolve(name string) (string, error) {
	sec, err := v.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := v.decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (v *Vault) List() ([]string, error) {
	return v.store.ListSecretNames()
}

func (v *Vault) Delete(name string) error {
	return v.store.DeleteSecret(name)
}

func (v *Vault) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func (v *Vault) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
