// Package vault decrypts per-user, per-venue API credentials on demand.
// Secrets are handed out as call-scoped handles backed by byte slices the
// caller wipes at the end of the orchestration attempt; plaintext never
// outlives a single attempt and is never cached.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
)

// Handle is a short-lived decrypted credential. The backing arrays are zeroed
// by Wipe; callers must defer Wipe on every path, including errors.
type Handle struct {
	key    []byte
	secret []byte
	wiped  bool
}

// APIKey returns the plaintext API key bytes. The slice aliases the handle's
// backing array and becomes invalid after Wipe.
func (h *Handle) APIKey() []byte { return h.key }

// APISecret returns the plaintext API secret bytes, same aliasing rules as
// APIKey.
func (h *Handle) APISecret() []byte { return h.secret }

// Wipe zeroes the plaintext. Safe to call more than once.
func (h *Handle) Wipe() {
	if h.wiped {
		return
	}
	h.wiped = true
	for i := range h.key {
		h.key[i] = 0
	}
	for i := range h.secret {
		h.secret[i] = 0
	}
}

// Vault resolves encrypted credentials from the store and decrypts them with
// a key derived from the process-level passphrase.
type Vault struct {
	store      domain.CredentialStore
	passphrase []byte
}

// New creates a Vault. The passphrase comes from process configuration and
// must never be embedded in source.
func New(store domain.CredentialStore, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase must not be empty")
	}
	return &Vault{store: store, passphrase: []byte(passphrase)}, nil
}

// Open fetches and decrypts the credential for (userID, venue). Any
// decryption failure is reported as ErrAuth: a credential problem always
// aborts the attempt before any exchange call.
func (v *Vault) Open(ctx context.Context, userID, venue string) (*Handle, error) {
	cred, err := v.store.Get(ctx, userID, venue)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no credential for user %s on %s", domain.ErrAuth, userID, venue)
		}
		return nil, fmt.Errorf("vault: load credential %s/%s: %w", userID, venue, err)
	}

	key, err := Decrypt(cred.KeyCiphertext, v.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt api key for %s/%s: %v", domain.ErrAuth, userID, venue, err)
	}
	secret, err := Decrypt(cred.SecretCiphertext, v.passphrase)
	if err != nil {
		for i := range key {
			key[i] = 0
		}
		return nil, fmt.Errorf("%w: decrypt api secret for %s/%s: %v", domain.ErrAuth, userID, venue, err)
	}

	return &Handle{key: key, secret: secret}, nil
}

// Encrypt seals plaintext with PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM. The output layout is salt || nonce || ciphertext. It is
// exported so registration tooling can seal credentials with the same scheme
// the opener decrypts.
func Encrypt(plaintext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("vault: passphrase must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("vault: passphrase must not be empty")
	}
	if len(blob) < saltLen {
		return nil, errors.New("vault: ciphertext too short")
	}

	salt := blob[:saltLen]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	rest := blob[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decryption failed (wrong passphrase?): %w", err)
	}
	return plaintext, nil
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return gcm, nil
}
