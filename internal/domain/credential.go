package domain

import "time"

// EncryptedCredential is the at-rest form of one (user, venue) API key pair.
// Both ciphertexts are AES-256-GCM blobs produced by the vault; plaintext
// never touches the store.
type EncryptedCredential struct {
	UserID           string
	Venue            string
	KeyCiphertext    []byte
	SecretCiphertext []byte
	UpdatedAt        time.Time
}
