package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL.
// Credentials are stored encrypted; this layer never sees plaintext.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// Get returns the encrypted credential for (userID, venue).
func (s *CredentialStore) Get(ctx context.Context, userID, venue string) (domain.EncryptedCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, venue, key_ciphertext, secret_ciphertext, updated_at
		 FROM credentials WHERE user_id = $1 AND venue = $2`, userID, venue)

	var c domain.EncryptedCredential
	err := row.Scan(&c.UserID, &c.Venue, &c.KeyCiphertext, &c.SecretCiphertext, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EncryptedCredential{}, domain.ErrNotFound
		}
		return domain.EncryptedCredential{}, fmt.Errorf("postgres: get credential %s/%s: %w", userID, venue, err)
	}
	return c, nil
}
