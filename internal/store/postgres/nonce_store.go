package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// NonceStore implements domain.NonceStore using PostgreSQL.
type NonceStore struct {
	pool *pgxpool.Pool
}

// NewNonceStore creates a new NonceStore backed by the given connection pool.
func NewNonceStore(pool *pgxpool.Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

var _ domain.NonceStore = (*NonceStore)(nil)

// Use consumes nonce for signer.
func (s *NonceStore) Use(ctx context.Context, signer string, nonce uint64) error {
	const query = `
		INSERT INTO request_nonces (signer, nonce) VALUES ($1, $2::numeric)
		ON CONFLICT (signer, nonce) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, signer, strconv.FormatUint(nonce, 10))
	if err != nil {
		return fmt.Errorf("postgres: use nonce %d for %s: %w", nonce, signer, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: nonce %d for %s: %w", nonce, signer, domain.ErrAlreadyExists)
	}
	return nil
}
