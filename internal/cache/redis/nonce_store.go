package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// NonceStore implements domain.NonceStore with one key per consumed nonce.
// Keys never expire; a signed request stays spent for good.
type NonceStore struct {
	c *Client
}

func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c}
}

func (s *NonceStore) nonceKey(signer string, nonce uint64) string {
	return s.c.key("nonce", strings.ToLower(signer), strconv.FormatUint(nonce, 10))
}

func (s *NonceStore) Use(ctx context.Context, signer string, nonce uint64) error {
	fresh, err := s.c.rdb.SetNX(ctx, s.nonceKey(signer, nonce), 1, 0).Result()
	switch {
	case err != nil:
		return fmt.Errorf("redis: nonce %d for %s: %w", nonce, signer, err)
	case !fresh:
		return fmt.Errorf("redis: nonce %d for %s: %w", nonce, signer, domain.ErrAlreadyExists)
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
