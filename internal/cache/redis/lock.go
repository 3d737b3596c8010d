package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1], so an
// expired holder cannot release a lock that has since been taken over.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the unlock round trip. Unlock runs on its own
// context because the migration's context may already be done.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager with SET NX PX.
type LockManager struct {
	c *Client
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c}
}

// Acquire takes name for ttl or fails with domain.ErrLockHeld. The returned
// unlock is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	k := lm.c.key("lock", name)
	owner := uuid.NewString()

	ok, err := lm.c.rdb.SetNX(ctx, k, owner, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", name, err)
	case !ok:
		return nil, fmt.Errorf("redis: lock %s: %w", name, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseIfOwner.Run(ctx, lm.c.rdb, []string{k}, owner).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
