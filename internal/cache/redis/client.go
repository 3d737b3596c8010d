// Package redis backs the coordination side of the service with go-redis:
// position locks, API rate limits, the migration event bus and, when
// Postgres is off, consumed request nonces.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "vaultshift"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// Namespace prefixes every key, channel and stream the service touches,
	// so deployments can share one database. Defaults to "vaultshift".
	Namespace string
}

// Client is a connected go-redis client bound to a key namespace.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings the server.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: defaultNamespace,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := newClient(redis.NewClient(opts), cfg.Namespace)
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(rdb *redis.Client, namespace string) *Client {
	namespace = strings.Trim(namespace, ": ")
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Client{rdb: rdb, ns: namespace}
}

// Ping doubles as the health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// key builds a namespaced name: key("lock", "position:7") is
// "vaultshift:lock:position:7".
func (c *Client) key(parts ...string) string {
	return c.ns + ":" + strings.Join(parts, ":")
}
