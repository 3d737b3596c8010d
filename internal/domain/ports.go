package domain

import (
	"context"
	"io"
	"strconv"
	"time"
)

// Interfaces the migration service depends on. Postgres, Redis and S3
// implement them in production; internal/service has in-memory versions.

// ListOpts pages through time-ordered history. Since and Until bound
// created_at when set.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MigrationStore keeps one record per migration attempt, successful or not.
// Insert fails with ErrAlreadyExists for a duplicate ID.
type MigrationStore interface {
	Insert(ctx context.Context, rec MigrationRecord) error
	GetByID(ctx context.Context, id string) (MigrationRecord, error)
	ListByPosition(ctx context.Context, id PositionID, opts ListOpts) ([]MigrationRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]MigrationRecord, error)
}

type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is an append-only log of operator-visible events such as
// "migration.succeeded" or "archive.migrations".
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// NonceStore records consumed request nonces so a signed request can be
// executed at most once. Use returns ErrAlreadyExists for a nonce already
// consumed by signer.
type NonceStore interface {
	Use(ctx context.Context, signer string, nonce uint64) error
}

// PositionLockKey names the lock that serialises migrations of one position
// across instances.
func PositionLockKey(id PositionID) string {
	return "position:" + strconv.FormatUint(uint64(id), 10)
}

// LockManager hands out expiring exclusive locks. Acquire fails with
// ErrLockHeld while another holder has key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter reports whether one more request for key fits in limit
// requests per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is one stream entry. IDs are ordered within a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries migration events: Publish/Subscribe for live fan-out,
// StreamAppend/StreamRead for a bounded history clients can replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads objects back. Get wraps ErrNotFound for a missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ReceiptArchiver copies migration receipts to cold storage and returns the
// object path.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, receipt MigrationReceipt) (path string, err error)
}
