package service

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// MemoryNonceStore is a process-local domain.NonceStore used when neither
// Postgres nor Redis is configured.
type MemoryNonceStore struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewMemoryNonceStore creates an empty MemoryNonceStore.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{used: make(map[string]struct{})}
}

// Use consumes nonce for signer.
func (m *MemoryNonceStore) Use(_ context.Context, signer string, nonce uint64) error {
	k := strings.ToLower(signer) + ":" + strconv.FormatUint(nonce, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[k]; ok {
		return fmt.Errorf("memory: nonce %d for %s: %w", nonce, signer, domain.ErrAlreadyExists)
	}
	m.used[k] = struct{}{}
	return nil
}

// MemoryMigrationStore is a process-local domain.MigrationStore.
type MemoryMigrationStore struct {
	mu   sync.RWMutex
	recs []domain.MigrationRecord
	byID map[string]int
}

// NewMemoryMigrationStore creates an empty MemoryMigrationStore.
func NewMemoryMigrationStore() *MemoryMigrationStore {
	return &MemoryMigrationStore{byID: make(map[string]int)}
}

// Insert stores rec.
func (m *MemoryMigrationStore) Insert(_ context.Context, rec domain.MigrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ID]; ok {
		return fmt.Errorf("memory: migration %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	m.byID[rec.ID] = len(m.recs)
	m.recs = append(m.recs, rec)
	return nil
}

// GetByID returns the record with id, or domain.ErrNotFound.
func (m *MemoryMigrationStore) GetByID(_ context.Context, id string) (domain.MigrationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return domain.MigrationRecord{}, fmt.Errorf("memory: migration %s: %w", id, domain.ErrNotFound)
	}
	return m.recs[i], nil
}

// ListByPosition returns the records of position id, newest first.
func (m *MemoryMigrationStore) ListByPosition(_ context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	return m.list(opts, func(r domain.MigrationRecord) bool { return r.PositionID == id }), nil
}

// ListRecent returns all records, newest first.
func (m *MemoryMigrationStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	return m.list(opts, func(domain.MigrationRecord) bool { return true }), nil
}

func (m *MemoryMigrationStore) list(opts domain.ListOpts, keep func(domain.MigrationRecord) bool) []domain.MigrationRecord {
	m.mu.RLock()
	var out []domain.MigrationRecord
	for i := len(m.recs) - 1; i >= 0; i-- {
		r := m.recs[i]
		if !keep(r) {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// MemoryBus is a process-local domain.SignalBus. Subscribers that fall
// behind lose messages rather than block publishers.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[int]memorySub
	nextSub int
	streams map[string][]domain.StreamMessage
	maxLen  int
}

type memorySub struct {
	pattern string
	ch      chan []byte
}

// NewMemoryBus creates a MemoryBus keeping at most maxLen entries per stream.
func NewMemoryBus(maxLen int) *MemoryBus {
	return &MemoryBus{
		subs:    make(map[int]memorySub),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every matching subscriber.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published on channels matching
// pattern. It is closed when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", pattern, err)
	}
	ch := make(chan []byte, 128)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = memorySub{pattern: pattern, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to stream with a sequential id.
func (b *MemoryBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]
	var next uint64 = 1
	if n := len(msgs); n > 0 {
		last, _ := strconv.ParseUint(msgs[n-1].ID, 10, 64)
		next = last + 1
	}
	msgs = append(msgs, domain.StreamMessage{ID: strconv.FormatUint(next, 10), Payload: payload})
	if b.maxLen > 0 && len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries of stream after lastID.
func (b *MemoryBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseUint(lastID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: bad id %q", stream, lastID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

var (
	_ domain.NonceStore     = (*MemoryNonceStore)(nil)
	_ domain.MigrationStore = (*MemoryMigrationStore)(nil)
	_ domain.SignalBus      = (*MemoryBus)(nil)
)
