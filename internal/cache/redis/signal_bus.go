package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// subscriberBuffer is how many undelivered events a subscriber may lag by
// before the relay goroutine blocks.
const subscriberBuffer = 128

// payloadField is the single field of every stream entry.
const payloadField = "payload"

// SignalBus implements domain.SignalBus. Live events go over Pub/Sub on
// <ns>:events:<channel>; the replayable history is the stream
// <ns>:stream:<name>, capped near maxLen entries.
type SignalBus struct {
	c      *Client
	maxLen int64
}

// NewSignalBus creates a SignalBus. A non-positive maxLen leaves streams
// untrimmed.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	return &SignalBus{c: c, maxLen: maxLen}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.key("events", channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it holds a
// glob pattern. The returned channel closes once ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.key("events", channel)
	sub := sb.c.rdb.Subscribe
	if isPattern(channel) {
		sub = sb.c.rdb.PSubscribe
	}
	ps := sub(ctx, name)
	// Receive blocks until the server confirms, so no publish is missed
	// after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go forward(ctx, ps, out)
	return out, nil
}

func forward(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()
	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

func isPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend adds payload to stream with XADD MAXLEN ~.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: sb.c.key("stream", stream),
		Values: map[string]any{payloadField: payload},
	}
	if sb.maxLen > 0 {
		args.MaxLen = sb.maxLen
		args.Approx = true
	}
	if err := sb.c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append to stream %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID without blocking;
// lastID "0" reads from the start. An empty stream is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.c.key("stream", stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read stream %s: %w", stream, err)
	}

	var msgs []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			if p, ok := entryPayload(m.Values); ok {
				msgs = append(msgs, domain.StreamMessage{ID: m.ID, Payload: p})
			}
		}
	}
	return msgs, nil
}

// entryPayload returns the payload field of an entry. Entries written by
// something else are skipped.
func entryPayload(values map[string]any) ([]byte, bool) {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

var _ domain.SignalBus = (*SignalBus)(nil)
