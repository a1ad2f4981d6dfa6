// Package redisstore provides an eventstore.Store backed by Redis Streams,
// letting several runtime nodes share resumable session streams.
//
// Each logical stream maps to two keys: a Redis stream holding the events and
// a counter holding the last issued sequence. Events are added with explicit
// stream ids of the form "0-<seq>", so XRANGE and XTRIM MINID operate directly
// on sequence numbers.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-runtime-go/eventstore"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTSTORE_KEY_PREFIX
	KeyPrefix string `env:"EVENTSTORE_KEY_PREFIX,default=mcp:events:"`
	// MaxEventsPerStream approximately caps each stream; 0 disables the cap.
	// ENV: EVENTSTORE_MAX_EVENTS
	MaxEventsPerStream int `env:"EVENTSTORE_MAX_EVENTS,default=1024"`
	// StreamTTL expires idle streams; 0 keeps them until removed.
	// ENV: EVENTSTORE_STREAM_TTL
	StreamTTL time.Duration `env:"EVENTSTORE_STREAM_TTL,default=24h"`
}

// Store implements eventstore.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	owned     bool
	keyPrefix string
	maxEvents int
	ttl       time.Duration
}

// appendScript allocates the next sequence and writes the event atomically so
// that concurrent appenders on different nodes never interleave out of order.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], '0-' .. seq, 'p', ARGV[1], 't', ARGV[2])
local maxlen = tonumber(ARGV[3])
if maxlen > 0 then
  redis.call('XTRIM', KEYS[1], 'MAXLEN', maxlen)
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return seq
`)

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, cfg)
	s.owned = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis event store config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	return &Store{
		client:    client,
		keyPrefix: prefix,
		maxEvents: cfg.MaxEventsPerStream,
		ttl:       cfg.StreamTTL,
	}
}

// Close closes the Redis client when the Store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Both keys of a stream share a hash tag so the append script stays within a
// single cluster slot.
func (s *Store) streamKey(streamID string) string { return s.keyPrefix + "{" + streamID + "}:stream" }
func (s *Store) seqKey(streamID string) string    { return s.keyPrefix + "{" + streamID + "}:seq" }

func entryID(seq uint64) string { return "0-" + strconv.FormatUint(seq, 10) }

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (uint64, error) {
	if streamID == "" {
		return 0, eventstore.ErrInvalidStreamID
	}
	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.streamKey(streamID), s.seqKey(streamID)},
		payload, time.Now().UnixMilli(), s.maxEvents, s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append: %w", err)
	}
	return uint64(seq), nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(ctx context.Context, streamID string, after uint64) (iter.Seq[eventstore.Event], error) {
	if streamID == "" {
		return nil, eventstore.ErrInvalidStreamID
	}
	if after == math.MaxUint64 {
		return slices.Values([]eventstore.Event(nil)), nil
	}
	msgs, err := s.client.XRange(ctx, s.streamKey(streamID), entryID(after+1), "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis replay: %w", err)
	}

	events := make([]eventstore.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeEntry(streamID, m)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return slices.Values(events), nil
}

func decodeEntry(streamID string, m redis.XMessage) (eventstore.Event, error) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(m.ID, "0-"), 10, 64)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("redis replay: malformed entry id %q", m.ID)
	}
	ev := eventstore.Event{StreamID: streamID, Sequence: seq}
	switch v := m.Values["p"].(type) {
	case string:
		ev.Payload = []byte(v)
	case []byte:
		ev.Payload = v
	default:
		return eventstore.Event{}, fmt.Errorf("redis replay: entry %s has no payload", m.ID)
	}
	if ts, ok := m.Values["t"].(string); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			ev.Timestamp = time.UnixMilli(ms)
		}
	}
	return ev, nil
}

// Prune implements eventstore.Store.
func (s *Store) Prune(ctx context.Context, streamID string, before uint64) error {
	if before <= 1 {
		return nil
	}
	if err := s.client.XTrimMinID(ctx, s.streamKey(streamID), entryID(before)).Err(); err != nil {
		return fmt.Errorf("redis prune: %w", err)
	}
	return nil
}

// RemoveStream implements eventstore.Store.
func (s *Store) RemoveStream(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, s.streamKey(streamID), s.seqKey(streamID)).Err(); err != nil {
		return fmt.Errorf("redis remove stream: %w", err)
	}
	return nil
}

var _ eventstore.Store = (*Store)(nil)
