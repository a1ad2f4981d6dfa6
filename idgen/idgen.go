// Package idgen provides pluggable strategies for minting opaque
// identifiers: session ids handed to peers and, optionally, the ids of
// requests issued by the runtime.
package idgen

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generator mints identifiers. Implementations must be safe for concurrent use.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() string

func (f GeneratorFunc) NewID() string { return f() }

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// sortableBase64 is a URL-safe alphabet laid out in ASCII order so that
// lexical order of the encoding matches byte order of the input.
const sortableBase64 = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var sortableEncoding = base64.NewEncoding(sortableBase64).WithPadding(base64.NoPadding)

// UUID returns a generator of random (version 4) UUIDs.
func UUID() Generator {
	return GeneratorFunc(uuid.NewString)
}

// UUIDv7 returns a generator of time-ordered (version 7) UUIDs.
func UUIDv7() Generator {
	return GeneratorFunc(func() string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	})
}

// NanoID returns a generator of URL-safe nanoids of the given length. A
// non-positive size selects the canonical length of 21.
func NanoID(size int) Generator {
	if size <= 0 {
		size = 21
	}
	return GeneratorFunc(func() string { return gonanoid.Must(size) })
}

// Base62 returns a generator of random alphanumeric strings of the given
// length. A non-positive size selects 22 characters (~131 bits).
func Base62(size int) Generator {
	if size <= 0 {
		size = 22
	}
	return GeneratorFunc(func() string { return gonanoid.MustGenerate(base62Alphabet, size) })
}

// WithPrefix decorates g so that every id starts with prefix.
func WithPrefix(prefix string, g Generator) Generator {
	if prefix == "" {
		return g
	}
	return GeneratorFunc(func() string { return prefix + g.NewID() })
}

// TimeBase64Generator encodes the current time in milliseconds followed by a
// per-millisecond sequence and a random tail. Ids from one generator sort
// lexically in creation order.
type TimeBase64Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMS int64
	seq    uint16
}

// TimeBase64 returns a new time-sortable generator.
func TimeBase64() *TimeBase64Generator {
	return &TimeBase64Generator{now: time.Now}
}

func (g *TimeBase64Generator) NewID() string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.lastMS {
		// Clock stalled or stepped back; keep ordering by borrowing the last tick.
		ms = g.lastMS
		g.seq++
		if g.seq == 0 {
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	seq := g.seq
	g.mu.Unlock()

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(ms)<<16)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[8:], gonanoid.MustGenerate(base62Alphabet, 4))
	return sortableEncoding.EncodeToString(buf[:])
}

// SnowflakeGenerator produces 64-bit ids laid out as a 41-bit millisecond
// timestamp, a 10-bit node number and a 12-bit sequence, rendered in decimal.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// Snowflake returns a generator for the given node number (0-1023).
func Snowflake(node int64) (*SnowflakeGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("idgen: snowflake node %d: %w", node, err)
	}
	return &SnowflakeGenerator{node: n}, nil
}

func (g *SnowflakeGenerator) NewID() string { return g.node.Generate().String() }

// NewInt64 returns the next id in numeric form.
func (g *SnowflakeGenerator) NewInt64() int64 { return g.node.Generate().Int64() }

// CounterGenerator hands out increasing decimal ids starting at 1. It is the
// cheapest option and is what connections use for outbound request ids.
type CounterGenerator struct {
	prefix string
	n      atomic.Uint64
}

// Counter returns a new counter generator.
func Counter(prefix string) *CounterGenerator {
	return &CounterGenerator{prefix: prefix}
}

func (g *CounterGenerator) NewID() string {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10)
}

// Next returns the next value in numeric form.
func (g *CounterGenerator) Next() uint64 { return g.n.Add(1) }

// Kind names a generator strategy for configuration.
type Kind string

const (
	KindUUID       Kind = "uuid"
	KindUUIDv7     Kind = "uuidv7"
	KindNanoID     Kind = "nanoid"
	KindBase62     Kind = "base62"
	KindTimeBase64 Kind = "timebase64"
	KindSnowflake  Kind = "snowflake"
	KindCounter    Kind = "counter"
)

// New builds a generator by kind. node is only consulted for snowflake ids.
func New(kind Kind, node int64) (Generator, error) {
	switch kind {
	case "", KindUUID:
		return UUID(), nil
	case KindUUIDv7:
		return UUIDv7(), nil
	case KindNanoID:
		return NanoID(0), nil
	case KindBase62:
		return Base62(0), nil
	case KindTimeBase64:
		return TimeBase64(), nil
	case KindSnowflake:
		return Snowflake(node)
	case KindCounter:
		return Counter(""), nil
	}
	return nil, fmt.Errorf("idgen: unknown generator kind %q", kind)
}
