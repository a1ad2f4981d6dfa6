package sessions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/idgen"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

var (
	// ErrSessionNotFound is returned for ids that are not (or no longer) registered.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrDuplicateSession is returned by Create when the requested id is taken.
	ErrDuplicateSession = errors.New("sessions: duplicate session id")
	// ErrRegistryClosed is returned by Create after Close.
	ErrRegistryClosed = errors.New("sessions: registry closed")
	// ErrEvicted is the eviction reason used when none is supplied.
	ErrEvicted = errors.New("sessions: session evicted")
	// ErrIdleTimeout is the eviction reason used by the idle reaper.
	ErrIdleTimeout = errors.New("sessions: session idle timeout")
)

// CreateOptions describes a session being registered.
type CreateOptions struct {
	// ID requests a specific session id. When empty one is generated.
	ID              string
	ProtocolVersion string
	Capabilities    CapabilitySet
	UserID          string
	Client          ClientInfo
	// Transport is owned by the session from now on: eviction closes it.
	Transport transport.Transport
	// OnEvict is called once, outside registry locks, after the session has
	// been removed and its transport closed.
	OnEvict func(reason error)
}

// Registry is the shared map of live sessions. Its lifecycle is explicit: it
// is created when the runtime starts and closed when it shuts down.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	gen idgen.Generator
	log *slog.Logger
	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator sets the strategy used to mint session ids.
func WithIDGenerator(g idgen.Generator) RegistryOption {
	return func(r *Registry) { r.gen = g }
}

// WithLogger sets the logger used for eviction diagnostics.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty Registry. Session ids default to random UUIDs.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		gen:      idgen.UUID(),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewID mints a fresh id with the registry's generator without registering it.
// Transports that must hand a session id to the peer before the handshake
// completes use this and pass the id back through CreateOptions.ID.
func (r *Registry) NewID() string { return r.gen.NewID() }

// Create registers a new session.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	s := &Session{
		id:              opts.ID,
		createdAt:       now,
		protocolVersion: opts.ProtocolVersion,
		capabilities:    opts.Capabilities.Clone(),
		userID:          opts.UserID,
		client:          opts.Client,
		transport:       opts.Transport,
		onEvict:         opts.OnEvict,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s.id == "" {
		// Generated ids are retried on the astronomically unlikely collision.
		for attempt := 0; ; attempt++ {
			id := r.gen.NewID()
			if _, taken := r.sessions[id]; !taken {
				s.id = id
				break
			}
			if attempt == 8 {
				return nil, fmt.Errorf("%w: generator keeps colliding", ErrDuplicateSession)
			}
		}
	} else if _, taken := r.sessions[s.id]; taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, s.id)
	}

	r.sessions[s.id] = s
	return s, nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on a session.
func (r *Registry) Touch(id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	s.lastActivity.Store(r.now().UnixNano())
	return nil
}

// Evict removes a session, closes its transport and runs its eviction hook.
// A nil reason is reported to the hook as ErrEvicted.
func (r *Registry) Evict(ctx context.Context, id string, reason error) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if reason == nil {
		reason = ErrEvicted
	}
	r.finalize(ctx, s, reason)
	return nil
}

func (r *Registry) finalize(ctx context.Context, s *Session, reason error) {
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			r.log.WarnContext(ctx, "sessions.evict.transport_close.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	}
	if s.onEvict != nil {
		s.onEvict(reason)
	}
	r.log.DebugContext(ctx, "sessions.evict.ok", slog.String("session_id", s.id), slog.String("reason", reason.Error()))
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All yields a snapshot of the registered sessions.
func (r *Registry) All() iter.Seq[*Session] {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	return slices.Values(snapshot)
}

// Reap evicts sessions whose last activity is older than idle and returns how
// many were evicted.
func (r *Registry) Reap(ctx context.Context, idle time.Duration) int {
	cutoff := r.now().Add(-idle).UnixNano()

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.lastActivity.Load() < cutoff {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.finalize(ctx, s, ErrIdleTimeout)
	}
	if len(stale) > 0 {
		r.log.InfoContext(ctx, "sessions.reap.ok", slog.Int("evicted", len(stale)))
	}
	return len(stale)
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, every, idle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Reap(ctx, idle)
		}
	}
}

// Close evicts every session and rejects further Creates.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.finalize(ctx, s, ErrRegistryClosed)
	}
	return nil
}
