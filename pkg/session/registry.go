// Package session tracks which question session each client connection is
// currently interested in, and the per-model state of every session.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultRetention = 10 * time.Minute

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoConnection    = errors.New("connection id is empty")
)

// connection holds the session a client currently listens to.
type connection struct {
	current atomic.Pointer[string]
}

func (c *connection) currentID() string {
	if p := c.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Registry owns the connection -> current session mapping and the session table.
type Registry struct {
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[string]*connection
}

type RegistryOption func(*Registry)

// WithRetention sets how long terminal sessions stay addressable by id.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		retention: DefaultRetention,
		now:       time.Now,
		sessions:  map[string]*Session{},
		conns:     map[string]*connection{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type beginOptions struct {
	id     string
	parent context.Context
}

type BeginOption func(*beginOptions)

// WithSessionID proposes an id. It is adopted when non-empty and not already in use.
func WithSessionID(id string) BeginOption {
	return func(o *beginOptions) { o.id = id }
}

// WithParent derives the session context from ctx instead of context.Background.
func WithParent(ctx context.Context) BeginOption {
	return func(o *beginOptions) {
		if ctx != nil {
			o.parent = ctx
		}
	}
}

// Begin creates a new active session for the connection and supersedes the
// previous one. Once Begin returns, Deliver refuses events of the previous session.
// Begin never waits for a socket write in progress.
func (r *Registry) Begin(connectionID string, opts ...BeginOption) (*Session, error) {
	if connectionID == "" {
		return nil, ErrNoConnection
	}
	o := beginOptions{parent: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}

	r.mu.Lock()
	r.pruneLocked()
	id := o.id
	if _, taken := r.sessions[id]; id == "" || taken {
		id = uuid.NewString()
	}
	s := newSession(o.parent, id, connectionID, r.now)
	r.sessions[id] = s
	c, ok := r.conns[connectionID]
	if !ok {
		c = &connection{}
		r.conns[connectionID] = c
	}
	r.mu.Unlock()

	prevID := ""
	if p := c.current.Swap(&id); p != nil {
		prevID = *p
	}

	if prevID != "" {
		if prev := r.Get(prevID); prev != nil {
			if prev.Stop() {
				log.Debug().Str("component", "session").Str("conn_id", connectionID).Str("session_id", prevID).Msg("superseded session stopped")
			}
		}
	}
	log.Debug().Str("component", "session").Str("conn_id", connectionID).Str("session_id", id).Msg("session started")
	return s, nil
}

// Current returns the session id the connection is interested in.
func (r *Registry) Current(connectionID string) (string, bool) {
	c := r.connection(connectionID)
	if c == nil {
		return "", false
	}
	id := c.currentID()
	return id, id != ""
}

func (r *Registry) IsCurrent(connectionID, sessionID string) bool {
	cur, ok := r.Current(connectionID)
	return ok && sessionID != "" && cur == sessionID
}

// Stop stops an active session. It is idempotent and returns false when the
// session is unknown or already terminal.
func (r *Registry) Stop(sessionID string) bool {
	s := r.Get(sessionID)
	if s == nil {
		return false
	}
	return s.Stop()
}

// Deliver runs fn when sessionID is the connection's current session. The bool
// reports whether fn ran. A call that passed the check before a Begin may
// still complete after it; its events carry the superseded session id.
func (r *Registry) Deliver(connectionID, sessionID string, fn func() error) (bool, error) {
	c := r.connection(connectionID)
	if c == nil || sessionID == "" {
		return false, nil
	}
	if c.currentID() != sessionID {
		return false, nil
	}
	return true, fn()
}

// Disconnect forgets the connection and stops its current session.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()
	if !ok {
		return
	}

	empty := ""
	cur := ""
	if p := c.current.Swap(&empty); p != nil {
		cur = *p
	}

	if cur != "" {
		r.Stop(cur)
	}
}

func (r *Registry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Lookup is Get with an error for unknown ids.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	if s := r.Get(sessionID); s != nil {
		return s, nil
	}
	return nil, errors.Wrap(ErrSessionNotFound, sessionID)
}

// Sessions returns every known session, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	r.pruneLocked()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) connection(connectionID string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[connectionID]
}

// pruneLocked drops terminal sessions older than the retention window that are
// no longer the current session of a connection.
func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, s := range r.sessions {
		st := s.State()
		if !st.Terminal() {
			continue
		}
		fin := s.FinishedAt()
		if fin.IsZero() || fin.After(cutoff) {
			continue
		}
		if c, ok := r.conns[s.ConnectionID]; ok && c.currentID() == id {
			continue
		}
		s.Release()
		delete(r.sessions, id)
	}
}
