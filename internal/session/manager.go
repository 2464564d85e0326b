package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	mu       sync.Mutex
	session  Session
	lastSeen atomic.Int64
	gone     atomic.Bool
}

// Manager maps opaque tokens to sessions. Each session has its own lock, so
// a slow operation on one player (a durable lesson, say) never holds up
// another.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry

	timeout time.Duration
	now     func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a manager expiring sessions idle for longer than
// timeout. A zero timeout never expires them.
func NewManager(timeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*entry),
		timeout:  timeout,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewID returns a fresh random session token.
func NewID() string {
	return uuid.NewString()
}

func (m *Manager) lookup(id string, create bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[id]; ok {
		return e
	}
	if !create {
		return nil
	}

	now := m.now()
	e := &entry{session: Session{ID: id, State: StateStart, CreatedAt: now, LastActive: now}}
	e.lastSeen.Store(now.UnixNano())
	m.sessions[id] = e

	return e
}

func (m *Manager) drop(id string, e *entry) {
	e.gone.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[id] == e {
		delete(m.sessions, id)
	}
}

// Update runs fn on a copy of the session and keeps the copy only if fn
// succeeds. With create set, an unknown token starts a new session;
// otherwise it fails with ErrNoSession. Sessions reaching DONE are dropped.
func (m *Manager) Update(id string, create bool, fn func(s *Session) error) (Session, error) {
	for {
		e := m.lookup(id, create)
		if e == nil {
			return Session{}, ErrNoSession
		}

		e.mu.Lock()
		if e.gone.Load() {
			// Expired or finished while we waited; look again.
			e.mu.Unlock()
			continue
		}

		s := e.session
		if err := fn(&s); err != nil {
			current := e.session
			e.mu.Unlock()
			return current, err
		}

		now := m.now()
		s.LastActive = now
		e.lastSeen.Store(now.UnixNano())

		if s.State == StateDone {
			e.mu.Unlock()
			m.drop(id, e)
			return s, nil
		}

		e.session = s
		e.mu.Unlock()

		return s, nil
	}
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, bool) {
	e := m.lookup(id, false)
	if e == nil {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone.Load() {
		return Session{}, false
	}

	return e.session, true
}

// Delete discards a session; the next Update with create starts over.
func (m *Manager) Delete(id string) {
	if e := m.lookup(id, false); e != nil {
		m.drop(id, e)
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// Reap drops sessions idle for longer than the timeout and returns how many.
func (m *Manager) Reap() int {
	if m.timeout <= 0 {
		return 0
	}

	cutoff := m.now().Add(-m.timeout).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, e := range m.sessions {
		if e.lastSeen.Load() < cutoff {
			e.gone.Store(true)
			delete(m.sessions, id)
			reaped++
		}
	}

	return reaped
}

// Run reaps idle sessions every half timeout until ctx is done. onReap, if
// set, is told how many sessions each pass removed.
func (m *Manager) Run(ctx context.Context, onReap func(n int)) {
	if m.timeout <= 0 {
		return
	}

	ticker := time.NewTicker(m.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}
