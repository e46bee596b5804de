package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AndreLimaSa/locals/internal/core/observability"
	"github.com/AndreLimaSa/locals/internal/vote"
)

// Manager keeps at most capacity sessions; the least recently used one is
// closed when a new one would exceed it.
type Manager struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
	deps  Deps
}

func NewManager(capacity int, deps Deps) (*Manager, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	// record locks span sessions
	if deps.Locks == nil {
		deps.Locks = vote.NewLocks()
	}
	c, err := lru.NewWithEvict[string, *Session](capacity, func(_ string, s *Session) {
		s.Close()
		observability.IncSessionEvicted()
	})
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Manager{cache: c, deps: deps}, nil
}

const idBytes = 16

// NewID returns a random session id.
func NewID() string {
	var b [idBytes]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ValidID reports whether id has the shape NewID produces. Ids key stored
// credentials, so anything else is replaced with a fresh one.
func ValidID(id string) bool {
	if len(id) != 2*idBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Get returns the session for id, creating it when absent. An empty or
// malformed id gets a fresh server-issued one. created reports whether the
// caller should Init it.
func (m *Manager) Get(id string) (s *Session, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ValidID(id) {
		if s, ok := m.cache.Get(id); ok {
			return s, false
		}
	} else {
		id = NewID()
	}
	s = New(id, m.deps)
	m.cache.Add(id, s)
	observability.SetSessionsActive(m.cache.Len())
	return s, true
}

// Open returns an initialized session for id.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	s, _ := m.Get(id)
	if err := s.Init(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(id)
	observability.SetSessionsActive(m.cache.Len())
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	observability.SetSessionsActive(0)
}
