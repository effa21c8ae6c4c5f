package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"perpy/internal/domain"
)

type memoryEntry struct {
	session   domain.Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. A session expires ttl after
// its first round.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) (*MemoryStore, error) {
	if ttl <= 0 {
		return nil, errors.New("repository: session ttl must be positive")
	}
	cleanup := ttl / 6
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &MemoryStore{
		cache: cache.New(ttl, cleanup),
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Session{}, errors.New("repository: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.get(sessionID)
	if !ok {
		return domain.NewSession(sessionID), nil
	}
	return cloneSession(entry.session), nil
}

func (m *MemoryStore) AppendRound(_ context.Context, sessionID string, expectedIndex int, question, answer string, passages []domain.Passage) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.get(sessionID)
	if !ok {
		entry = memoryEntry{session: domain.NewSession(sessionID), expiresAt: m.now().Add(m.ttl)}
	}
	if entry.session.Len() != expectedIndex {
		return fmt.Errorf("repository: append round %d to session with %d rounds: %w",
			expectedIndex, entry.session.Len(), domain.ErrRoundConflict)
	}
	next := cloneSession(entry.session)
	next.Append(question, answer, passages)
	entry.session = next

	remaining := entry.expiresAt.Sub(m.now())
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	m.cache.Set(sessionID, entry, remaining)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(sessionID)
	return nil
}

func (m *MemoryStore) get(sessionID string) (memoryEntry, bool) {
	x, found := m.cache.Get(sessionID)
	if !found {
		return memoryEntry{}, false
	}
	entry, ok := x.(memoryEntry)
	if !ok || !m.now().Before(entry.expiresAt) {
		return memoryEntry{}, false
	}
	return entry, true
}
