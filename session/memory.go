package session

import (
	"sync"
	"time"

	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/types"
)

type memoryEntry struct {
	identity types.Identity
	expires  time.Time
}

// MemoryStore keeps sessions in process memory; they do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 3 * 24 * time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

func (s *MemoryStore) Create(identity types.Identity) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = memoryEntry{identity: identity, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Resolve(token string) (types.Identity, bool, error) {
	s.mu.RLock()
	entry, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return types.Identity{}, false, nil
	}
	return entry.identity, true, nil
}

func (s *MemoryStore) Invalidate(token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep() (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for token, entry := range s.sessions {
		if now.After(entry.expires) {
			delete(s.sessions, token)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }
