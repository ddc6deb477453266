// Package credstore persists the access/refresh credential pair across
// process restarts. Only the session controller writes to it.
package credstore

import (
	"fmt"
	"sync"

	"github.com/ehr/medidiag/internal/config"
)

// Slot names of the two persisted credentials.
const (
	AccessKey  = "access_token"
	RefreshKey = "refresh_token"
)

// Pair is the persisted credential pair.
type Pair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Empty reports whether no access credential is stored.
func (p Pair) Empty() bool { return p.Access == "" }

// Store is durable storage with two named slots.
type Store interface {
	Read() (Pair, error)
	Write(p Pair) error
	Clear() error
}

// New builds the backend selected by cfg.CredentialStore.
func New(cfg *config.Config) (Store, error) {
	switch cfg.CredentialStore {
	case config.StoreFile:
		return NewFileStore(cfg.CredentialPath), nil
	case config.StoreRedis:
		return NewRedisStore(cfg.RedisURL, cfg.RedisKeyPrefix)
	case config.StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.CredentialStore)
	}
}

// MemoryStore keeps credentials for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	pair Pair
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Read() (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryStore) Write(p Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = p
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{}
	return nil
}
