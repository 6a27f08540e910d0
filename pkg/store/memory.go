package store

import (
	"sync"
	"time"
)

// MemoryStore is a keyed in-memory candidate store. Partial updates are
// read-modify-write under a per-key lock so concurrent writers to the same
// candidate serialize instead of clobbering each other.
type MemoryStore struct {
	mu         sync.Mutex
	candidates map[string]Candidate
	keyLocks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]Candidate),
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) AddCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.Identification] = c
}

func (s *MemoryStore) GetCandidate(id string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCandidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c)
	}
	return out
}

func (s *MemoryStore) UpdateCandidate(id string, fields Fields) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	c, ok := s.candidates[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	for k, v := range fields {
		switch k {
		case "name":
			if val, ok := v.(string); ok {
				c.Name = val
			}
		case "address":
			if val, ok := v.(string); ok {
				c.Address = val
			}
		case "phone":
			if val, ok := v.(string); ok {
				c.Phone = val
			}
		case "wallet_address":
			if val, ok := v.(string); ok {
				c.WalletAddress = val
			}
		case "summary":
			if val, ok := v.(string); ok {
				c.Summary = val
			}
		case "last_subsidy":
			switch val := v.(type) {
			case time.Time:
				c.LastSubsidy = &val
			case *time.Time:
				c.LastSubsidy = val
			}
		}
	}

	s.mu.Lock()
	s.candidates[id] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[id] = lock
	}
	return lock
}

var _ Store = (*MemoryStore)(nil)
