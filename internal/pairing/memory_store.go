package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MaxPendingPerOwner caps live codes per desktop user; the oldest is evicted beyond it.
	MaxPendingPerOwner = 3
	// consumedTombstones is how many consumed codes are remembered to report "already used".
	consumedTombstones = 1024
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	pending  map[string]*Code
	consumed *lru.Cache[string, time.Time]
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	consumed, _ := lru.New[string, time.Time](consumedTombstones)
	return &MemoryStore{
		pending:  make(map[string]*Code),
		consumed: consumed,
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, owner Owner, ttl time.Duration) (*Code, error) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneExpired(now)
	s.evictOldest(owner.UserID)

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		if _, taken := s.pending[code]; taken {
			continue
		}
		if s.consumed.Contains(code) {
			continue
		}

		c := &Code{
			Code:      code,
			Owner:     owner,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		s.pending[code] = c

		slog.Info("pairing code generated", "code", code, "owner", owner.UserID)
		out := *c
		return &out, nil
	}
	return nil, fmt.Errorf("pairing: no free code after %d attempts", maxCreateAttempts)
}

func (s *MemoryStore) Get(_ context.Context, code string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpired(s.now())
	c, ok := s.pending[code]
	if !ok {
		return nil, s.missing(code)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) Consume(_ context.Context, code string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneExpired(now)
	c, ok := s.pending[code]
	if !ok {
		return nil, s.missing(code)
	}
	delete(s.pending, code)
	s.consumed.Add(code, now)

	slog.Info("pairing code consumed", "code", code, "owner", c.Owner.UserID)
	return c, nil
}

func (s *MemoryStore) Revoke(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.pending[code]; ok {
		delete(s.pending, code)
		slog.Info("pairing code revoked", "code", code, "owner", c.Owner.UserID)
	}
	return nil
}

// Pending returns the number of live codes.
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpired(s.now())
	return len(s.pending)
}

// --- Internal ---

func (s *MemoryStore) missing(code string) error {
	if s.consumed.Contains(code) {
		return ErrCodeConsumed
	}
	return ErrCodeNotFound
}

func (s *MemoryStore) pruneExpired(now time.Time) {
	for code, c := range s.pending {
		if c.Expired(now) {
			delete(s.pending, code)
		}
	}
}

// evictOldest drops the owner's oldest codes until there is room for one more.
func (s *MemoryStore) evictOldest(userID string) {
	for {
		var oldest *Code
		count := 0
		for _, c := range s.pending {
			if c.Owner.UserID != userID {
				continue
			}
			count++
			if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
				oldest = c
			}
		}
		if count < MaxPendingPerOwner || oldest == nil {
			return
		}
		delete(s.pending, oldest.Code)
		slog.Debug("pairing code superseded", "code", oldest.Code, "owner", userID)
	}
}
