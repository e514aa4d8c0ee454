package transaction

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type record struct {
	mu sync.Mutex
	tx Transaction
}

// MemoryStore keeps transactions in process memory. The map lock only guards
// membership; each record has its own mutex so transitions on different ids
// never wait on each other.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, id string, amount decimal.Decimal, userID string, metadata map[string]any) (Transaction, error) {
	if err := validateCreate(id, amount, userID); err != nil {
		return Transaction{}, err
	}

	now := s.now().UTC()
	tx := Transaction{
		ID:        id,
		Amount:    amount,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  maps.Clone(metadata),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return Transaction{}, ErrAlreadyExists
	}
	s.records[id] = &record{tx: tx}
	return tx.clone(), nil
}

func (s *MemoryStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return Transaction{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.tx.clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to Status) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	rec, ok := s.lookup(id)
	if !ok {
		return Transaction{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	changed, err := checkTransition(rec.tx, to)
	if err != nil {
		return Transaction{}, err
	}
	if changed {
		rec.tx.Status = to
		rec.tx.UpdatedAt = advance(rec.tx.UpdatedAt, s.now().UTC())
	}
	return rec.tx.clone(), nil
}

// Len returns the number of stored transactions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping always succeeds; it lets the memory store stand in for health checks.
func (s *MemoryStore) Ping(context.Context) error { return nil }
