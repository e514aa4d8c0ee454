// Package dedupe remembers which event ids were already admitted so a
// redelivered webhook can be acknowledged without being processed twice.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 100_000
	keyPrefix         = "payhook:event:"
)

var ErrEmptyID = errors.New("dedupe: event id is required")

// Ledger claims event ids. Claim reports false when the id was already
// claimed and has not expired. Release forgets a claim so a later delivery
// of the same id is admitted again.
type Ledger interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
	Ping(ctx context.Context) error
}

// Memory is a process-local ledger with expiring entries and a capacity
// bound. When full, the entry closest to expiry is evicted.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]time.Time
	now        func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		now:        time.Now,
	}
}

func (m *Memory) Claim(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEmptyID
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.entries[eventID]; ok {
		if now.Before(exp) {
			return false, nil
		}
		delete(m.entries, eventID)
	}
	if len(m.entries) >= m.maxEntries {
		m.pruneLocked(now)
	}
	for len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[eventID] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	delete(m.entries, strings.TrimSpace(eventID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of live and not yet pruned entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) pruneLocked(now time.Time) {
	for id, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, id)
		}
	}
}

func (m *Memory) evictLocked() {
	var (
		oldest string
		at     time.Time
	)
	for id, exp := range m.entries {
		if oldest == "" || exp.Before(at) {
			oldest, at = id, exp
		}
	}
	delete(m.entries, oldest)
}

// Commands is the subset of *redis.Client the Redis ledger needs.
type Commands interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis shares claims between replicas with SET NX and a TTL.
type Redis struct {
	client Commands
	ttl    time.Duration
}

func NewRedis(client Commands, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// NewRedisClient builds a go-redis client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func Key(eventID string) string {
	return keyPrefix + eventID
}

func (r *Redis) Claim(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEmptyID
	}
	ok, err := r.client.SetNX(ctx, Key(eventID), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, Key(strings.TrimSpace(eventID))).Err(); err != nil {
		return fmt.Errorf("release %s: %w", eventID, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
