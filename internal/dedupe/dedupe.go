// Package dedupe remembers processed event ids so broker redeliveries do
// not trigger a second push.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

type Set interface {
	// Claim returns true the first time id is seen within the TTL.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a later redelivery is processed again.
	Release(ctx context.Context, id string) error
}

const keyPrefix = "event:"

type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		TTL:    ttl,
	}
}

func (r *Redis) Claim(ctx context.Context, id string) (bool, error) {
	return r.Client.SetNX(ctx, keyPrefix+id, 1, r.TTL).Result()
}

func (r *Redis) Release(ctx context.Context, id string) error {
	return r.Client.Del(ctx, keyPrefix+id).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

// Memory is an in-process Set for single-worker deployments and tests.
type Memory struct {
	TTL time.Duration
	Now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{TTL: ttl, seen: map[string]time.Time{}}
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]time.Time{}
	}
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.seen) > 10000 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	m.seen[id] = now.Add(m.TTL)
	return true, nil
}

func (m *Memory) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
	return nil
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
