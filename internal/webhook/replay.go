package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// DefaultReplayTTL outlives every known provider retry window (days).
const DefaultReplayTTL = 7 * 24 * time.Hour

// ReplayStore remembers provider event ids to reject duplicate deliveries.
// SeenOrRecord is an atomic insert-if-absent: the first caller records the
// id and gets seen=false, every later caller gets seen=true.
type ReplayStore interface {
	SeenOrRecord(ctx context.Context, provider, eventID string, ttl time.Duration) (seen bool, err error)

	// Forget removes a record, compensating for a failed downstream publish
	// so the provider's retry is not mistaken for a duplicate.
	Forget(ctx context.Context, provider, eventID string) error
}

// RedisReplayStore backs the dedupe check with Redis SET NX so multiple
// gateway instances share one view of seen events.
type RedisReplayStore struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisReplayStore(rdb *redis.Client, keyPrefix string) *RedisReplayStore {
	if keyPrefix == "" {
		keyPrefix = "wh:evt:"
	}
	return &RedisReplayStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisReplayStore) key(provider, eventID string) string {
	return s.keyPrefix + provider + ":" + eventID
}

func (s *RedisReplayStore) SeenOrRecord(ctx context.Context, provider, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	set, err := s.rdb.SetNX(ctx, s.key(provider, eventID), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (s *RedisReplayStore) Forget(ctx context.Context, provider, eventID string) error {
	return s.rdb.Del(ctx, s.key(provider, eventID)).Err()
}

// MemoryReplayStore is the in-process implementation used in tests and
// single-instance deployments.
type MemoryReplayStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	seen  map[string]time.Time // key -> expiry
}

func NewMemoryReplayStore(clock clockwork.Clock) *MemoryReplayStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryReplayStore{clock: clock, seen: make(map[string]time.Time)}
}

func (s *MemoryReplayStore) SeenOrRecord(_ context.Context, provider, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	key := provider + ":" + eventID

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if exp, ok := s.seen[key]; ok && exp.After(now) {
		return true, nil
	}
	s.seen[key] = now.Add(ttl)
	return false, nil
}

func (s *MemoryReplayStore) Forget(_ context.Context, provider, eventID string) error {
	s.mu.Lock()
	delete(s.seen, provider+":"+eventID)
	s.mu.Unlock()
	return nil
}
