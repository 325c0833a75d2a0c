package auth

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/resilience"
)

// NonceStore tracks nonces seen within a bounded time window, rejecting
// reuse. A nonce is presented once by an agent and never revisited outside
// the window, so the store only needs to remember the window's worth of
// history.
type NonceStore interface {
	// Consume marks nonce as used. It returns a Replay error if nonce was
	// already consumed within the window.
	Consume(ctx context.Context, nonce string, window time.Duration) error
}

// MemoryNonceStore is the in-process NonceStore, suitable for a single
// gateway instance.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	// cleanupEvery bounds how often a Consume call pays for a full sweep.
	cleanupEvery int
	calls        int
}

// NewMemoryNonceStore builds an in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), cleanupEvery: 100}
}

func (s *MemoryNonceStore) Consume(ctx context.Context, nonce string, window time.Duration) error {
	if nonce == "" {
		return kernelerrors.InvalidInput("nonce", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls%s.cleanupEvery == 0 {
		s.sweep(window)
	}

	if seenAt, ok := s.seen[nonce]; ok && time.Since(seenAt) < window {
		return kernelerrors.Replay(nonce)
	}
	s.seen[nonce] = time.Now()
	return nil
}

func (s *MemoryNonceStore) sweep(window time.Duration) {
	now := time.Now()
	for n, t := range s.seen {
		if now.Sub(t) > window {
			delete(s.seen, n)
		}
	}
}

// Size reports the number of tracked nonces, for tests and metrics.
func (s *MemoryNonceStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisNonceStore is the distributed NonceStore for multi-process
// deployments, using SET NX with a TTL so the replay check and the
// expiry are a single atomic round trip. A circuit breaker guards the
// redis round trip: once redis starts failing, every elicitation-respond
// call would otherwise block for its own dial/command timeout, so after a
// run of failures the breaker trips and Consume fails fast with
// Unavailable until redis has had time to recover.
type RedisNonceStore struct {
	client  *redis.Client
	prefix  string
	breaker *resilience.CircuitBreaker
}

// NewRedisNonceStore wraps an existing redis client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{
		client:  client,
		prefix:  "bridge:nonce:",
		breaker: resilience.New(resilience.DefaultConfig()),
	}
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, window time.Duration) error {
	if nonce == "" {
		return kernelerrors.InvalidInput("nonce", "required")
	}

	var replayed bool
	err := s.breaker.Execute(ctx, func() error {
		ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, window).Result()
		if err != nil {
			return err
		}
		replayed = !ok
		return nil
	})
	if err == resilience.ErrCircuitOpen {
		return kernelerrors.Unavailable("nonce store circuit open")
	}
	if err != nil {
		return kernelerrors.Internal("nonce store unavailable", err)
	}
	if replayed {
		return kernelerrors.Replay(nonce)
	}
	return nil
}
