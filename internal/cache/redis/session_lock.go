package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes a lock key only if it still carries the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL of a lock key only if it still carries the
// caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// SessionLock guarantees a single running agent per prosumer resource type.
// Two agents trading for the same prosumer would race on the pool's free
// index and double-clear trades.
type SessionLock struct {
	rdb     *redis.Client
	release *redis.Script
	extend  *redis.Script
	logger  *slog.Logger
}

// NewSessionLock creates a SessionLock backed by the given Client.
func NewSessionLock(c *Client, logger *slog.Logger) *SessionLock {
	return &SessionLock{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
		extend:  redis.NewScript(extendLua),
		logger:  logger.With(slog.String("component", "session_lock")),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Claim acquires the session lock of the given experiment scope.
func (l *SessionLock) Claim(ctx context.Context, scope string, ttl time.Duration) (*Session, error) {
	return l.claim(ctx, "session:"+scope, ttl)
}

func (l *SessionLock) claim(ctx context.Context, key string, ttl time.Duration) (*Session, error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return &Session{lock: l, key: lk, token: token, ttl: ttl}, nil
}

// Session is a held lock.
type Session struct {
	lock     *SessionLock
	key      string
	token    string
	ttl      time.Duration
	released bool
}

// Keep extends the lock every third of its TTL until ctx is cancelled, then
// releases it. It returns an error wrapping domain.ErrLockHeld if the lock
// was lost in the meantime.
func (s *Session) Keep(ctx context.Context) error {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	defer s.Release()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.lock.extend.Run(ctx, s.lock.rdb, []string{s.key}, s.token, s.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.lock.logger.WarnContext(ctx, "session lock refresh failed",
					slog.String("key", s.key),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n == 0 {
				s.released = true
				return fmt.Errorf("redis: session %s lost: %w", s.key, domain.ErrLockHeld)
			}
		}
	}
}

// Release deletes the lock if it is still held by this session.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true

	// The caller's context is usually cancelled by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.release.Run(ctx, s.lock.rdb, []string{s.key}, s.token).Err(); err != nil {
		s.lock.logger.Warn("session lock release failed",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
	}
}
