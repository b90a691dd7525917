// Package breakclock records, per user, when the current break ends. While a
// break is running check-ins never interrupt the user.
package breakclock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Clock interface {
	// EndTime returns when the user's break ends, or the zero time if none
	// was ever started.
	EndTime(ctx context.Context, userID int64) (time.Time, error)
	Start(ctx context.Context, userID int64, until time.Time) error
}

// Active reports whether userID is on a break at now.
func Active(ctx context.Context, c Clock, userID int64, now time.Time) (bool, error) {
	end, err := c.EndTime(ctx, userID)
	if err != nil {
		return false, err
	}
	return end.After(now), nil
}

// Memory keeps break windows in-process (single instance only).
type Memory struct {
	mu   sync.Mutex
	ends map[int64]time.Time
}

func NewMemory() *Memory {
	return &Memory{ends: make(map[int64]time.Time)}
}

func (m *Memory) EndTime(ctx context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ends[userID], nil
}

func (m *Memory) Start(ctx context.Context, userID int64, until time.Time) error {
	m.mu.Lock()
	m.ends[userID] = until
	m.mu.Unlock()
	return nil
}

// Redis stores break windows with a TTL so every server instance sees them.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(addr, password string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}))
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "nudge:break:", now: time.Now}
}

func (r *Redis) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *Redis) EndTime(ctx context.Context, userID int64) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("breakclock: get: %w", err)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("breakclock: bad value %q: %w", raw, err)
	}
	return time.Unix(secs, 0), nil
}

func (r *Redis) Start(ctx context.Context, userID int64, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(userID)).Err()
	}
	// Whole seconds, rounded up.
	ttl = ttl.Truncate(time.Second) + time.Second
	return r.client.Set(ctx, r.key(userID), strconv.FormatInt(until.Unix(), 10), ttl).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
