// Package runlock serializes sync runs per administrator, across replicas
// when redis is configured and within the process otherwise.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrHeld = errors.New("sync already running for this account")
	// ErrLost means the lease expired or was taken over before Extend ran.
	ErrLost = errors.New("sync lock lost")
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	// Extend resets the expiry to ttl from now while the lease is still ours.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (Lease, error)
}

// Connect parses redisURL and pings the server.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisLocker holds one key per owner with SET NX PX and releases it only if
// the stored token is still ours.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "sync-lock:"}
}

func (l *RedisLocker) key(owner string) string {
	return l.prefix + owner
}

func (l *RedisLocker) Acquire(ctx context.Context, owner string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(owner), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: l.client, key: l.key(owner), token: token}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
	err    error
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend sync lock: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.err = fmt.Errorf("release sync lock: %w", err)
		}
	})
	return l.err
}

// LocalLocker is the in-process fallback. The ttl is ignored.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, owner string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[owner] {
		return nil, ErrHeld
	}
	l.held[owner] = true
	return &localLease{locker: l, owner: owner}, nil
}

type localLease struct {
	locker *LocalLocker
	owner  string
	once   sync.Once
}

func (l *localLease) Extend(context.Context, time.Duration) error {
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.owner)
		l.locker.mu.Unlock()
	})
	return nil
}
