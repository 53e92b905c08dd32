// Package redislock provides a cross-instance lock over Redis SET NX with a TTL.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 5 * time.Minute

var ErrInvalidConfig = errors.New("invalid redis lock config")

// releaseSource deletes the key only while it still holds the caller's owner token.
const releaseSource = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseScript = redis.NewScript(releaseSource)

// commandStore is the subset of Redis commands the lock needs.
type commandStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, owner string) (bool, error)
}

// Client adapts a go-redis client to the command results the lock consumes.
type Client struct {
	store *redis.Client
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, rawURL string) (*Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	store := redis.NewClient(options)
	if err := store.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{store: store}, nil
}

func (client *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return client.store.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete removes key in one server-side step when its value equals owner.
func (client *Client) CompareAndDelete(ctx context.Context, key string, owner string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, client.store, []string{key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// Close releases the connection pool.
func (client *Client) Close() error {
	return client.store.Close()
}

// Lock is owned by at most one holder across every process sharing the Redis key. The TTL bounds how
// long a crashed holder can block others.
type Lock struct {
	client commandStore
	key    string
	ttl    time.Duration

	mutex sync.Mutex
	owner string
}

// New constructs a Lock. A non-positive ttl uses the default.
func New(client commandStore, key string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: lock key is required", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Lock{client: client, key: key, ttl: ttl}, nil
}

// Acquire tries to own the lock for the TTL.
func (lock *Lock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	acquired, err := lock.client.SetNX(ctx, lock.key, owner, lock.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if acquired {
		lock.mutex.Lock()
		lock.owner = owner
		lock.mutex.Unlock()
	}
	return acquired, nil
}

// Release deletes the key only while this holder still owns it.
func (lock *Lock) Release(ctx context.Context) error {
	lock.mutex.Lock()
	owner := lock.owner
	lock.owner = ""
	lock.mutex.Unlock()
	if owner == "" {
		return nil
	}
	if _, err := lock.client.CompareAndDelete(ctx, lock.key, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
