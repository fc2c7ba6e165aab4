// Package cache provides the shared cache used for draft orders, webhook
// idempotency, and short-lived processing locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
	// ErrLockHeld signals that another caller currently holds the processing
	// lock for the key.
	ErrLockHeld = errors.New("lock already held")
)

// Provider is the cache abstraction. TryLock must be atomic with respect to
// concurrent callers within the provider's scope: the memory provider covers a
// single process, the redis provider coordinates across instances.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TryLock(ctx context.Context, key string, ttl time.Duration) error
	Unlock(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider()
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

func DraftKey(draftID string) string {
	return fmt.Sprintf("draft:%s", draftID)
}

func DraftLockKey(draftID string) string {
	return fmt.Sprintf("draft:lock:%s", draftID)
}

func WebhookKey(source, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", source, eventID)
}
