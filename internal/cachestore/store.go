// Package cachestore adapts a key-value store with per-key expiry. It holds
// no business logic; every failure surfaces as an error matching
// domain.ErrCacheFailure so callers can degrade instead of failing.
package cachestore

import (
	"context"
	"fmt"
	"time"

	"chat-history/internal/domain"
)

// Store is the storage primitive consumed by the message cache layer.
// Implementations must be safe for concurrent use.
type Store interface {
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns found=false for an absent key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// RemainingTTL returns found=false for an absent key and a negative ttl
	// for a key without expiry.
	RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error)
	// RefreshTTL returns false when the key does not exist.
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

// Error describes a failed cache operation.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cachestore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cachestore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every cache error match domain.ErrCacheFailure.
func (e *Error) Is(target error) bool {
	return target == domain.ErrCacheFailure
}

func opError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// Healthy races a ping against deadline. A cache that does not answer in
// time is reported unhealthy even if the ping would eventually succeed.
func Healthy(ctx context.Context, s Store, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.Ping(ctx) }()

	select {
	case err := <-errc:
		return err == nil
	case <-ctx.Done():
		return false
	}
}
