package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker in front of the cache.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig trips after half of at least ten calls fail and probes
// again after fifteen seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "message-cache",
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      10,
	}
}

// Breaker fails cache calls fast while the underlying store keeps failing.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker. State changes are logged.
func NewBreaker(next Store, cfg BreakerConfig, logger *zap.Logger) (*Breaker, error) {
	if next == nil {
		return nil, errors.New("cachestore: store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("cachestore: logger must not be nil")
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}, nil
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) do(op, key string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, opError(op, key, err)
	}
	return v, err
}

func (b *Breaker) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.do("set", key, func() (any, error) {
		return nil, b.next.SetWithExpiry(ctx, key, value, ttl)
	})
	return err
}

type getResult struct {
	value []byte
	found bool
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.do("get", key, func() (any, error) {
		value, found, err := b.next.Get(ctx, key)
		return getResult{value: value, found: found}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(getResult)
	return r.value, r.found, nil
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	_, err := b.do("delete", key, func() (any, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return err
}

type ttlResult struct {
	ttl   time.Duration
	found bool
}

func (b *Breaker) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	v, err := b.do("ttl", key, func() (any, error) {
		ttl, found, err := b.next.RemainingTTL(ctx, key)
		return ttlResult{ttl: ttl, found: found}, err
	})
	if err != nil {
		return 0, false, err
	}
	r := v.(ttlResult)
	return r.ttl, r.found, nil
}

func (b *Breaker) RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	v, err := b.do("expire", key, func() (any, error) {
		return b.next.RefreshTTL(ctx, key, ttl)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.do("scan", prefix, func() (any, error) {
		return b.next.KeysByPrefix(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *Breaker) Ping(ctx context.Context) error {
	_, err := b.do("ping", "", func() (any, error) {
		return nil, b.next.Ping(ctx)
	})
	return err
}
