package cachestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-history/internal/domain"
)

// stubStore answers every call with err after an optional delay.
type stubStore struct {
	err   error
	delay time.Duration
	calls int
}

func (s *stubStore) wait(ctx context.Context) error {
	s.calls++
	if s.delay == 0 {
		return s.err
	}
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubStore) SetWithExpiry(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	return s.wait(ctx)
}

func (s *stubStore) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	if err := s.wait(ctx); err != nil {
		return nil, false, err
	}
	return []byte("v"), true, nil
}

func (s *stubStore) Delete(ctx context.Context, _ string) error { return s.wait(ctx) }

func (s *stubStore) RemainingTTL(ctx context.Context, _ string) (time.Duration, bool, error) {
	if err := s.wait(ctx); err != nil {
		return 0, false, err
	}
	return time.Minute, true, nil
}

func (s *stubStore) RefreshTTL(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *stubStore) KeysByPrefix(ctx context.Context, _ string) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return []string{"a"}, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return s.wait(ctx) }

func TestError_MatchesCacheFailure(t *testing.T) {
	cause := errors.New("boom")
	err := opError("get", "k", cause)
	require.ErrorIs(t, err, domain.ErrCacheFailure)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, domain.ErrStoreFailure)
	require.Equal(t, `cachestore: get "k": boom`, err.Error())
}

func TestOpError_NilPassesThrough(t *testing.T) {
	require.NoError(t, opError("get", "k", nil))
}

func TestHealthy(t *testing.T) {
	require.True(t, Healthy(context.Background(), &stubStore{}, 50*time.Millisecond))
	require.False(t, Healthy(context.Background(), &stubStore{err: errors.New("down")}, 50*time.Millisecond))
}

func TestHealthy_SlowPingLosesRace(t *testing.T) {
	slow := &stubStore{delay: time.Second}
	start := time.Now()
	require.False(t, Healthy(context.Background(), slow, 20*time.Millisecond))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
