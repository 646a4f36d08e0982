package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"chat-history/internal/async"
)

type CacheWarmer interface {
	WarmCache(ctx context.Context, userID string) error
}

// SessionService hooks session start into the message cache.
type SessionService struct {
	warmer CacheWarmer
	runner *async.Runner
	logger *zap.Logger
}

func NewSessionService(w CacheWarmer, runner *async.Runner, logger *zap.Logger) (*SessionService, error) {
	if w == nil {
		return nil, errors.New("usecase: cache warmer must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: runner must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	return &SessionService{warmer: w, runner: runner, logger: logger}, nil
}

// OnLogin is called by the auth flow once credentials are verified. It
// preloads the user's recent history in the background and returns at once;
// warm-up errors are logged by the runner.
func (s *SessionService) OnLogin(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.logger.Warn("skipping cache warm-up", zap.String("reason", "empty user id"))
		return
	}
	s.runner.Go(ctx, "cache-warm", func(ctx context.Context) error {
		return s.warmer.WarmCache(ctx, userID)
	}, zap.String("user_id", userID))
}
