package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chat-history/internal/async"
	"chat-history/internal/cachestore"
	"chat-history/internal/domain"
	"chat-history/internal/metrics"
)

const (
	defaultCacheTTL       = 1200 * time.Second
	defaultMaxCached      = 100
	defaultHealthDeadline = 200 * time.Millisecond
	defaultLoadTimeout    = 5 * time.Second
)

// CacheConfig controls the per-user message cache.
type CacheConfig struct {
	// TTL is the standard window set on every write and refreshed on every hit.
	TTL time.Duration
	// MaxMessages bounds a cached list to the most recent entries.
	MaxMessages int
	// WarmWindow is the number of durable messages loaded at login.
	WarmWindow int
	// HealthDeadline bounds the cache probe of CacheHealthy.
	HealthDeadline time.Duration
	// LoadTimeout bounds the durable read shared by concurrent misses.
	LoadTimeout time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = defaultCacheTTL
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = defaultMaxCached
	}
	if c.WarmWindow <= 0 {
		c.WarmWindow = c.MaxMessages
	}
	if c.HealthDeadline <= 0 {
		c.HealthDeadline = defaultHealthDeadline
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	return c
}

// CacheAside serves per-user history from the cache and keeps the durable
// store authoritative. Durable writes happen first and decide success; cache
// maintenance is best-effort and never fails a request.
//
// Cached list updates are read-modify-write without locking: two concurrent
// writers for one user race and the last write wins. The durable store is not
// affected and reconciliation only compares ids.
type CacheAside struct {
	store   MessageRepository
	cache   cachestore.Store
	runner  *async.Runner
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	cfg     CacheConfig
	group   singleflight.Group
}

type Option func(*CacheAside)

func WithMetrics(m *metrics.Collector) Option {
	return func(r *CacheAside) {
		r.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *CacheAside) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewCacheAside fronts store with cache. Background cache writes run on
// runner.
func NewCacheAside(store MessageRepository, cache cachestore.Store, runner *async.Runner, logger *zap.Logger, cfg CacheConfig, opts ...Option) (*CacheAside, error) {
	if store == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	if cache == nil {
		return nil, errors.New("repository: cache must not be nil")
	}
	if runner == nil {
		return nil, errors.New("repository: runner must not be nil")
	}
	if logger == nil {
		return nil, errors.New("repository: logger must not be nil")
	}
	r := &CacheAside{
		store:  store,
		cache:  cache,
		runner: runner,
		logger: logger,
		tracer: otel.Tracer("chat-history/internal/repository"),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewMessageRepository picks the repository variant once at startup: durable
// only when cache is nil, cache-aside otherwise.
func NewMessageRepository(store *Client, cache cachestore.Store, runner *async.Runner, logger *zap.Logger, cfg CacheConfig, opts ...Option) (Repository, error) {
	if store == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	if cache == nil {
		return DurableOnly(store), nil
	}
	r, err := NewCacheAside(store, cache, runner, logger, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists msg durably, then appends it to the owner's cached list in
// the background.
func (r *CacheAside) Create(ctx context.Context, msg domain.Message) (domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "CacheAside.Create",
		trace.WithAttributes(attribute.String("user.id", msg.UserID)))
	defer span.End()

	created, err := r.store.Create(ctx, msg)
	if err != nil {
		recordSpanError(span, err)
		return domain.Message{}, err
	}
	r.runner.Go(ctx, "cache-append", func(ctx context.Context) error {
		return r.appendCached(ctx, created)
	}, zap.String("user_id", created.UserID), zap.String("message_id", created.ID))
	return created, nil
}

// FindByID is served by the durable store; the cache is keyed by user.
func (r *CacheAside) FindByID(ctx context.Context, id string) (domain.Message, error) {
	return r.store.FindByID(ctx, id)
}

// FindByConversation is served by the durable store.
func (r *CacheAside) FindByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	return r.store.FindByConversation(ctx, conversationID, limit)
}

// FindByUser returns the last limit messages of a user, oldest first. A hit
// slides the cache expiry; a miss or any cache error reads durably and
// populates the cache with the result.
func (r *CacheAside) FindByUser(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "CacheAside.FindByUser",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int("limit", limit)))
	defer span.End()

	if limit <= 0 {
		return []domain.Message{}, nil
	}
	key := MessageCacheKey(userID)

	cached, found, err := r.getList(ctx, key)
	if err != nil {
		r.cacheFailed("get", key, err)
	}
	if found {
		r.metrics.Hit()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		r.runner.Go(ctx, "cache-refresh-ttl", func(ctx context.Context) error {
			_, err := r.cache.RefreshTTL(ctx, key, r.cfg.TTL)
			return err
		}, zap.String("user_id", userID))
		return tail(cached, limit), nil
	}

	r.metrics.Miss()
	span.SetAttributes(attribute.Bool("cache.hit", false))
	// The shared read must not inherit one caller's cancellation; each caller
	// stops waiting on its own context instead.
	ch := r.group.DoChan(userID+"|"+strconv.Itoa(limit), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LoadTimeout)
		defer cancel()
		msgs, err := r.store.FindByUser(loadCtx, userID, limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			snapshot := tail(msgs, len(msgs))
			r.runner.Go(loadCtx, "cache-populate", func(ctx context.Context) error {
				return r.writeList(ctx, key, snapshot)
			}, zap.String("user_id", userID))
		}
		return msgs, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		recordSpanError(span, ctx.Err())
		return nil, ctx.Err()
	}
	if res.Err != nil {
		recordSpanError(span, res.Err)
		return nil, res.Err
	}
	msgs := res.Val.([]domain.Message)
	return tail(msgs, len(msgs)), nil
}

// Update changes the durable message and rewrites its cached copy.
func (r *CacheAside) Update(ctx context.Context, id string, upd domain.MessageUpdate) (domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "CacheAside.Update",
		trace.WithAttributes(attribute.String("message.id", id)))
	defer span.End()

	updated, err := r.store.Update(ctx, id, upd)
	if err != nil {
		recordSpanError(span, err)
		return domain.Message{}, err
	}
	r.rewriteCached(ctx, "update", updated.UserID, func(list []domain.Message) ([]domain.Message, bool) {
		i := indexOf(list, id)
		if i < 0 {
			return list, false
		}
		list[i] = updated
		return list, true
	})
	return updated, nil
}

// Delete removes the message from the owner's cached list before deleting it
// durably, so reconciliation cannot copy it back.
func (r *CacheAside) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "CacheAside.Delete",
		trace.WithAttributes(attribute.String("message.id", id)))
	defer span.End()

	msg, err := r.store.FindByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	r.rewriteCached(ctx, "delete", msg.UserID, func(list []domain.Message) ([]domain.Message, bool) {
		i := indexOf(list, id)
		if i < 0 {
			return list, false
		}
		return append(list[:i], list[i+1:]...), true
	})

	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	return deleted, nil
}

// WarmCache overwrites the user's cached list with the most recent durable
// messages. Callers run it detached at login.
func (r *CacheAside) WarmCache(ctx context.Context, userID string) error {
	ctx, span := r.tracer.Start(ctx, "CacheAside.WarmCache",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	msgs, err := r.store.FindByUser(ctx, userID, r.cfg.WarmWindow)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("repository: WarmCache: %w", err)
	}
	if err := r.writeList(ctx, MessageCacheKey(userID), msgs); err != nil {
		r.metrics.CacheError("warm")
		recordSpanError(span, err)
		return fmt.Errorf("repository: WarmCache: %w", err)
	}
	return nil
}

// CacheHealthy probes the cache within the configured deadline.
func (r *CacheAside) CacheHealthy(ctx context.Context) bool {
	return cachestore.Healthy(ctx, r.cache, r.cfg.HealthDeadline)
}

// appendCached adds msg to the owner's cached list. A missing list is seeded
// from the store of record instead of starting with msg alone, which would
// hide older history from the next read.
func (r *CacheAside) appendCached(ctx context.Context, msg domain.Message) error {
	key := MessageCacheKey(msg.UserID)
	list, found, err := r.getList(ctx, key)
	if err != nil {
		r.metrics.CacheError("append")
		return err
	}
	if !found {
		list, err = r.store.FindByUser(ctx, msg.UserID, r.cfg.MaxMessages)
		if err != nil {
			return fmt.Errorf("repository: seed cached list: %w", err)
		}
	}
	// The user index is eventually consistent and may not list msg yet.
	if i := indexOf(list, msg.ID); i >= 0 {
		list[i] = msg
	} else {
		list = append(list, msg)
	}
	if err := r.writeList(ctx, key, list); err != nil {
		r.metrics.CacheError("append")
		return err
	}
	return nil
}

// rewriteCached applies fn to the user's cached list when one exists. If the
// cache cannot be read or written the key is dropped so no stale copy
// survives.
func (r *CacheAside) rewriteCached(ctx context.Context, op, userID string, fn func([]domain.Message) ([]domain.Message, bool)) {
	key := MessageCacheKey(userID)
	list, found, err := r.getList(ctx, key)
	if err == nil {
		if !found {
			return
		}
		next, changed := fn(list)
		if !changed {
			return
		}
		if err = r.writeList(ctx, key, next); err == nil {
			return
		}
	}
	r.cacheFailed(op, key, err)
	if err := r.cache.Delete(ctx, key); err != nil {
		r.cacheFailed("invalidate", key, err)
	}
}

func (r *CacheAside) getList(ctx context.Context, key string) ([]domain.Message, bool, error) {
	b, found, err := r.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	list, err := DecodeCachedList(b)
	if err != nil {
		return nil, false, &cachestore.Error{Op: "decode", Key: key, Err: err}
	}
	return list, true, nil
}

func (r *CacheAside) writeList(ctx context.Context, key string, list []domain.Message) error {
	b, err := EncodeCachedList(tail(list, r.cfg.MaxMessages))
	if err != nil {
		return &cachestore.Error{Op: "encode", Key: key, Err: err}
	}
	return r.cache.SetWithExpiry(ctx, key, b, r.cfg.TTL)
}

func (r *CacheAside) cacheFailed(op, key string, err error) {
	r.metrics.CacheError(op)
	r.logger.Warn("message cache degraded",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
