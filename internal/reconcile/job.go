// Package reconcile copies cache-only messages into the durable store before
// their cached list expires.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-history/internal/cachestore"
	"chat-history/internal/domain"
	"chat-history/internal/metrics"
	"chat-history/internal/repository"
)

const (
	defaultInterval    = 300 * time.Second
	defaultThreshold   = 300 * time.Second
	defaultConcurrency = 4
)

type durableStore interface {
	Create(ctx context.Context, msg domain.Message) (domain.Message, error)
	UserMessageIDs(ctx context.Context, userID string) (map[string]struct{}, error)
}

// Config controls the reconciliation schedule.
type Config struct {
	// Interval between two passes.
	Interval time.Duration
	// Threshold selects lists whose remaining TTL is at or below it.
	Threshold time.Duration
	// Concurrency bounds the users reconciled in parallel.
	Concurrency int
	// RunOnStart runs one pass as soon as the job starts.
	RunOnStart bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Report summarizes one pass.
type Report struct {
	Scanned    int
	Candidates int
	Inserted   int
	// Failures holds the error of every user that could not be reconciled.
	// Those users stay candidates for the next pass.
	Failures map[string]error
}

// Job periodically reconciles cached lists that are about to expire. A pass
// is never cancelled midway; Stop only prevents future passes.
type Job struct {
	store   durableStore
	cache   cachestore.Store
	logger  *zap.Logger
	metrics *metrics.Collector
	cfg     Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// pass serializes scheduled passes with TriggerSyncNow.
	pass sync.Mutex
}

// NewJob returns a stopped Job. m may be nil.
func NewJob(store durableStore, cache cachestore.Store, logger *zap.Logger, m *metrics.Collector, cfg Config) (*Job, error) {
	if store == nil {
		return nil, errors.New("reconcile: store must not be nil")
	}
	if cache == nil {
		return nil, errors.New("reconcile: cache must not be nil")
	}
	if logger == nil {
		return nil, errors.New("reconcile: logger must not be nil")
	}
	return &Job{
		store:   store,
		cache:   cache,
		logger:  logger,
		metrics: m,
		cfg:     cfg.withDefaults(),
	}, nil
}

// Start schedules passes every Interval until Stop is called or ctx is done.
// Starting a running job is a no-op.
func (j *Job) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile: Start: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	j.running = true
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	go j.loop(ctx, j.stop, j.done)

	j.logger.Info("reconcile job started",
		zap.Duration("interval", j.cfg.Interval),
		zap.Duration("threshold", j.cfg.Threshold),
		zap.Int("concurrency", j.cfg.Concurrency))
	return nil
}

// Stop prevents further passes and waits for an in-flight one to finish.
// Stopping a stopped job is a no-op.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stop)
	done := j.done
	j.mu.Unlock()

	<-done
	j.logger.Info("reconcile job stopped")
}

// Running reports whether passes are scheduled.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// TriggerSyncNow runs one pass synchronously. The error is set only when the
// key scan fails; per-user failures are in the report.
func (j *Job) TriggerSyncNow(ctx context.Context) (Report, error) {
	j.pass.Lock()
	defer j.pass.Unlock()
	return j.sync(ctx)
}

func (j *Job) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	// A pass started before Stop runs to completion.
	passCtx := context.WithoutCancel(ctx)
	tick := func() {
		if _, err := j.TriggerSyncNow(passCtx); err != nil {
			j.logger.Error("reconcile pass failed", zap.Error(err))
		}
	}
	if j.cfg.RunOnStart {
		tick()
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			if j.stop == stop {
				j.running = false
			}
			j.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (j *Job) sync(ctx context.Context) (Report, error) {
	report := Report{Failures: make(map[string]error)}
	keys, err := j.cache.KeysByPrefix(ctx, repository.MessageCachePrefix)
	if err != nil {
		j.metrics.SyncRun(0, 0, 0, err)
		return report, fmt.Errorf("reconcile: scan: %w", err)
	}
	report.Scanned = len(keys)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(j.cfg.Concurrency)
	for _, key := range keys {
		key := key // per-iteration copy for go < 1.22 loop semantics
		userID, ok := repository.UserIDFromCacheKey(key)
		if !ok {
			continue
		}
		g.Go(func() error {
			candidate, inserted, err := j.reconcileKey(ctx, key, userID)
			mu.Lock()
			defer mu.Unlock()
			if candidate {
				report.Candidates++
			}
			report.Inserted += inserted
			if err != nil {
				report.Failures[userID] = err
				j.logger.Warn("reconcile user failed",
					zap.String("user_id", userID),
					zap.Int("inserted", inserted),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	j.metrics.SyncRun(report.Candidates, report.Inserted, len(report.Failures), nil)
	j.logger.Info("reconcile pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("candidates", report.Candidates),
		zap.Int("inserted", report.Inserted),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// reconcileKey inserts the cached messages of one near-expiry list that the
// durable store does not have.
func (j *Job) reconcileKey(ctx context.Context, key, userID string) (bool, int, error) {
	ttl, found, err := j.cache.RemainingTTL(ctx, key)
	if err != nil {
		return false, 0, err
	}
	// ttl < 0 is a key without expiry; it never becomes a candidate.
	if !found || ttl < 0 || ttl > j.cfg.Threshold {
		return false, 0, nil
	}

	b, found, err := j.cache.Get(ctx, key)
	if err != nil {
		return true, 0, err
	}
	if !found {
		return true, 0, nil
	}
	cached, err := repository.DecodeCachedList(b)
	if err != nil {
		return true, 0, err
	}

	durable, err := j.store.UserMessageIDs(ctx, userID)
	if err != nil {
		return true, 0, err
	}

	inserted := 0
	var errs []error
	for _, msg := range cached {
		if msg.ID == "" {
			continue
		}
		if _, ok := durable[msg.ID]; ok {
			continue
		}
		if _, err := j.store.Create(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		inserted++
	}
	return true, inserted, errors.Join(errs...)
}
