package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-history/internal/cachestore"
	"chat-history/internal/domain"
)

// memStore is an in-memory MessageRepository that counts durable reads.
type memStore struct {
	mu         sync.Mutex
	msgs       map[string]domain.Message
	seq        int
	clock      time.Time
	userReads  int
	failWrites error
	// readGate, when set, holds FindByUser until closed or ctx is done.
	readGate    chan struct{}
	readStarted chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		msgs:  make(map[string]domain.Message),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) Create(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return domain.Message{}, s.failWrites
	}
	if msg.ID == "" {
		s.seq++
		msg.ID = fmt.Sprintf("gen-%d", s.seq)
	}
	if _, ok := s.msgs[msg.ID]; ok {
		return domain.Message{}, domain.ErrConflict
	}
	if msg.CreatedAt.IsZero() {
		s.clock = s.clock.Add(time.Second)
		msg.CreatedAt = s.clock
	}
	s.msgs[msg.ID] = msg
	return msg, nil
}

func (s *memStore) FindByID(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (s *memStore) recent(match func(domain.Message) bool, limit int) []domain.Message {
	var out []domain.Message
	for _, m := range s.msgs {
		if match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *memStore) FindByConversation(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent(func(m domain.Message) bool { return m.ConversationID == conversationID }, limit), nil
}

func (s *memStore) FindByUser(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	if s.readGate != nil {
		s.readStarted <- struct{}{}
		select {
		case <-s.readGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userReads++
	return s.recent(func(m domain.Message) bool { return m.UserID == userID }, limit), nil
}

func (s *memStore) Update(_ context.Context, id string, upd domain.MessageUpdate) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	msg = applyUpdate(msg, upd)
	s.msgs[id] = msg
	return msg, nil
}

func applyUpdate(m domain.Message, upd domain.MessageUpdate) domain.Message {
	if upd.Content != nil {
		m.Content = *upd.Content
	}
	if upd.Type != nil {
		m.Type = *upd.Type
	}
	if upd.Metadata != nil {
		m.Metadata = upd.Metadata
	}
	return m
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.msgs[id]
	delete(s.msgs, id)
	return ok, nil
}

func (s *memStore) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userReads
}

// memCache is an in-memory cachestore.Store. TTLs do not decay on their own;
// tests set them explicitly.
type memCache struct {
	mu   sync.Mutex
	vals map[string][]byte
	ttls map[string]time.Duration
	fail error
}

func newMemCache() *memCache {
	return &memCache{vals: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *memCache) failure(op, key string) error {
	if c.fail == nil {
		return nil
	}
	return &cachestore.Error{Op: op, Key: key, Err: c.fail}
}

func (c *memCache) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("set", key); err != nil {
		return err
	}
	c.vals[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("get", key); err != nil {
		return nil, false, err
	}
	v, ok := c.vals[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("delete", key); err != nil {
		return err
	}
	delete(c.vals, key)
	delete(c.ttls, key)
	return nil
}

func (c *memCache) RemainingTTL(_ context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("ttl", key); err != nil {
		return 0, false, err
	}
	ttl, ok := c.ttls[key]
	return ttl, ok, nil
}

func (c *memCache) RefreshTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("expire", key); err != nil {
		return false, err
	}
	if _, ok := c.vals[key]; !ok {
		return false, nil
	}
	c.ttls[key] = ttl
	return true, nil
}

func (c *memCache) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("scan", prefix); err != nil {
		return nil, err
	}
	var keys []string
	for k := range c.vals {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (c *memCache) Ping(context.Context) error {
	if c.fail != nil {
		return errors.New("ping failed")
	}
	return nil
}

func (c *memCache) setTTL(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[key] = ttl
}

func (c *memCache) raw(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[key]
	return v, ok
}
