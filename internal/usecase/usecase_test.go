package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chat-history/internal/async"
	"chat-history/internal/domain"
)

type mockStore struct {
	history   []domain.Message
	created   []domain.Message
	findErr   error
	createErr error
	lastLimit int
}

func (m *mockStore) Create(_ context.Context, msg domain.Message) (domain.Message, error) {
	if m.createErr != nil {
		return domain.Message{}, m.createErr
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("id-%d", len(m.created)+1)
	}
	m.created = append(m.created, msg)
	return msg, nil
}

func (m *mockStore) FindByUser(_ context.Context, _ string, limit int) ([]domain.Message, error) {
	m.lastLimit = limit
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.history, nil
}

type mockWarmer struct {
	mu    sync.Mutex
	users []string
	err   error
	block chan struct{}
}

func (m *mockWarmer) WarmCache(ctx context.Context, userID string) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
	return m.err
}

func (m *mockWarmer) warmed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users...)
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
}

func TestNewHistoryService(t *testing.T) {
	_, err := NewHistoryService(nil, 10)
	require.Error(t, err)

	svc, err := NewHistoryService(&mockStore{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxContext, svc.maxContextItems)

	svc, err = NewHistoryService(&mockStore{}, 500)
	require.NoError(t, err)
	require.Equal(t, maxContextLimit, svc.maxContextItems)
}

func TestContextMessages_MapsRoles(t *testing.T) {
	store := &mockStore{history: []domain.Message{
		{Type: domain.MessageTypeSystem, Content: "be brief"},
		{Type: domain.MessageTypeUser, Content: "  hi  "},
		{Type: domain.MessageTypeAI, Content: "hello"},
		{Type: domain.MessageTypeUser, Content: "   "},
		{Type: domain.MessageTypePlanUpdate, Content: "step 2 done"},
		{Type: "unknown", Content: "dropped"},
	}}
	svc, err := NewHistoryService(store, 10)
	require.NoError(t, err)

	got, err := svc.ContextMessages(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "system", Content: "step 2 done"},
	}, got)
	require.Equal(t, 5, store.lastLimit)
}

func TestContextMessages_ClampsLimit(t *testing.T) {
	store := &mockStore{}
	svc, err := NewHistoryService(store, 10)
	require.NoError(t, err)

	_, err = svc.ContextMessages(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Equal(t, 10, store.lastLimit)

	_, err = svc.ContextMessages(context.Background(), "u1", 50)
	require.NoError(t, err)
	require.Equal(t, 10, store.lastLimit)
}

func TestContextMessages_Errors(t *testing.T) {
	svc, err := NewHistoryService(&mockStore{}, 10)
	require.NoError(t, err)
	_, err = svc.ContextMessages(context.Background(), " ", 5)
	requireCode(t, err, ErrorInvalidInput)

	store := &mockStore{findErr: fmt.Errorf("repository: FindByUser: %w", domain.ErrStoreFailure)}
	svc, err = NewHistoryService(store, 10)
	require.NoError(t, err)
	_, err = svc.ContextMessages(context.Background(), "u1", 5)
	requireCode(t, err, ErrorStoreFailure)
	require.ErrorIs(t, err, domain.ErrStoreFailure)
}

func TestRecord(t *testing.T) {
	store := &mockStore{}
	svc, err := NewHistoryService(store, 10)
	require.NoError(t, err)

	msg, err := svc.Record(context.Background(), RecordInput{
		ID:             "stream-1",
		ConversationID: " c1 ",
		UserID:         "u1",
		Type:           domain.MessageTypeAI,
		Content:        "answer",
	})
	require.NoError(t, err)
	require.Equal(t, "stream-1", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Len(t, store.created, 1)
}

func TestRecord_Errors(t *testing.T) {
	svc, err := NewHistoryService(&mockStore{}, 10)
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), RecordInput{UserID: "u1", Type: domain.MessageTypeUser})
	requireCode(t, err, ErrorInvalidInput)

	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"conflict", domain.ErrConflict, ErrorConflict},
		{"store", domain.ErrStoreFailure, ErrorStoreFailure},
		{"not found", domain.ErrNotFound, ErrorNotFound},
		{"other", errors.New("boom"), ErrorInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewHistoryService(&mockStore{createErr: tc.err}, 10)
			require.NoError(t, err)
			_, err = svc.Record(context.Background(), RecordInput{
				ConversationID: "c1", UserID: "u1", Type: domain.MessageTypeUser, Content: "x",
			})
			requireCode(t, err, tc.code)
		})
	}
}

func TestError_Format(t *testing.T) {
	var nilErr *Error
	require.Equal(t, "", nilErr.Error())
	require.Nil(t, nilErr.Unwrap())
	require.Equal(t, "usecase: NOT_FOUND (gone)", newError(ErrorNotFound, "gone", nil).Error())
	require.Equal(t, "usecase: INTERNAL_ERROR (x): boom", newError(ErrorInternal, "x", errors.New("boom")).Error())
}

func newObservedSession(t *testing.T, w CacheWarmer) (*SessionService, *async.Runner, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	runner, err := async.NewRunner(logger, time.Second)
	require.NoError(t, err)
	svc, err := NewSessionService(w, runner, logger)
	require.NoError(t, err)
	return svc, runner, logs
}

func TestNewSessionService_Validates(t *testing.T) {
	runner, err := async.NewRunner(zap.NewNop(), time.Second)
	require.NoError(t, err)
	_, err = NewSessionService(nil, runner, zap.NewNop())
	require.Error(t, err)
	_, err = NewSessionService(&mockWarmer{}, nil, zap.NewNop())
	require.Error(t, err)
	_, err = NewSessionService(&mockWarmer{}, runner, nil)
	require.Error(t, err)
}

func TestOnLogin_WarmsInBackground(t *testing.T) {
	w := &mockWarmer{block: make(chan struct{})}
	svc, runner, _ := newObservedSession(t, w)

	svc.OnLogin(context.Background(), "u1")
	require.Empty(t, w.warmed(), "OnLogin must not wait for the warm-up")
	close(w.block)
	runner.Wait()
	require.Equal(t, []string{"u1"}, w.warmed())
}

func TestOnLogin_SurvivesCallerCancellation(t *testing.T) {
	w := &mockWarmer{}
	svc, runner, _ := newObservedSession(t, w)
	ctx, cancel := context.WithCancel(context.Background())
	svc.OnLogin(ctx, "u1")
	cancel()
	runner.Wait()
	require.Equal(t, []string{"u1"}, w.warmed())
}

func TestOnLogin_ErrorIsLoggedNotReturned(t *testing.T) {
	w := &mockWarmer{err: fmt.Errorf("repository: WarmCache: %w", domain.ErrCacheFailure)}
	svc, runner, logs := newObservedSession(t, w)

	svc.OnLogin(context.Background(), "u1")
	runner.Wait()
	entries := logs.FilterMessage("background task failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "cache-warm", entries[0].ContextMap()["task"])
	require.Equal(t, "u1", entries[0].ContextMap()["user_id"])
}

func TestOnLogin_EmptyUserIsSkipped(t *testing.T) {
	w := &mockWarmer{}
	svc, runner, logs := newObservedSession(t, w)
	svc.OnLogin(context.Background(), "  ")
	runner.Wait()
	require.Empty(t, w.warmed())
	require.Equal(t, 1, logs.FilterMessage("skipping cache warm-up").Len())
}
