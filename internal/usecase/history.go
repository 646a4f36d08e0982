package usecase

import (
	"context"
	"errors"
	"strings"

	"chat-history/internal/domain"
)

const (
	defaultMaxContext = 20
	maxContextLimit   = 100
)

type HistoryStore interface {
	Create(ctx context.Context, msg domain.Message) (domain.Message, error)
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.Message, error)
}

// HistoryService records chat messages and reads them back as prompt context.
type HistoryService struct {
	store           HistoryStore
	maxContextItems int
}

func NewHistoryService(s HistoryStore, maxContextItems int) (*HistoryService, error) {
	if s == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	if maxContextItems > maxContextLimit {
		maxContextItems = maxContextLimit
	}
	return &HistoryService{store: s, maxContextItems: maxContextItems}, nil
}

type RecordInput struct {
	// ID is optional; streamed replies pass the id they were announced with.
	ID             string
	ConversationID string
	UserID         string
	Type           domain.MessageType
	Content        string
	Metadata       map[string]any
}

// Record persists one message. Success means the message is durable.
func (s *HistoryService) Record(ctx context.Context, in RecordInput) (domain.Message, error) {
	msg := domain.Message{
		ID:             strings.TrimSpace(in.ID),
		ConversationID: strings.TrimSpace(in.ConversationID),
		UserID:         strings.TrimSpace(in.UserID),
		Type:           in.Type,
		Content:        in.Content,
		Metadata:       in.Metadata,
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, newError(ErrorInvalidInput, "invalid message", err)
	}
	created, err := s.store.Create(ctx, msg)
	if err != nil {
		return domain.Message{}, classify("record message", err)
	}
	return created, nil
}

// ContextMessages returns the user's recent history, oldest first, as chat
// messages. limit is clamped to the configured maximum.
func (s *HistoryService) ContextMessages(ctx context.Context, userID string, limit int) ([]domain.ChatMessage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "user id is required", nil)
	}
	if limit <= 0 || limit > s.maxContextItems {
		limit = s.maxContextItems
	}
	history, err := s.store.FindByUser(ctx, userID, limit)
	if err != nil {
		return nil, classify("load history", err)
	}
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if cm, ok := toChatMessage(m); ok {
			out = append(out, cm)
		}
	}
	return out, nil
}

func toChatMessage(m domain.Message) (domain.ChatMessage, bool) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return domain.ChatMessage{}, false
	}
	var role string
	switch m.Type {
	case domain.MessageTypeUser:
		role = "user"
	case domain.MessageTypeAI:
		role = "assistant"
	case domain.MessageTypeSystem, domain.MessageTypePlanUpdate:
		role = "system"
	default:
		return domain.ChatMessage{}, false
	}
	return domain.ChatMessage{Role: role, Content: content}, true
}
