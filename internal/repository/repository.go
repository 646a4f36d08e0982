// Package repository persists chat messages in DynamoDB and, when a cache is
// configured, fronts the store with a per-user Redis message list.
package repository

import (
	"context"

	"chat-history/internal/domain"
)

// MessageRepository is the message contract consumed by the application.
// Failures match domain.ErrNotFound or domain.ErrStoreFailure via errors.Is.
type MessageRepository interface {
	Create(ctx context.Context, msg domain.Message) (domain.Message, error)
	FindByID(ctx context.Context, id string) (domain.Message, error)
	FindByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.Message, error)
	Update(ctx context.Context, id string, upd domain.MessageUpdate) (domain.Message, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Repository adds the session warm-up hook to MessageRepository.
type Repository interface {
	MessageRepository
	WarmCache(ctx context.Context, userID string) error
}

// durableOnly serves every call from the store of record.
type durableOnly struct {
	*Client
}

func (durableOnly) WarmCache(context.Context, string) error { return nil }

// DurableOnly returns the repository variant used when no cache is configured.
func DurableOnly(c *Client) Repository {
	return durableOnly{Client: c}
}
