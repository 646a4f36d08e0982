package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageType is the closed set of message authors understood by the chat
// history layer.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAI         MessageType = "ai"
	MessageTypeSystem     MessageType = "system"
	MessageTypePlanUpdate MessageType = "plan-update"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeUser, MessageTypeAI, MessageTypeSystem, MessageTypePlanUpdate:
		return true
	}
	return false
}

// Message is a single chat message. The durable store owns it; caches only
// ever hold copies.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields a caller must supply before a message can be
// persisted. ID and CreatedAt may be empty; the store assigns them.
func (m Message) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// MessageUpdate carries the mutable message fields. Nil fields are left
// unchanged.
type MessageUpdate struct {
	Content  *string
	Type     *MessageType
	Metadata map[string]any
}

// Empty reports whether the update would change nothing.
func (u MessageUpdate) Empty() bool {
	return u.Content == nil && u.Type == nil && u.Metadata == nil
}
