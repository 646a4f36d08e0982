package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"chat-history/internal/domain"
)

// MessageCachePrefix namespaces the per-user cached message lists.
const MessageCachePrefix = "chat:messages:user:"

// MessageCacheKey returns the cache key of a user's message list.
func MessageCacheKey(userID string) string {
	return MessageCachePrefix + userID
}

// UserIDFromCacheKey is the inverse of MessageCacheKey.
func UserIDFromCacheKey(key string) (string, bool) {
	userID, ok := strings.CutPrefix(key, MessageCachePrefix)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// EncodeCachedList serializes a chronological message list.
func EncodeCachedList(msgs []domain.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("repository: encode cached list: %w", err)
	}
	return b, nil
}

// DecodeCachedList parses a payload written by EncodeCachedList.
func DecodeCachedList(b []byte) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("repository: decode cached list: %w", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// tail returns a copy of the last n messages.
func tail(msgs []domain.Message, n int) []domain.Message {
	if n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func indexOf(msgs []domain.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
