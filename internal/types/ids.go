// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewReceipt returns a fresh opaque receipt handle for an in-process queue
// delivery.
func NewReceipt() string {
	return uuid.New().String()
}

// NewMessageID returns a fresh message identifier for locally produced
// queue messages.
func NewMessageID() string {
	return uuid.New().String()
}

// NewChatKey joins a channel source and a chat id into "source:chatId".
func NewChatKey(source, chatID string) string {
	return source + ":" + chatID
}

// SplitChatKey is the inverse of NewChatKey.
func SplitChatKey(key string) (source, chatID string, ok bool) {
	source, chatID, ok = strings.Cut(key, ":")
	if !ok || source == "" || chatID == "" {
		return "", "", false
	}
	return source, chatID, true
}
