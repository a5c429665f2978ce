// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// MessageStore persists conversation messages.
type MessageStore interface {
	// Insert stores msg, or returns the already stored row for the same
	// (chat id, message id).
	Insert(ctx context.Context, msg *ParsedMessage) (*ConversationMessage, error)
	// History returns up to limit messages of chatID created at or before
	// upto, oldest first.
	History(ctx context.Context, chatID string, upto time.Time, limit int) ([]*ConversationMessage, error)
}

// SettingsStore persists versioned user settings.
type SettingsStore interface {
	Latest(ctx context.Context, userID string) (*UserSettings, error)
	Save(ctx context.Context, userID string, settings map[string]any) (*UserSettings, error)
}

// TimerStore persists reminder timers.
type TimerStore interface {
	Create(ctx context.Context, timer *Timer) error
	Due(ctx context.Context, now time.Time) ([]*Timer, error)
	Delete(ctx context.Context, ids []int64) error
}
