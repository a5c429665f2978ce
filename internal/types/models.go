// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Message kinds.
const (
	KindText  = "text"
	KindVoice = "voice"
)

// ParsedMessage is a channel message normalized by a messenger adapter.
type ParsedMessage struct {
	Source           string          `json:"source"`
	ChatType         string          `json:"chat_type"`
	ChatID           string          `json:"chat_id"`
	SenderID         string          `json:"sender_id"`
	MessageID        string          `json:"message_id"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
	Kind             string          `json:"kind"`
	Body             *string         `json:"body,omitempty"`
	IsSentByMe       bool            `json:"is_sent_by_me"`
	IsForwarded      bool            `json:"is_forwarded"`
	RawSource        json.RawMessage `json:"raw_source,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// BodyText returns the message body, or "" when there is none.
func (m *ParsedMessage) BodyText() string {
	if m == nil || m.Body == nil {
		return ""
	}
	return *m.Body
}

// ChatKey returns the channel-qualified chat identifier, e.g. "tg:123".
func (m *ParsedMessage) ChatKey() string {
	return NewChatKey(m.Source, m.ChatID)
}

// FileInfo identifies a media attachment of a parsed message.
type FileInfo struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
}

// SendAttrs describes an outbound message.
type SendAttrs struct {
	ChatID  string
	Kind    string
	Body    string
	QuoteID string
}

// ConversationMessage is a persisted inbound or outbound message.
type ConversationMessage struct {
	ID int64 `json:"id"`
	ParsedMessage
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSettings is one version of a user's settings document.
type UserSettings struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Settings  map[string]any `json:"settings"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// String returns the string value of a settings key, or def when the key is
// missing or not a non-empty string.
func (s *UserSettings) String(key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.Settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// TimerData is the payload of a reminder timer.
type TimerData struct {
	Topic string `json:"topic,omitempty"`
	RefID string `json:"ref_id,omitempty"`
}

// Timer is a persisted reminder. ChatKey is channel-qualified ("tg:123").
type Timer struct {
	ID        int64     `json:"id"`
	ChatKey   string    `json:"chat_id"`
	TriggerAt time.Time `json:"trigger_at"`
	Data      TimerData `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
