package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/user/r1x/internal/types"
)

type messageRow struct {
	ID               int64          `db:"id"`
	Source           string         `db:"source"`
	ChatType         string         `db:"chat_type"`
	ChatID           string         `db:"chat_id"`
	SenderID         string         `db:"sender_id"`
	MessageID        string         `db:"message_id"`
	ReplyToMessageID sql.NullString `db:"reply_to_message_id"`
	Kind             string         `db:"kind"`
	Body             sql.NullString `db:"body"`
	IsSentByMe       bool           `db:"is_sent_by_me"`
	IsForwarded      bool           `db:"is_forwarded"`
	RawSource        sql.NullString `db:"raw_source"`
	MessageTS        sql.NullInt64  `db:"message_ts"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r *messageRow) toModel() *types.ConversationMessage {
	m := &types.ConversationMessage{
		ID: r.ID,
		ParsedMessage: types.ParsedMessage{
			Source:           r.Source,
			ChatType:         r.ChatType,
			ChatID:           r.ChatID,
			SenderID:         r.SenderID,
			MessageID:        r.MessageID,
			ReplyToMessageID: r.ReplyToMessageID.String,
			Kind:             r.Kind,
			IsSentByMe:       r.IsSentByMe,
			IsForwarded:      r.IsForwarded,
		},
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	// Rows from before message_ts existed fall back to the insert time.
	m.Timestamp = m.CreatedAt
	if r.MessageTS.Valid {
		m.Timestamp = fromMillis(r.MessageTS.Int64)
	}
	if r.Body.Valid {
		body := r.Body.String
		m.Body = &body
	}
	if r.RawSource.Valid {
		m.RawSource = json.RawMessage(r.RawSource.String)
	}
	return m
}

const messageColumns = `id, source, chat_type, chat_id, sender_id, message_id, reply_to_message_id,
	kind, body, is_sent_by_me, is_forwarded, raw_source, message_ts, created_at, updated_at`

// Insert stores msg. A message already stored under the same chat and message
// id is left untouched and returned as is.
func (s *Store) Insert(ctx context.Context, msg *types.ParsedMessage) (*types.ConversationMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("insert message: nil message")
	}
	if msg.ChatID == "" || msg.MessageID == "" {
		return nil, fmt.Errorf("insert message: chat id and message id are required")
	}

	kind := msg.Kind
	if kind == "" {
		kind = types.KindText
	}
	now := toMillis(s.clock.Now())

	row := messageRow{
		Source:           msg.Source,
		ChatType:         msg.ChatType,
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		MessageID:        msg.MessageID,
		ReplyToMessageID: nullString(msg.ReplyToMessageID),
		Kind:             kind,
		IsSentByMe:       msg.IsSentByMe,
		IsForwarded:      msg.IsForwarded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if msg.Body != nil {
		row.Body = sql.NullString{String: *msg.Body, Valid: true}
	}
	if !msg.Timestamp.IsZero() {
		row.MessageTS = sql.NullInt64{Int64: toMillis(msg.Timestamp), Valid: true}
	}
	if len(msg.RawSource) > 0 {
		row.RawSource = sql.NullString{String: string(msg.RawSource), Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (source, chat_type, chat_id, sender_id, message_id, reply_to_message_id,
			kind, body, is_sent_by_me, is_forwarded, raw_source, message_ts, created_at, updated_at)
		VALUES (:source, :chat_type, :chat_id, :sender_id, :message_id, :reply_to_message_id,
			:kind, :body, :is_sent_by_me, :is_forwarded, :raw_source, :message_ts, :created_at, :updated_at)
		ON CONFLICT (chat_id, message_id) DO NOTHING`, row)
	if err != nil {
		return nil, fmt.Errorf("insert message %s/%s: %w", msg.ChatID, msg.MessageID, err)
	}

	var stored messageRow
	err = s.db.GetContext(ctx, &stored,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND message_id = ?`,
		msg.ChatID, msg.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s/%s: %w", msg.ChatID, msg.MessageID, err)
	}
	return stored.toModel(), nil
}

// History returns up to limit messages of chatID created at or before upto,
// oldest first.
func (s *Store) History(ctx context.Context, chatID string, upto time.Time, limit int) ([]*types.ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND created_at <= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		chatID, toMillis(upto), limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", chatID, err)
	}

	out := make([]*types.ConversationMessage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	slices.Reverse(out)
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
