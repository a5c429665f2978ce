package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/user/r1x/internal/types"
)

type timerRow struct {
	ID        int64  `db:"id"`
	ChatID    string `db:"chat_id"`
	TriggerAt int64  `db:"trigger_at"`
	Data      string `db:"data"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Create persists timer and fills in its id and timestamps.
func (s *Store) Create(ctx context.Context, timer *types.Timer) error {
	if timer == nil || timer.ChatKey == "" {
		return fmt.Errorf("create timer: chat key is required")
	}
	data, err := json.Marshal(timer.Data)
	if err != nil {
		return fmt.Errorf("encode timer data: %w", err)
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (chat_id, trigger_at, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		timer.ChatKey, toMillis(timer.TriggerAt), string(data), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert timer for %s: %w", timer.ChatKey, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("timer id: %w", err)
	}
	timer.ID = id
	timer.CreatedAt = fromMillis(toMillis(now))
	timer.UpdatedAt = timer.CreatedAt
	return nil
}

// Due returns timers whose trigger time is at or before now, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*types.Timer, error) {
	var rows []timerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, trigger_at, data, created_at, updated_at
		FROM timers
		WHERE trigger_at <= ?
		ORDER BY trigger_at, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("load due timers: %w", err)
	}

	out := make([]*types.Timer, 0, len(rows))
	for _, r := range rows {
		t := &types.Timer{
			ID:        r.ID,
			ChatKey:   r.ChatID,
			TriggerAt: fromMillis(r.TriggerAt),
			CreatedAt: fromMillis(r.CreatedAt),
			UpdatedAt: fromMillis(r.UpdatedAt),
		}
		if err := json.Unmarshal([]byte(r.Data), &t.Data); err != nil {
			s.logger.WarnContext(ctx, "undecodable timer data", "id", r.ID, "error", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the timers with the given ids.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM timers WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build timer delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete timers: %w", err)
	}
	return nil
}
