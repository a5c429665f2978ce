package store

import (
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/types"
)

var (
	_ types.MessageStore  = (*Store)(nil)
	_ types.SettingsStore = (*Store)(nil)
	_ types.TimerStore    = (*Store)(nil)
)

// Store implements the message, settings and timer stores on one database.
type Store struct {
	db     *sqlx.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created_at/updated_at stamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an open database.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
