// Package scheduler delivers due reminder timers created by the ALERT tool.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/types"
)

// DefaultSpec polls for due timers every five seconds.
const DefaultSpec = "@every 5s"

// Resolver maps a chat key to its messenger and channel-local chat id.
type Resolver interface {
	Resolve(chatKey string) (messenger.Messenger, string, error)
}

// Scheduler polls the timer store and sends reminders. Each due batch is
// deleted after one send attempt, so a reminder is delivered at most once.
type Scheduler struct {
	timers   types.TimerStore
	resolver Resolver
	clock    clockwork.Clock
	logger   *slog.Logger
	spec     string

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used to select due timers.
func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithSpec overrides the cron spec of the poll.
func WithSpec(spec string) Option { return func(s *Scheduler) { s.spec = spec } }

// New creates a Scheduler.
func New(timers types.TimerStore, resolver Resolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers:   timers,
		resolver: resolver,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		spec:     DefaultSpec,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start registers the poll and starts the cron ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Poll(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("timer scheduler started", "spec", s.spec)
	return nil
}

// Stop stops the ticker and waits for a running poll to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Poll sends every due reminder and deletes the batch. It returns the
// number of reminders sent successfully.
func (s *Scheduler) Poll(ctx context.Context) int {
	due, err := s.timers.Due(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("load due timers", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	sent := 0
	ids := make([]int64, 0, len(due))
	for _, timer := range due {
		ids = append(ids, timer.ID)
		if err := s.deliver(ctx, timer); err != nil {
			s.logger.Error("send reminder", "timer_id", timer.ID, "chat_id", timer.ChatKey, "error", err)
			continue
		}
		sent++
	}

	if err := s.timers.Delete(ctx, ids); err != nil {
		s.logger.Error("delete timers", "ids", ids, "error", err)
	}
	s.logger.Debug("timers processed", "due", len(due), "sent", sent)
	return sent
}

func (s *Scheduler) deliver(ctx context.Context, timer *types.Timer) error {
	m, chatID, err := s.resolver.Resolve(timer.ChatKey)
	if err != nil {
		return err
	}
	_, err = m.SendMessage(ctx, types.SendAttrs{
		ChatID:  chatID,
		Kind:    types.KindText,
		Body:    reminderText(timer.Data.Topic),
		QuoteID: timer.Data.RefID,
	})
	return err
}

func reminderText(topic string) string {
	if topic == "" {
		return "You asked me to remind you"
	}
	return "You asked me to remind you about " + topic
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}

