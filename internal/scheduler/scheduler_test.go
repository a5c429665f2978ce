package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/types"
)

type memTimers struct {
	mu      sync.Mutex
	timers  map[int64]*types.Timer
	nextID  int64
	deleted [][]int64
	dueErr  error
}

func newMemTimers() *memTimers { return &memTimers{timers: make(map[int64]*types.Timer)} }

func (m *memTimers) Create(_ context.Context, t *types.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.timers[t.ID] = t
	return nil
}

func (m *memTimers) Due(_ context.Context, now time.Time) ([]*types.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	var out []*types.Timer
	for _, t := range m.timers {
		if !t.TriggerAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTimers) Delete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids)
	for _, id := range ids {
		delete(m.timers, id)
	}
	return nil
}

func (m *memTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type fakeMessenger struct {
	channel messenger.Channel
	mu      sync.Mutex
	sent    []types.SendAttrs
	err     error
}

func (f *fakeMessenger) Channel() messenger.Channel { return f.channel }
func (f *fakeMessenger) DisplayName() string        { return "Fake" }
func (f *fakeMessenger) ParseMessage(json.RawMessage) (*types.ParsedMessage, *types.FileInfo, error) {
	return nil, nil, nil
}
func (f *fakeMessenger) SendMessage(_ context.Context, attrs types.SendAttrs) (*types.ParsedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, attrs)
	if f.err != nil {
		return nil, f.err
	}
	body := attrs.Body
	return &types.ParsedMessage{ChatID: attrs.ChatID, Body: &body}, nil
}
func (f *fakeMessenger) IsMessageForMe(*types.ParsedMessage) bool          { return true }
func (f *fakeMessenger) SendTyping(context.Context, string) error          { return nil }
func (f *fakeMessenger) SetStatusRead(context.Context, string) error       { return nil }
func (f *fakeMessenger) GetVoiceFile(context.Context, *types.ParsedMessage, *types.FileInfo, string) (string, error) {
	return "", errors.New("no voice")
}

func (f *fakeMessenger) Sent() []types.SendAttrs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SendAttrs(nil), f.sent...)
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPollSendsDueReminders(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	timers := newMemTimers()
	tg := &fakeMessenger{channel: messenger.Telegram}

	timers.Create(ctx, &types.Timer{ChatKey: "tg:42", TriggerAt: epoch.Add(-time.Second), Data: types.TimerData{Topic: "the oven", RefID: "7"}})
	timers.Create(ctx, &types.Timer{ChatKey: "tg:42", TriggerAt: epoch, Data: types.TimerData{}})
	timers.Create(ctx, &types.Timer{ChatKey: "tg:42", TriggerAt: epoch.Add(time.Minute), Data: types.TimerData{Topic: "later"}})

	s := New(timers, messenger.NewRegistry(tg), WithClock(clock))
	if n := s.Poll(ctx); n != 2 {
		t.Fatalf("Poll sent %d, want 2", n)
	}

	sent := tg.Sent()
	if sent[0].Body != "You asked me to remind you about the oven" || sent[0].QuoteID != "7" || sent[0].ChatID != "42" {
		t.Errorf("first reminder = %+v", sent[0])
	}
	if sent[1].Body != "You asked me to remind you" || sent[1].QuoteID != "" {
		t.Errorf("second reminder = %+v", sent[1])
	}
	if timers.Len() != 1 {
		t.Errorf("remaining timers = %d, want 1", timers.Len())
	}

	clock.Advance(time.Minute)
	if n := s.Poll(ctx); n != 1 {
		t.Errorf("second Poll sent %d, want 1", n)
	}
	if timers.Len() != 0 {
		t.Errorf("remaining timers = %d, want 0", timers.Len())
	}
}

func TestPollDeletesAfterFailedSend(t *testing.T) {
	ctx := context.Background()
	timers := newMemTimers()
	wa := &fakeMessenger{channel: messenger.WhatsApp, err: errors.New("channel down")}

	timers.Create(ctx, &types.Timer{ChatKey: "wa:4915112345", TriggerAt: epoch, Data: types.TimerData{Topic: "tea"}})
	timers.Create(ctx, &types.Timer{ChatKey: "sms:1", TriggerAt: epoch})

	s := New(timers, messenger.NewRegistry(wa), WithClock(clockwork.NewFakeClockAt(epoch)))
	if n := s.Poll(ctx); n != 0 {
		t.Fatalf("Poll sent %d, want 0", n)
	}
	if len(wa.Sent()) != 1 {
		t.Errorf("send attempts = %d, want 1", len(wa.Sent()))
	}
	if timers.Len() != 0 {
		t.Fatalf("timers should be deleted regardless of send outcome, %d left", timers.Len())
	}

	// A later poll must not retry.
	s.Poll(ctx)
	if len(wa.Sent()) != 1 {
		t.Errorf("reminder delivered more than once")
	}
}

func TestPollStoreError(t *testing.T) {
	timers := newMemTimers()
	timers.dueErr = errors.New("db locked")
	s := New(timers, messenger.NewRegistry(), WithClock(clockwork.NewFakeClockAt(epoch)))
	if n := s.Poll(context.Background()); n != 0 {
		t.Errorf("Poll = %d, want 0", n)
	}
	if len(timers.deleted) != 0 {
		t.Error("nothing should be deleted when loading fails")
	}
}

func TestPollNothingDue(t *testing.T) {
	timers := newMemTimers()
	s := New(timers, messenger.NewRegistry(), WithClock(clockwork.NewFakeClockAt(epoch)))
	s.Poll(context.Background())
	if len(timers.deleted) != 0 {
		t.Error("empty batch should not issue a delete")
	}
}

func TestSchedulerRunsCronPoll(t *testing.T) {
	ctx := context.Background()
	timers := newMemTimers()
	tg := &fakeMessenger{channel: messenger.Telegram}
	timers.Create(ctx, &types.Timer{ChatKey: "tg:1", TriggerAt: time.Now().Add(-time.Second)})

	s := New(timers, messenger.NewRegistry(tg), WithSpec("@every 1s"))
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("cron poll did not deliver the reminder within 3s")
		case <-ticker.C:
			if len(tg.Sent()) == 1 && timers.Len() == 0 {
				return
			}
		}
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	s := New(newMemTimers(), messenger.NewRegistry(), WithSpec("not a spec"))
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid spec")
	}
}
