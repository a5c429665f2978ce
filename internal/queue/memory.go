package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/types"
)

const memoryPollInterval = 200 * time.Millisecond

type memoryEntry struct {
	id        string
	body      []byte
	receipt   string
	visibleAt time.Time
	received  int
}

// Memory is an in-process queue. A received message stays invisible for the
// visibility timeout and is redelivered unless deleted before it expires.
type Memory struct {
	visibility time.Duration
	clock      clockwork.Clock

	mu      sync.Mutex
	entries []*memoryEntry
	notify  chan struct{}
}

// NewMemory creates an in-process queue.
func NewMemory(visibility time.Duration, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		visibility: visibility,
		clock:      clock,
		notify:     make(chan struct{}),
	}
}

// Factory returns a ClientFactory handing out this queue to every consumer.
func (q *Memory) Factory() ClientFactory {
	return func(context.Context) (Client, error) { return q, nil }
}

// Send enqueues body.
func (q *Memory) Send(_ context.Context, body []byte) (string, error) {
	id := types.NewMessageID()
	q.mu.Lock()
	q.entries = append(q.entries, &memoryEntry{
		id:        id,
		body:      append([]byte(nil), body...),
		visibleAt: q.clock.Now(),
	})
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return id, nil
}

// Receive returns the oldest visible message, waiting up to wait for one.
func (q *Memory) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if m := q.take(); m != nil || wait <= 0 {
		return m, nil
	}
	deadline := q.clock.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		notify := q.notify
		q.mu.Unlock()

		tick := q.clock.NewTimer(memoryPollInterval)
		select {
		case <-ctx.Done():
			tick.Stop()
			return nil, ctx.Err()
		case <-deadline.Chan():
			tick.Stop()
			return q.take(), nil
		case <-notify:
		case <-tick.Chan():
		}
		tick.Stop()

		if m := q.take(); m != nil {
			return m, nil
		}
	}
}

func (q *Memory) take() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			continue
		}
		e.receipt = types.NewReceipt()
		e.visibleAt = now.Add(q.visibility)
		e.received++
		return &Message{
			ID:           e.id,
			Receipt:      e.receipt,
			Body:         append([]byte(nil), e.body...),
			ReceiveCount: e.received,
		}
	}
	return nil
}

// Delete acknowledges the delivery identified by receipt.
func (q *Memory) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.receipt == receipt && receipt != "" {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrReceiptExpired
}

// Len returns the number of messages not yet deleted.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
