package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/r1x/internal/queue"
)

// Defaults for the consumer pool.
const (
	DefaultWorkers = 10
	DefaultWait    = 20 * time.Second
	DefaultBackoff = time.Second
)

// Processor handles one queue message body within run. A nil error
// acknowledges the message.
type Processor func(ctx context.Context, run *Run, body []byte) error

// Gateway is a pool of queue consumers. Every worker owns its own queue
// client, receives one message at a time and acknowledges it only after the
// processor succeeded.
type Gateway struct {
	factory   queue.ClientFactory
	seq       *Sequencer
	processor Processor
	workers   int
	wait      time.Duration
	backoff   time.Duration
	logger    *slog.Logger

	active atomic.Int64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithWorkers sets the number of consumers.
func WithWorkers(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithWait sets the long-poll wait of each receive.
func WithWait(d time.Duration) Option {
	return func(g *Gateway) { g.wait = d }
}

// WithBackoff sets the pause after a failed receive.
func WithBackoff(d time.Duration) Option {
	return func(g *Gateway) { g.backoff = d }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a consumer pool. seq numbers the runs it creates.
func New(factory queue.ClientFactory, seq *Sequencer, opts ...Option) *Gateway {
	g := &Gateway{
		factory: factory,
		seq:     seq,
		workers: DefaultWorkers,
		wait:    DefaultWait,
		backoff: DefaultBackoff,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(g)
	}
	if g.seq == nil {
		g.seq = &Sequencer{}
	}
	return g
}

// SetProcessor sets the function invoked for each received message.
func (g *Gateway) SetProcessor(fn Processor) {
	g.processor = fn
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight message has been processed. It fails only when a worker could
// not create its queue client.
func (g *Gateway) Run(ctx context.Context) error {
	if g.processor == nil {
		return fmt.Errorf("gateway: no processor set")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < g.workers; i++ {
		id := i
		eg.Go(func() error {
			client, err := g.factory(egCtx)
			if err != nil {
				return fmt.Errorf("worker %d: create queue client: %w", id, err)
			}
			g.consume(egCtx, id, client)
			return nil
		})
	}
	g.logger.Info("consumer pool started", "workers", g.workers)
	err := eg.Wait()
	g.logger.Info("consumer pool stopped")
	return err
}

// WaitIdle blocks until no message is being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if g.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
