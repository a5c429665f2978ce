package gateway

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Keepalive defaults: a signal every 6s plus up to 1.5s of jitter.
const (
	DefaultKeepAliveInterval = 6 * time.Second
	DefaultKeepAliveJitter   = 1500 * time.Millisecond
)

// Feature channels.
const (
	ChannelStable = "stable"
	ChannelCanary = "canary"
)

// Sequencer hands out increasing run numbers.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Run is the execution state of a single queue message. It is never
// persisted.
type Run struct {
	Seq            uint64
	FeatureChannel string
	Settings       map[string]any
	Logger         *slog.Logger
	CreatedAt      time.Time

	jitter time.Duration

	mu      sync.Mutex
	stats   map[string]any
	stop    chan struct{}
	keeping bool
}

// NewRun creates a Run on the stable channel with a logger tagged with seq.
func NewRun(seq uint64, logger *slog.Logger) *Run {
	if logger == nil {
		logger = slog.Default()
	}
	return &Run{
		Seq:            seq,
		FeatureChannel: ChannelStable,
		Settings:       map[string]any{},
		Logger:         logger.With("seq", seq),
		CreatedAt:      time.Now(),
		jitter:         DefaultKeepAliveJitter,
		stats:          map[string]any{},
	}
}

// SetStat records a named stat.
func (r *Run) SetStat(name string, value any) {
	r.mu.Lock()
	r.stats[name] = value
	r.mu.Unlock()
}

// Stats returns a copy of the recorded stats.
func (r *Run) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.stats)
}

// Begin marks the run as waiting on a long external call.
func (r *Run) Begin() {
	r.mu.Lock()
	if r.stop == nil {
		r.stop = make(chan struct{})
	}
	r.mu.Unlock()
}

// End clears the in-flight flag and stops any keepalive.
func (r *Run) End() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
		r.keeping = false
	}
	r.mu.Unlock()
}

// InFlight reports whether the run is between Begin and End.
func (r *Run) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

// KeepAlive calls signal every interval (plus jitter) until End. It does
// nothing when the run is not in flight or a keepalive is already running.
// Signal errors are logged and otherwise ignored.
func (r *Run) KeepAlive(ctx context.Context, interval time.Duration, signal func(context.Context) error) {
	r.mu.Lock()
	if r.stop == nil || r.keeping {
		r.mu.Unlock()
		return
	}
	r.keeping = true
	stop := r.stop
	r.mu.Unlock()

	go func() {
		for {
			wait := interval
			if r.jitter > 0 {
				wait += rand.N(r.jitter)
			}
			t := time.NewTimer(wait)
			select {
			case <-stop:
				t.Stop()
				return
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			select {
			case <-stop:
				return
			default:
			}
			if err := signal(ctx); err != nil {
				r.Logger.Debug("keepalive signal failed", "error", err)
			}
		}
	}()
}
