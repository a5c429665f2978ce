package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/user/r1x/internal/queue"
)

// consume is the receive/process/ack loop of one worker.
func (g *Gateway) consume(ctx context.Context, id int, client queue.Client) {
	logger := g.logger.With("worker", id)
	for ctx.Err() == nil {
		msg, err := client.Receive(ctx, g.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.backoff):
			}
			continue
		}
		if msg == nil {
			continue
		}
		g.handle(ctx, client, msg)
	}
}

// handle processes one message on a context detached from shutdown, so a
// cancelled pool still finishes what it started.
func (g *Gateway) handle(ctx context.Context, client queue.Client, msg *queue.Message) {
	g.active.Add(1)
	defer g.active.Add(-1)

	run := NewRun(g.seq.Next(), g.logger)
	pctx := context.WithoutCancel(ctx)
	start := time.Now()

	run.Logger.Debug("message received", "queue_id", msg.ID, "receive_count", msg.ReceiveCount)
	if err := g.process(pctx, run, msg.Body); err != nil {
		run.Logger.Error("message processing failed; leaving it for redelivery",
			"queue_id", msg.ID, "error", err)
		return
	}

	if err := client.Delete(pctx, msg.Receipt); err != nil {
		run.Logger.Error("ack failed", "queue_id", msg.ID, "error", err)
		return
	}
	run.Logger.Debug("message acked", "queue_id", msg.ID, "elapsed_ms", time.Since(start).Milliseconds())
}

func (g *Gateway) process(ctx context.Context, run *Run, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return g.processor(ctx, run, body)
}
