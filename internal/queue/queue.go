// Package queue provides the durable inbound message queue used by the
// consumer pool: an AWS SQS backend and an in-process backend with the same
// visibility-timeout semantics.
package queue

import (
	"context"
	"errors"
	"time"
)

// Message is a single delivery. Receipt is valid for this delivery only and
// is what Delete needs.
type Message struct {
	ID           string
	Receipt      string
	Body         []byte
	ReceiveCount int
}

// Client receives and acknowledges messages. Receive waits up to wait for a
// message and returns (nil, nil) when none arrived.
type Client interface {
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	Delete(ctx context.Context, receipt string) error
}

// Sender enqueues message bodies and returns the assigned message id.
type Sender interface {
	Send(ctx context.Context, body []byte) (string, error)
}

// ClientFactory creates one independent client per consumer.
type ClientFactory func(ctx context.Context) (Client, error)

// ErrReceiptExpired is returned when deleting with a receipt that no longer
// identifies a message in flight.
var ErrReceiptExpired = errors.New("queue: receipt expired")
