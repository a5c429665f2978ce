package gateway

import (
	"errors"
	"sync"
)

var (
	// ErrDuplicate reports a message that was already processed successfully.
	ErrDuplicate = errors.New("message already processed")
	// ErrInFlight reports a message another worker is still processing.
	ErrInFlight = errors.New("message is being processed")
)

type claimState uint8

const (
	stateInFlight claimState = iota + 1
	stateDone
)

// Dedup tracks (channel, message id) pairs through processing. A pair is in
// flight from Claim until Done or Release. Done entries are never evicted.
type Dedup struct {
	mu    sync.Mutex
	state map[string]claimState
}

// NewDedup creates an empty cache.
func NewDedup() *Dedup {
	return &Dedup{state: make(map[string]claimState)}
}

func dedupKey(channel, messageID string) string {
	return channel + "\x00" + messageID
}

// Claim marks the pair in flight. It returns ErrDuplicate when the pair
// was completed and ErrInFlight when it is held by another attempt.
func (d *Dedup) Claim(channel, messageID string) error {
	k := dedupKey(channel, messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state[k] {
	case stateDone:
		return ErrDuplicate
	case stateInFlight:
		return ErrInFlight
	}
	d.state[k] = stateInFlight
	return nil
}

// Done records that the claimed pair was processed successfully.
func (d *Dedup) Done(channel, messageID string) {
	d.mu.Lock()
	d.state[dedupKey(channel, messageID)] = stateDone
	d.mu.Unlock()
}

// Release frees a claim after a failed attempt so a redelivery can retry.
func (d *Dedup) Release(channel, messageID string) {
	k := dedupKey(channel, messageID)
	d.mu.Lock()
	if d.state[k] == stateInFlight {
		delete(d.state, k)
	}
	d.mu.Unlock()
}

// Len returns the number of tracked pairs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}
