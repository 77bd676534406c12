// Package throttle spaces out expensive starts: at most one start is let
// through per quantum, in request order. Only the booked slots count; how long
// a start takes once let through does not delay the next one.
package throttle

import (
	"context"
	"sync"
	"time"
)

const DefaultQuantum = 2 * time.Second

type Queue struct {
	quantum time.Duration
	now     func() time.Time

	mu   sync.Mutex
	next time.Time
}

func New(quantum time.Duration) *Queue {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	return &Queue{quantum: quantum, now: time.Now}
}

func (q *Queue) Quantum() time.Duration { return q.quantum }

// Reserve books the next start slot and returns the delay until it is due.
// The slot stays booked even if the caller gives up on it.
func (q *Queue) Reserve() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	slot := q.next
	if slot.Before(now) {
		slot = now
	}
	q.next = slot.Add(q.quantum)
	return slot.Sub(now)
}

// Wait blocks until a start slot is due.
func (q *Queue) Wait(ctx context.Context) error {
	delay := q.Reserve()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
