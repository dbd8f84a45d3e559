// Package memory provides an in-process notification queue with
// visibility-timeout semantics for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// ErrStaleReceipt is returned when a delivery is acknowledged after its
// visibility timeout lapsed and the message was handed out again.
var ErrStaleReceipt = errors.New("stale receipt")

type message struct {
	id             string
	key            string
	attempts       int
	receipt        int
	invisibleUntil time.Time
}

// Queue holds messages until they are acknowledged. A received message is
// hidden for the visibility timeout and reappears if not acknowledged.
type Queue struct {
	mu         sync.Mutex
	visibility time.Duration
	now        func() time.Time
	messages   []*message
	seq        int
	receipts   int
	acked      int
}

// NewQueue constructs a queue. A nil clock uses the wall clock.
func NewQueue(visibility time.Duration, clk trail.Clock) *Queue {
	now := time.Now
	if clk != nil {
		now = clk.Now
	}
	return &Queue{visibility: visibility, now: now}
}

// Send enqueues a notification for key and returns its message ID.
func (q *Queue) Send(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("send canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := "msg-" + strconv.Itoa(q.seq)
	q.messages = append(q.messages, &message{id: id, key: key})
	return id, nil
}

// Receive returns the oldest visible message and hides it for the
// visibility timeout. It returns trail.ErrQueueEmpty when none is visible.
func (q *Queue) Receive(ctx context.Context) (trail.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return trail.Delivery{}, fmt.Errorf("receive canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, msg := range q.messages {
		if msg.invisibleUntil.After(now) {
			continue
		}
		msg.attempts++
		q.receipts++
		msg.receipt = q.receipts
		msg.invisibleUntil = now.Add(q.visibility)
		id, receipt := msg.id, msg.receipt
		return trail.Delivery{
			ID:      id,
			Key:     msg.key,
			Attempt: msg.attempts,
			Ack: func(context.Context) error {
				return q.ack(id, receipt)
			},
		}, nil
	}
	return trail.Delivery{}, trail.ErrQueueEmpty
}

func (q *Queue) ack(id string, receipt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.messages {
		if msg.id != id {
			continue
		}
		if msg.receipt != receipt {
			return fmt.Errorf("ack %s: %w", id, ErrStaleReceipt)
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		q.acked++
		return nil
	}
	return fmt.Errorf("ack %s: %w", id, ErrStaleReceipt)
}

// Len reports messages not yet acknowledged, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Acked reports how many messages have been acknowledged.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// NotifySuffixes returns an object-store hook that enqueues keys matching
// suffixes. It mirrors a bucket event notification filtered by suffix.
func (q *Queue) NotifySuffixes(suffixes []string) func(key string) {
	return func(key string) {
		if !trail.HasSuffix(key, suffixes) {
			return
		}
		_, _ = q.Send(context.Background(), key) //nolint:errcheck // background context never cancels
	}
}
