package workq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with visibility timeouts and a
// dead-letter policy, used by tests and single-node runs.
type MemoryQueue struct {
	mu              sync.Mutex
	items           []*memoryItem
	deadLetters     []Message
	visibility      time.Duration
	maxReceiveCount int
	nextID          int

	// DeadLetterHook is invoked (outside the queue lock) for every message
	// that exhausts its receive count.
	DeadLetterHook func(Message)

	// now is the clock, replaceable in tests.
	now func() time.Time
}

type memoryItem struct {
	msg       Message
	visibleAt time.Time
	inFlight  bool
}

// NewMemoryQueue creates a queue with the given visibility timeout and
// max receive count before dead-lettering.
func NewMemoryQueue(visibility time.Duration, maxReceiveCount int) *MemoryQueue {
	return &MemoryQueue{
		visibility:      visibility,
		maxReceiveCount: maxReceiveCount,
		now:             time.Now,
	}
}

// Send enqueues a message body.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	stored := make([]byte, len(body))
	copy(stored, body)
	q.items = append(q.items, &memoryItem{
		msg: Message{ID: fmt.Sprintf("m-%d", q.nextID), Body: stored},
	})
	return nil
}

// Receive returns the next visible message, waiting up to the given
// duration. Messages that exceed the receive count are dead-lettered
// instead of being delivered again.
func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := q.now().Add(wait)
	for {
		if msg, dead := q.tryReceive(); msg != nil {
			return msg, nil
		} else if dead != nil && q.DeadLetterHook != nil {
			q.DeadLetterHook(*dead)
			continue
		}
		if q.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// tryReceive pops the first deliverable message, or reports a dead-lettered
// one that should trigger the hook.
func (q *MemoryQueue) tryReceive() (*Message, *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, item := range q.items {
		if item.inFlight && now.Before(item.visibleAt) {
			continue
		}
		if item.msg.ReceiveCount >= q.maxReceiveCount {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.deadLetters = append(q.deadLetters, item.msg)
			dead := item.msg
			return nil, &dead
		}
		item.msg.ReceiveCount++
		item.inFlight = true
		item.visibleAt = now.Add(q.visibility)
		delivered := item.msg
		return &delivered, nil
	}
	return nil, nil
}

// Ack removes a delivered message permanently.
func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.msg.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %q not found", id)
}

// Extend pushes the visibility deadline out for an in-flight message.
func (q *MemoryQueue) Extend(ctx context.Context, id string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.msg.ID == id && item.inFlight {
			item.visibleAt = q.now().Add(timeout)
			return nil
		}
	}
	return fmt.Errorf("message %q not in flight", id)
}

// Release makes a delivered message visible again immediately.
func (q *MemoryQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.msg.ID == id && item.inFlight {
			item.inFlight = false
			item.visibleAt = q.now()
			return nil
		}
	}
	return fmt.Errorf("message %q not in flight", id)
}

// DeadLetters returns a copy of the dead-letter queue.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Len reports how many messages remain queued or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
