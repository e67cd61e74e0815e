package workq

import (
	"context"
	"log/slog"
	"time"
)

// Handler processes one dequeued message. A nil return acks the message; an
// error releases it for redelivery (permanent failures are handled inside
// the workflows, which record FAILED state and return nil so the message is
// not retried).
type Handler func(ctx context.Context, msg *Message) error

// Coordinator long-polls the image and region queues with configured weights
// and dispatches messages to the workflow handlers. While a handler runs, a
// background heartbeat extends the message visibility so no other worker
// reclaims the work.
type Coordinator struct {
	ImageQueue   Queue
	RegionQueue  Queue
	ImageWeight  int
	RegionWeight int

	PollWait          time.Duration
	Visibility        time.Duration
	HeartbeatInterval time.Duration

	HandleImage  Handler
	HandleRegion Handler

	Log *slog.Logger
}

// Run polls both queues until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.ImageWeight < 1 {
		c.ImageWeight = 1
	}
	if c.RegionWeight < 1 {
		c.RegionWeight = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Visibility / 2
	}

	slot := 0
	cycle := c.ImageWeight + c.RegionWeight
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Region work drains ahead of new images within each cycle so
		// in-progress jobs finish before new ones fan out.
		if slot%cycle < c.RegionWeight {
			c.pollOnce(ctx, c.RegionQueue, c.HandleRegion, "region")
		} else {
			c.pollOnce(ctx, c.ImageQueue, c.HandleImage, "image")
		}
		slot++
	}
}

// pollOnce receives at most one message from the queue and processes it.
func (c *Coordinator) pollOnce(ctx context.Context, q Queue, handle Handler, kind string) {
	msg, err := q.Receive(ctx, c.PollWait)
	if err != nil || msg == nil {
		return
	}
	c.Process(ctx, q, msg, handle, kind)
}

// Process runs the handler for one message with heartbeat protection and
// applies the ack/release policy to the outcome.
func (c *Coordinator) Process(ctx context.Context, q Queue, msg *Message, handle Handler, kind string) {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.heartbeat(heartbeatCtx, q, msg.ID)
	}()

	err := handle(ctx, msg)
	stopHeartbeat()
	<-done

	if err != nil {
		c.Log.Warn("request failed, releasing for redelivery",
			"queue", kind, "message_id", msg.ID, "receive_count", msg.ReceiveCount, "error", err)
		if releaseErr := q.Release(ctx, msg.ID); releaseErr != nil {
			c.Log.Error("failed to release message", "queue", kind, "message_id", msg.ID, "error", releaseErr)
		}
		return
	}
	if ackErr := q.Ack(ctx, msg.ID); ackErr != nil {
		c.Log.Error("failed to ack message", "queue", kind, "message_id", msg.ID, "error", ackErr)
	}
}

// heartbeat extends message visibility on an interval until cancelled. A
// failed extension abandons the work: the message becomes visible again and
// another worker picks it up, which is safe because all workflow operations
// are idempotent against partial progress.
func (c *Coordinator) heartbeat(ctx context.Context, q Queue, id string) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Extend(ctx, id, c.Visibility); err != nil {
				c.Log.Warn("visibility heartbeat failed", "message_id", id, "error", err)
				return
			}
		}
	}
}
