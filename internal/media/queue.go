package media

import (
	"context"
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by Send once the consumer side is gone. The
// producer must treat it as fatal: there is no one left to deliver to.
var ErrQueueClosed = errors.New("media: frame queue consumer gone")

// FrameQueue is a bounded, ordered, single-producer/single-consumer queue of
// frames. It is the only state shared between the capture thread and the
// publish task. The producer owns Send and Close; the consumer owns Receive.
//
// Delivery order equals production order. A frame accepted by Send is never
// lost or duplicated. A full queue blocks Send until the consumer removes an
// element, which is the system's backpressure mechanism.
type FrameQueue struct {
	ch chan *Frame
}

// NewFrameQueue creates a queue with the given capacity. Capacity must be at
// least 1; use FrameBufferSize unless a test needs a smaller bound.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan *Frame, capacity)}
}

// Send enqueues a frame, blocking while the queue is full. It returns
// ErrQueueClosed (wrapping the context error) when ctx is cancelled, which
// is how the producer learns the consumer has terminated.
func (q *FrameQueue) Send(ctx context.Context, f *Frame) error {
	select {
	case q.ch <- f:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrQueueClosed, ctx.Err())
	}
}

// Close marks the end of the stream. Only the producer may call it, exactly
// once, after its final Send. It is the sole termination signal the consumer
// observes.
func (q *FrameQueue) Close() {
	close(q.ch)
}

// Receive dequeues the next frame, blocking until one is available. It
// returns ok=false exactly once, after the producer has closed the queue and
// all accepted frames have been drained, or when ctx is cancelled.
func (q *FrameQueue) Receive(ctx context.Context) (*Frame, bool) {
	select {
	case f, ok := <-q.ch:
		return f, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Len reports the number of frames currently buffered. Used for telemetry
// only; the value is stale by the time the caller sees it.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}
