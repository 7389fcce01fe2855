// Package bridge orchestrates one run: the capture driver and the publish
// driver execute concurrently, connected only by the frame queue.
package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/opuscast/internal/media"
)

// Runner is one side of the bridge. The producer side must close the queue
// before returning; the consumer side drains until the queue reports closed.
type Runner interface {
	Run(ctx context.Context, q *media.FrameQueue) error
}

// Run executes producer and consumer concurrently and returns after BOTH
// have terminated. The first error cancels the shared context, which
// unblocks the other side (queue sends fail, network operations abort), and
// becomes the run's result.
//
// When the producer finishes cleanly, the closed queue lets the consumer
// drain every buffered frame and exit cleanly — a graceful drain-then-stop,
// not a fire-and-forget race.
func Run(ctx context.Context, q *media.FrameQueue, producer, consumer Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return producer.Run(ctx, q)
	})

	g.Go(func() error {
		return consumer.Run(ctx, q)
	})

	return g.Wait()
}
