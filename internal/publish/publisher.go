package publish

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/opuscast/internal/media"
)

// progressInterval is how many forwarded frames between progress log lines.
const progressInterval = 100

// GroupWriter is one open group accepting ordered frame writes.
type GroupWriter interface {
	WriteFrame(payload []byte, timestampUS uint64) error
	Close() error
}

// TrackWriter appends groups to a track in strict order.
type TrackWriter interface {
	AppendGroup(ctx context.Context) (GroupWriter, error)
}

// Publisher drains the frame queue and maps each frame onto exactly one
// group: open, write the single object, close. The mapping preserves
// per-frame ordering and lets the relay treat every encoded frame as an
// independently delivered unit.
type Publisher struct {
	log   *slog.Logger
	track TrackWriter
}

// NewPublisher creates a Publisher forwarding to the given track.
func NewPublisher(track TrackWriter) *Publisher {
	return &Publisher{
		log:   slog.With("component", "publish"),
		track: track,
	}
}

// Run forwards frames until the queue reports closed-and-drained (returns
// nil) or a transport write fails (fatal). Cancellation of ctx also ends the
// loop, surfacing the context error.
func (p *Publisher) Run(ctx context.Context, q *media.FrameQueue) error {
	var count uint64
	for {
		frame, ok := q.Receive(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.log.Info("publisher finished", "frames", count)
			return nil
		}

		group, err := p.track.AppendGroup(ctx)
		if err != nil {
			return fmt.Errorf("append group: %w", err)
		}
		if err := group.WriteFrame(frame.Payload, frame.TimestampUS); err != nil {
			_ = group.Close()
			return fmt.Errorf("write frame: %w", err)
		}
		if err := group.Close(); err != nil {
			return fmt.Errorf("close group: %w", err)
		}

		count++
		if count%progressInterval == 0 {
			p.log.Info("published frames", "count", count, "queue_depth", q.Len())
		}
	}
}

// Driver is the publish side of a run: it holds the session alive (control
// loop) while the Publisher drains the queue. Either part failing ends the
// other via the shared context.
type Driver struct {
	session *Session
	pub     *Publisher
}

// NewDriver performs all fatal-startup work — connect, announce, track
// creation — and returns a Driver ready to drain frames.
func NewDriver(ctx context.Context, cfg Config) (*Driver, error) {
	sess, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	broadcast, err := sess.CreateBroadcast(ctx, cfg.BroadcastPath)
	if err != nil {
		sess.Close()
		return nil, err
	}

	track := broadcast.CreateTrack(cfg.TrackName, 1)

	return &Driver{
		session: sess,
		pub:     NewPublisher(track),
	}, nil
}

// Run blocks until the drain loop finishes and the session is torn down.
// A clean drain (producer closed the queue) returns nil.
func (d *Driver) Run(ctx context.Context, q *media.FrameQueue) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.session.ServeControl(ctx)
	})

	g.Go(func() error {
		defer d.session.Close()
		return d.pub.Run(ctx, q)
	})

	return g.Wait()
}
