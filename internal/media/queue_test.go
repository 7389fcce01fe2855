package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func frame(i int) *Frame {
	return &Frame{Payload: []byte{byte(i)}, TimestampUS: uint64(i) * 20_000}
}

func TestOrderingUpToAndBeyondCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 8
	for _, n := range []int{0, 1, capacity, capacity + 1} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			q := NewFrameQueue(capacity)

			go func() {
				for i := 0; i < n; i++ {
					if err := q.Send(ctx, frame(i)); err != nil {
						t.Errorf("Send(%d): %v", i, err)
						return
					}
				}
				q.Close()
			}()

			for i := 0; i < n; i++ {
				f, ok := q.Receive(ctx)
				if !ok {
					t.Fatalf("Receive(%d): queue closed early", i)
				}
				if got := int(f.Payload[0]); got != i {
					t.Fatalf("Receive(%d): got frame %d, order violated", i, got)
				}
			}

			if f, ok := q.Receive(ctx); ok {
				t.Fatalf("expected terminal marker, got frame %v", f.Payload)
			}
		})
	}
}

func TestClosedSignalExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewFrameQueue(4)
	q.Close()

	for i := 0; i < 3; i++ {
		if f, ok := q.Receive(ctx); ok {
			t.Fatalf("Receive after close returned phantom frame %v", f)
		}
	}
}

func TestBackpressureBlocksAtExactlyCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const capacity = 4
	q := NewFrameQueue(capacity)

	// Fill to capacity: none of these may block.
	for i := 0; i < capacity; i++ {
		done := make(chan error, 1)
		go func(i int) { done <- q.Send(ctx, frame(i)) }(i)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Send(%d): %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Send(%d) blocked below capacity", i)
		}
	}

	// The capacity+1'th send must block until the consumer makes room.
	blocked := make(chan error, 1)
	go func() { blocked <- q.Send(ctx, frame(capacity)) }()
	select {
	case <-blocked:
		t.Fatal("send into full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.Receive(ctx); !ok {
		t.Fatal("Receive failed with frames pending")
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked send failed after room was made: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send still blocked after consumer removed an element")
	}
}

func TestSendFailsWhenConsumerGone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	q := NewFrameQueue(1)
	if err := q.Send(ctx, frame(0)); err != nil {
		t.Fatalf("Send into empty queue: %v", err)
	}

	cancel() // consumer gone

	err := q.Send(ctx, frame(1))
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Send after consumer gone = %v, want ErrQueueClosed", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error should wrap the context error, got %v", err)
	}
}

// TestCapacityTwoScenario walks the exact interleaving of a two-slot queue:
// A and B fill it, C blocks, the consumer frees a slot, and the terminal
// marker arrives only after every accepted frame.
func TestCapacityTwoScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewFrameQueue(2)
	a, b, c := frame('A'), frame('B'), frame('C')

	if err := q.Send(ctx, a); err != nil {
		t.Fatalf("send A: %v", err)
	}
	if err := q.Send(ctx, b); err != nil {
		t.Fatalf("send B: %v", err)
	}

	cSent := make(chan error, 1)
	go func() { cSent <- q.Send(ctx, c) }()
	select {
	case <-cSent:
		t.Fatal("send C succeeded with queue full")
	case <-time.After(50 * time.Millisecond):
	}

	if f, ok := q.Receive(ctx); !ok || f != a {
		t.Fatalf("first receive: got %v, want A", f)
	}

	select {
	case err := <-cSent:
		if err != nil {
			t.Fatalf("send C after room: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send C still blocked after A was consumed")
	}

	if f, ok := q.Receive(ctx); !ok || f != b {
		t.Fatalf("second receive: got %v, want B", f)
	}
	if f, ok := q.Receive(ctx); !ok || f != c {
		t.Fatalf("third receive: got %v, want C", f)
	}

	q.Close()
	if _, ok := q.Receive(ctx); ok {
		t.Fatal("expected terminal marker after close")
	}
}
