package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testDriver() *Driver {
	return NewDriver(Config{
		SampleRate:  48000,
		Channels:    2,
		Bitrate:     96000,
		Application: "voip",
		Complexity:  5,
		FrameMS:     20,
	}, FixedResolver("test-device"))
}

func TestBusLoopEOSTerminatesCleanly(t *testing.T) {
	t.Parallel()
	d := testDriver()
	d.post(busMsg{kind: msgEOS})

	if err := d.runBus(context.Background()); err != nil {
		t.Fatalf("runBus after EOS = %v, want nil", err)
	}
}

func TestBusLoopWarningIsNonFatal(t *testing.T) {
	t.Parallel()
	d := testDriver()

	// A warning must not terminate the loop; a subsequent EOS still ends
	// it cleanly.
	d.post(busMsg{kind: msgWarning, err: errors.New("transient underrun")})
	d.post(busMsg{kind: msgEOS})

	done := make(chan error, 1)
	go func() { done <- d.runBus(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runBus = %v, want clean exit after warning then EOS", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runBus terminated on warning or hung")
	}
}

func TestBusLoopErrorIsFatal(t *testing.T) {
	t.Parallel()
	d := testDriver()

	cause := errors.New("device disappeared")
	d.post(busMsg{kind: msgError, err: cause})

	err := d.runBus(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("runBus = %v, want wrapped pipeline error", err)
	}
	if !strings.Contains(err.Error(), "capture pipeline") {
		t.Fatalf("error %q lacks pipeline context", err)
	}
}

func TestBusLoopContextCancellation(t *testing.T) {
	t.Parallel()
	d := testDriver()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.runBus(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("runBus = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runBus did not observe cancellation")
	}
}

func TestPostNeverBlocks(t *testing.T) {
	t.Parallel()
	d := testDriver()

	// Flood well past the bus capacity; post must drop, not block, since
	// it runs on the device callback thread.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.post(busMsg{kind: msgWarning, err: errors.New("flood")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("post blocked on a full bus")
	}
}
