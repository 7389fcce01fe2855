// Package capture owns the device-to-encoder pipeline. It runs malgo device
// capture on its own native callback thread, assembles and Opus-encodes
// fixed-duration frames, and pushes them into the frame queue with a
// blocking send so that a stalled publisher backpressures the device.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/opuscast/internal/media"
)

// Config holds the capture and encode parameters for one session.
type Config struct {
	// Device is the capture source name. Empty means "resolve the default
	// sink's monitor source" via the DeviceResolver.
	Device        string
	SampleRate    int
	Channels      int
	Bitrate       int
	Application   string // "voip" or "audio"
	Complexity    int    // 0..10
	FrameMS       int
	BufferTimeUS  int
	LatencyTimeUS int
}

type msgKind int

const (
	msgEOS msgKind = iota
	msgError
	msgWarning
)

// busMsg is one lifecycle message from the capture callbacks to the driver
// loop. EOS ends the run cleanly, an error ends it fatally, a warning is
// logged and the run continues.
type busMsg struct {
	kind msgKind
	err  error
}

// Driver owns the capture pipeline for one run: it resolves the source,
// opens the device, encodes frames into the queue, and blocks on the
// lifecycle bus until the pipeline terminates. The frame queue's producer
// half belongs to the Driver; it is closed on every exit path.
type Driver struct {
	log      *slog.Logger
	cfg      Config
	resolver DeviceResolver
	newEnc   func(Config) (FrameEncoder, error)

	bus     chan busMsg
	stopped atomic.Bool
}

// NewDriver creates a Driver. A nil resolver defaults to pactl-based
// resolution of the default sink's monitor.
func NewDriver(cfg Config, resolver DeviceResolver) *Driver {
	if resolver == nil {
		resolver = NewPactlResolver()
	}
	return &Driver{
		log:      slog.With("component", "capture"),
		cfg:      cfg,
		resolver: resolver,
		newEnc: func(c Config) (FrameEncoder, error) {
			return newOpusEncoder(c.SampleRate, c.Channels, c.Bitrate, c.Complexity, c.Application)
		},
		bus: make(chan busMsg, 16),
	}
}

// Run drives the pipeline to completion. Device resolution, encoder creation,
// and device setup failures abort before the lifecycle loop starts. Once
// running, Run blocks consuming the bus until end-of-stream (nil), a fatal
// pipeline error, or ctx cancellation. The queue is closed before returning
// so the publisher always observes termination.
func (d *Driver) Run(ctx context.Context, q *media.FrameQueue) error {
	defer q.Close()

	device := d.cfg.Device
	if device == "" {
		var err error
		device, err = d.resolver.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve capture device: %w", err)
		}
	}
	d.log.Info("audio source", "device", device)

	enc, err := d.newEnc(d.cfg)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.log.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	deviceID, err := d.findDevice(mctx, device)
	if err != nil {
		return err
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(d.cfg.SampleRate)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(d.cfg.Channels)
	if deviceID != nil {
		devCfg.Capture.DeviceID = deviceID.Pointer()
	}
	if d.cfg.LatencyTimeUS > 0 {
		devCfg.PeriodSizeInMilliseconds = uint32(d.cfg.LatencyTimeUS / 1000)
		if d.cfg.BufferTimeUS > d.cfg.LatencyTimeUS {
			devCfg.Periods = uint32(d.cfg.BufferTimeUS / d.cfg.LatencyTimeUS)
		}
	}

	acc := newAccumulator(enc, d.cfg.SampleRate, d.cfg.Channels, d.cfg.FrameMS, func(f *media.Frame) error {
		return q.Send(ctx, f)
	})

	callbacks := malgo.DeviceCallbacks{
		// Runs on malgo's native capture thread. The blocking Send inside
		// feed stalls only this thread; miniaudio's internal buffering
		// absorbs the stall until the queue drains.
		Data: func(_, input []byte, _ uint32) {
			if d.stopped.Load() {
				return
			}
			if err := acc.feed(input); err != nil {
				d.stopped.Store(true)
				d.post(busMsg{kind: msgError, err: err})
			}
		},
		Stop: func() {
			d.post(busMsg{kind: msgEOS})
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		return fmt.Errorf("init capture device %q: %w", device, err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("start capture device %q: %w", device, err)
	}
	d.log.Info("capture started",
		"rate", d.cfg.SampleRate,
		"channels", d.cfg.Channels,
		"bitrate", d.cfg.Bitrate,
		"frame_ms", d.cfg.FrameMS,
	)

	runErr := d.runBus(ctx)

	d.stopped.Store(true)
	_ = dev.Stop()
	return runErr
}

// runBus blocks consuming lifecycle messages until the pipeline terminates.
// Split from Run so the message semantics are testable without a device.
func (d *Driver) runBus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-d.bus:
			switch m.kind {
			case msgEOS:
				d.log.Info("capture finished")
				return nil
			case msgError:
				return fmt.Errorf("capture pipeline: %w", m.err)
			case msgWarning:
				d.log.Warn("capture warning", "error", m.err)
			}
		}
	}
}

// post delivers a bus message without ever blocking a device callback. The
// stopped flag guarantees at most one error is ever posted, so a full bus
// can only drop warnings.
func (d *Driver) post(m busMsg) {
	select {
	case d.bus <- m:
	default:
		if m.kind == msgWarning {
			d.log.Warn("capture warning dropped", "error", m.err)
		}
	}
}

// findDevice locates the named capture device, preferring an exact name
// match and falling back to a case-insensitive substring match. A nil ID
// with nil error means "use the backend default device".
func (d *Driver) findDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	for i := range infos {
		if infos[i].Name() == name {
			return &infos[i].ID, nil
		}
	}
	lower := strings.ToLower(name)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), lower) {
			d.log.Debug("matched capture device by substring", "requested", name, "device", infos[i].Name())
			return &infos[i].ID, nil
		}
	}

	return nil, fmt.Errorf("capture device %q not found (%d devices available)", name, len(infos))
}
