package capture

import (
	"encoding/binary"

	"github.com/zsiec/opuscast/internal/media"
)

// FrameEncoder compresses one fixed-duration block of interleaved PCM into an
// encoded packet.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// accumulator assembles the capture device's arbitrarily sized S16LE buffers
// into exact encoder frames and stamps each encoded frame from the running
// sample clock. It is driven entirely from the device's data callback thread;
// no locking is needed.
type accumulator struct {
	enc          FrameEncoder
	channels     int
	sampleRate   int
	frameSamples int // samples per channel per encoded frame
	buf          []int16
	clockSamples uint64 // per-channel samples already handed to the encoder
	emit         func(*media.Frame) error
}

func newAccumulator(enc FrameEncoder, sampleRate, channels, frameMS int, emit func(*media.Frame) error) *accumulator {
	frameSamples := sampleRate * frameMS / 1000
	return &accumulator{
		enc:          enc,
		channels:     channels,
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		buf:          make([]int16, 0, frameSamples*channels*2),
		emit:         emit,
	}
}

// feed appends one device buffer and emits every complete frame it unlocks.
// The first emitted frame carries timestamp zero; subsequent timestamps
// advance by exactly one frame duration.
func (a *accumulator) feed(data []byte) error {
	for i := 0; i+1 < len(data); i += 2 {
		a.buf = append(a.buf, int16(binary.LittleEndian.Uint16(data[i:])))
	}

	need := a.frameSamples * a.channels
	for len(a.buf) >= need {
		payload, err := a.enc.Encode(a.buf[:need])
		if err != nil {
			return err
		}

		frame := &media.Frame{
			Payload:     payload,
			TimestampUS: a.clockSamples * 1_000_000 / uint64(a.sampleRate),
		}
		a.clockSamples += uint64(a.frameSamples)

		if err := a.emit(frame); err != nil {
			return err
		}
		a.buf = a.buf[:copy(a.buf, a.buf[need:])]
	}
	return nil
}
