package capture

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest packet libopus is documented to produce.
const maxOpusPacket = 4000

// opusEncoder implements FrameEncoder with libopus. One instance serves one
// capture session; it is only ever called from the device callback thread.
type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func newOpusEncoder(sampleRate, channels, bitrate, complexity int, application string) (*opusEncoder, error) {
	app := opus.AppAudio
	if application == "voip" || application == "voice" {
		app = opus.AppVoIP
	}

	enc, err := opus.NewEncoder(sampleRate, channels, app)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("set bitrate %d: %w", bitrate, err)
	}
	if err := enc.SetComplexity(complexity); err != nil {
		return nil, fmt.Errorf("set complexity %d: %w", complexity, err)
	}

	return &opusEncoder{
		enc: enc,
		buf: make([]byte, maxOpusPacket),
	}, nil
}

// Encode compresses one frame of interleaved PCM. The returned slice is a
// fresh copy; the internal buffer is reused across calls.
func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
