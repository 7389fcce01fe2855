// Package media defines the encoded audio frame type and the bounded queue
// that connects the capture side to the publish side.
package media

// FrameBufferSize is the default capacity of the queue between the capture
// driver and the publisher. At 20 ms per Opus frame this absorbs ~2 seconds
// of relay stall before backpressure reaches the capture device.
const FrameBufferSize = 100

// Frame is one encoded Opus packet ready for publication. It is created by
// the capture driver, consumed exactly once by the publisher, and never
// mutated after construction.
type Frame struct {
	// Payload is the encoded Opus packet.
	Payload []byte
	// TimestampUS is the presentation timestamp in microseconds, derived
	// from the capture sample clock. Zero for the first frame of a session.
	TimestampUS uint64
}
