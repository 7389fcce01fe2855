package moq

import (
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MoQ stream type constants (draft-ietf-moq-transport-15).
const (
	// StreamTypeSubgroupSIDExt indicates a subgroup stream with an explicit
	// Subgroup ID in the header and per-object extension headers.
	StreamTypeSubgroupSIDExt uint64 = 0x0d
)

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	// LocExtCaptureTimestamp carries the capture timestamp in microseconds
	// (even ID → varint value).
	LocExtCaptureTimestamp uint64 = 2
)

// ObjectWriter produces MoQ data-stream framing for one track: subgroup
// headers with QUIC varint fields and object headers carrying the LOC
// capture-timestamp extension. One ObjectWriter serves one track; the
// object ID resets each time a new subgroup header is written.
type ObjectWriter struct {
	trackAlias        uint64
	publisherPriority byte
	objectID          uint64
}

// NewObjectWriter returns an ObjectWriter for the given track. trackAlias is
// a session-scoped identifier for the track, and publisherPriority sets the
// priority (0=highest, 255=lowest).
func NewObjectWriter(trackAlias uint64, publisherPriority byte) *ObjectWriter {
	return &ObjectWriter{
		trackAlias:        trackAlias,
		publisherPriority: publisherPriority,
	}
}

// WriteSubgroupHeader starts a new group on w. Each group maps to its own
// QUIC unidirectional stream, so the header is written exactly once per
// stream and the object sequence restarts at zero.
func (o *ObjectWriter) WriteSubgroupHeader(w io.Writer, groupID uint64) error {
	o.objectID = 0

	var buf []byte
	buf = quicvarint.Append(buf, StreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, o.trackAlias)
	buf = quicvarint.Append(buf, groupID)
	buf = quicvarint.Append(buf, 0) // subgroup ID
	buf = append(buf, o.publisherPriority)

	_, err := w.Write(buf)
	return err
}

// WriteObject writes one object header and payload. The capture timestamp is
// carried as the LOC extension so subscribers can synchronize playback.
func (o *ObjectWriter) WriteObject(w io.Writer, payload []byte, timestampUS uint64) (int64, error) {
	var exts []byte
	exts = quicvarint.Append(exts, LocExtCaptureTimestamp)
	exts = quicvarint.Append(exts, timestampUS)

	var hdr []byte
	hdr = quicvarint.Append(hdr, o.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(len(payload)))

	o.objectID++

	total := int64(len(hdr) + len(payload))
	if _, err := w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return total, nil
}
