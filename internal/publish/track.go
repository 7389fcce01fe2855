package publish

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/opuscast/internal/moq"
)

// Compile-time interface check.
var _ TrackWriter = (*Track)(nil)

// Broadcast is a named collection of tracks announced to the relay under a
// path-derived namespace.
type Broadcast struct {
	session   *Session
	path      string
	namespace []string
}

// CreateTrack registers a named, prioritized track on the broadcast. The
// control loop answers relay SUBSCRIBEs for it with the allocated alias.
// This design publishes a single audio track.
func (b *Broadcast) CreateTrack(name string, priority byte) *Track {
	t := &Track{
		session:  b.session,
		name:     name,
		priority: priority,
	}
	b.session.registerTrack(t)
	t.writer = moq.NewObjectWriter(t.alias, priority)
	b.session.log.Info("track created", "track", name, "alias", t.alias, "priority", priority)
	return t
}

// Track carries a strictly ordered sequence of groups. It is driven by the
// single publisher goroutine, so group sequencing needs no locking; at most
// one group is open for writing at a time.
type Track struct {
	session  *Session
	name     string
	alias    uint64
	priority byte
	writer   *moq.ObjectWriter
	groupID  uint64
}

// AppendGroup opens the track's next group as a fresh unidirectional QUIC
// stream and writes the subgroup header. Group IDs are strictly increasing.
func (t *Track) AppendGroup(ctx context.Context) (GroupWriter, error) {
	stream, err := t.session.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open group stream: %w", err)
	}

	if err := t.writer.WriteSubgroupHeader(stream, t.groupID); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("write group %d header: %w", t.groupID, err)
	}

	g := &Group{track: t, id: t.groupID, stream: stream}
	t.groupID++
	return g, nil
}

// Group is one open transport group. Once closed it accepts no further
// writes; the relay delivers each group independently.
type Group struct {
	track  *Track
	id     uint64
	stream quic.SendStream
	closed bool
}

// WriteFrame appends one frame payload as the group's next object, carrying
// the capture timestamp as a LOC header extension.
func (g *Group) WriteFrame(payload []byte, timestampUS uint64) error {
	if g.closed {
		return moq.ErrGroupClosed
	}
	if _, err := g.track.writer.WriteObject(g.stream, payload, timestampUS); err != nil {
		return fmt.Errorf("write object to group %d: %w", g.id, err)
	}
	return nil
}

// Close finishes the group. The FIN cleanly delimits the group for the
// relay; the stream's data is still delivered in order.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.stream.Close()
}
