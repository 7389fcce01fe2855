package publish

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/opuscast/internal/moq"
)

func TestParseRelayURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantAddr string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "https with port and path",
			raw:      "https://localhost:4443/anon",
			wantAddr: "localhost:4443",
			wantPath: "/anon",
		},
		{
			name:     "moq scheme",
			raw:      "moq://relay.example.com:4443/live",
			wantAddr: "relay.example.com:4443",
			wantPath: "/live",
		},
		{
			name:     "default port",
			raw:      "https://relay.example.com/anon",
			wantAddr: "relay.example.com:443",
			wantPath: "/anon",
		},
		{
			name:     "empty path",
			raw:      "https://localhost:4443",
			wantAddr: "localhost:4443",
			wantPath: "",
		},
		{
			name:    "unsupported scheme",
			raw:     "http://localhost:4443/anon",
			wantErr: true,
		},
		{
			name:    "missing host",
			raw:     "https:///anon",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addr, path, err := ParseRelayURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRelayURL(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if addr != tt.wantAddr || path != tt.wantPath {
				t.Fatalf("ParseRelayURL(%q) = (%q, %q), want (%q, %q)",
					tt.raw, addr, path, tt.wantAddr, tt.wantPath)
			}
		})
	}
}

type mockControlStream struct {
	Reader *bytes.Buffer
	Writer *bytes.Buffer
}

var _ quic.Stream = (*mockControlStream)(nil)

func (m *mockControlStream) Read(p []byte) (int, error)          { return m.Reader.Read(p) }
func (m *mockControlStream) Write(p []byte) (int, error)         { return m.Writer.Write(p) }
func (m *mockControlStream) Close() error                        { return nil }
func (m *mockControlStream) CancelRead(_ quic.StreamErrorCode)   {}
func (m *mockControlStream) CancelWrite(_ quic.StreamErrorCode)  {}
func (m *mockControlStream) SetDeadline(_ time.Time) error       { return nil }
func (m *mockControlStream) SetReadDeadline(_ time.Time) error   { return nil }
func (m *mockControlStream) SetWriteDeadline(_ time.Time) error  { return nil }
func (m *mockControlStream) StreamID() quic.StreamID             { return 0 }
func (m *mockControlStream) Context() context.Context            { return context.Background() }

// newTestSession wires a Session to in-memory buffers: relayMsgs feeds the
// control reader, responses captures what the session writes.
func newTestSession(relayMsgs, responses *bytes.Buffer) *Session {
	stream := &mockControlStream{Reader: relayMsgs, Writer: responses}
	s := &Session{
		log:           slog.With("component", "publish"),
		control:       stream,
		controlReader: bufio.NewReader(stream),
		tracks:        make(map[string]*Track),
	}
	s.relayQuota.Store(maxRequestID)
	return s
}

func serverSetupPayload(version, maxReqID uint64) []byte {
	var data []byte
	data = quicvarint.Append(data, version)
	data = quicvarint.Append(data, 1)
	data = quicvarint.Append(data, moq.ParamMaxRequestID)
	data = quicvarint.Append(data, maxReqID)
	return data
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	relayMsgs := &bytes.Buffer{}
	responses := &bytes.Buffer{}
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgServerSetup, serverSetupPayload(moq.Version, 64)); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(relayMsgs, responses)
	if err := s.handshake("/anon"); err != nil {
		t.Fatal(err)
	}

	if got := s.relayQuota.Load(); got != 64 {
		t.Fatalf("relay quota = %d, want 64", got)
	}

	msgType, payload, err := moq.ReadControlMsg(responses)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != moq.MsgClientSetup {
		t.Fatalf("sent type = %#x, want CLIENT_SETUP", msgType)
	}
	if !bytes.Contains(payload, []byte("/anon")) {
		t.Fatal("CLIENT_SETUP missing PATH parameter")
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	t.Parallel()
	relayMsgs := &bytes.Buffer{}
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgServerSetup, serverSetupPayload(0xff000001, 0)); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(relayMsgs, &bytes.Buffer{})
	if err := s.handshake("/anon"); !errors.Is(err, moq.ErrVersionMismatch) {
		t.Fatalf("handshake = %v, want version mismatch", err)
	}
}

func TestHandshakeUnexpectedMessage(t *testing.T) {
	t.Parallel()
	relayMsgs := &bytes.Buffer{}
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgGoAway, nil); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(relayMsgs, &bytes.Buffer{})
	if err := s.handshake("/anon"); err == nil {
		t.Fatal("expected error when SERVER_SETUP is not the first message")
	}
}

func TestCreateBroadcast(t *testing.T) {
	t.Parallel()
	relayMsgs := &bytes.Buffer{}
	responses := &bytes.Buffer{}

	// An early MAX_REQUEST_ID before the ANNOUNCE_OK must be absorbed.
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgMaxRequestID, quicvarint.Append(nil, 512)); err != nil {
		t.Fatal(err)
	}
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgAnnounceOK, quicvarint.Append(nil, 0)); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(relayMsgs, responses)
	b, err := s.CreateBroadcast(context.Background(), "/live/audio")
	if err != nil {
		t.Fatal(err)
	}

	if got := s.relayQuota.Load(); got != 512 {
		t.Fatalf("relay quota = %d, want 512", got)
	}

	msgType, payload, err := moq.ReadControlMsg(responses)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != moq.MsgAnnounce {
		t.Fatalf("sent type = %#x, want ANNOUNCE", msgType)
	}
	if !bytes.Contains(payload, []byte("live")) || !bytes.Contains(payload, []byte("audio")) {
		t.Fatal("ANNOUNCE missing namespace tuple")
	}

	if len(b.namespace) != 2 || b.namespace[0] != "live" || b.namespace[1] != "audio" {
		t.Fatalf("broadcast namespace = %v", b.namespace)
	}
}

func TestCreateBroadcastDenied(t *testing.T) {
	t.Parallel()
	relayMsgs := &bytes.Buffer{}

	var payload []byte
	payload = quicvarint.Append(payload, 0)   // request id
	payload = quicvarint.Append(payload, 403) // error code
	payload = quicvarint.Append(payload, uint64(len("unauthorized")))
	payload = append(payload, "unauthorized"...)
	if err := moq.WriteControlMsg(relayMsgs, moq.MsgAnnounceError, payload); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(relayMsgs, &bytes.Buffer{})
	if _, err := s.CreateBroadcast(context.Background(), "/live/audio"); !errors.Is(err, moq.ErrAnnounceDenied) {
		t.Fatalf("CreateBroadcast = %v, want announce denied", err)
	}
}

func TestHandleSubscribeKnownTrack(t *testing.T) {
	t.Parallel()
	responses := &bytes.Buffer{}
	s := newTestSession(&bytes.Buffer{}, responses)
	s.namespace = []string{"live", "audio"}
	s.registerTrack(&Track{session: s, name: "audio"})

	s.handleSubscribe(moq.Subscribe{
		RequestID: 3,
		Namespace: []string{"live", "audio"},
		TrackName: "audio",
	})

	msgType, payload, err := moq.ReadControlMsg(responses)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != moq.MsgSubscribeOK {
		t.Fatalf("response type = %#x, want SUBSCRIBE_OK", msgType)
	}

	buf := bytes.NewBuffer(payload)
	reqID, err := quicvarint.Read(buf)
	if err != nil || reqID != 3 {
		t.Fatalf("request id = %d (%v), want 3", reqID, err)
	}
}

func TestHandleSubscribeUnknownTrack(t *testing.T) {
	t.Parallel()
	responses := &bytes.Buffer{}
	s := newTestSession(&bytes.Buffer{}, responses)
	s.namespace = []string{"live", "audio"}

	s.handleSubscribe(moq.Subscribe{
		RequestID: 5,
		Namespace: []string{"live", "audio"},
		TrackName: "video",
	})

	msgType, _, err := moq.ReadControlMsg(responses)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != moq.MsgSubscribeError {
		t.Fatalf("response type = %#x, want SUBSCRIBE_ERROR", msgType)
	}
}

func TestHandleSubscribeWrongNamespace(t *testing.T) {
	t.Parallel()
	responses := &bytes.Buffer{}
	s := newTestSession(&bytes.Buffer{}, responses)
	s.namespace = []string{"live", "audio"}
	s.registerTrack(&Track{session: s, name: "audio"})

	s.handleSubscribe(moq.Subscribe{
		RequestID: 7,
		Namespace: []string{"other"},
		TrackName: "audio",
	})

	msgType, _, err := moq.ReadControlMsg(responses)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != moq.MsgSubscribeError {
		t.Fatalf("response type = %#x, want SUBSCRIBE_ERROR", msgType)
	}
}

func TestSplitBroadcastPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want []string
	}{
		{"/live/audio", []string{"live", "audio"}},
		{"live/audio", []string{"live", "audio"}},
		{"/live/audio/", []string{"live", "audio"}},
		{"/", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := splitBroadcastPath(tt.path)
		if len(got) != len(tt.want) {
			t.Fatalf("splitBroadcastPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("splitBroadcastPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		}
	}
}

func TestRequestIDsAreEven(t *testing.T) {
	t.Parallel()
	s := newTestSession(&bytes.Buffer{}, &bytes.Buffer{})

	for want := uint64(0); want < 8; want += 2 {
		if got := s.nextRequestID(); got != want {
			t.Fatalf("request id = %d, want %d", got, want)
		}
	}
}
