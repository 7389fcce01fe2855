// Package publish owns the relay side of a run: the QUIC session and MoQ
// handshake, the broadcast/track/group state, and the drain loop that maps
// each captured frame onto one transport group.
package publish

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/opuscast/internal/certs"
	"github.com/zsiec/opuscast/internal/moq"
)

// alpnMoQ is the ALPN protocol ID for MoQ Transport over raw QUIC.
const alpnMoQ = "moq-00"

// maxRequestID is the request quota we grant the relay during setup.
const maxRequestID = 100

// Config holds the relay parameters for one run.
type Config struct {
	// RelayURL is the relay endpoint, e.g. "https://localhost:4443/anon".
	// The URL path becomes the PATH setup parameter.
	RelayURL      string
	BroadcastPath string
	TrackName     string
	// Insecure disables TLS chain verification, for relays presenting
	// self-signed certificates.
	Insecure bool
}

// Session is an established MoQ publisher session. All fatal-startup work
// (URL validation, QUIC connect, setup handshake) happens in Dial; broadcast
// and track creation happen before the control loop starts, so every message
// the relay sends afterwards is handled by ServeControl.
type Session struct {
	log           *slog.Logger
	conn          quic.Connection
	control       quic.Stream
	controlReader *bufio.Reader
	controlMu     sync.Mutex

	mu        sync.RWMutex
	namespace []string
	tracks    map[string]*Track
	nextAlias uint64
	nextReqID uint64

	relayQuota atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
}

// ParseRelayURL validates a relay URL and splits it into a dialable
// host:port and the session path. The scheme must be https or moq; the port
// defaults to 443.
func ParseRelayURL(raw string) (addr, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse relay URL %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "moq" {
		return "", "", fmt.Errorf("relay URL %q: unsupported scheme %q (want https or moq)", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("relay URL %q: missing host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), u.Path, nil
}

// Dial connects to the relay and completes the CLIENT_SETUP / SERVER_SETUP
// exchange on a fresh bidirectional control stream. Every failure here is
// fatal to the run before any frame is forwarded.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	addr, path, err := ParseRelayURL(cfg.RelayURL)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, certs.ClientTLS(alpnMoQ, cfg.Insecure), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", addr, err)
	}

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	s := &Session{
		log:           slog.With("component", "publish", "relay", addr),
		conn:          conn,
		control:       control,
		controlReader: bufio.NewReader(control),
		tracks:        make(map[string]*Track),
	}
	s.relayQuota.Store(maxRequestID)

	if err := s.handshake(path); err != nil {
		_ = conn.CloseWithError(0, "setup failed")
		return nil, err
	}

	s.log.Info("connected to relay")
	return s, nil
}

// handshake sends CLIENT_SETUP and validates the SERVER_SETUP response.
func (s *Session) handshake(path string) error {
	cs := moq.ClientSetup{
		Versions:     []uint64{moq.Version},
		Path:         path,
		HasPath:      path != "",
		MaxRequestID: maxRequestID,
	}
	if err := s.writeControl(moq.MsgClientSetup, moq.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(s.controlReader)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	if msgType != moq.MsgServerSetup {
		return fmt.Errorf("expected SERVER_SETUP (0x%x), got 0x%x", moq.MsgServerSetup, msgType)
	}

	ss, err := moq.ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("parse SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != moq.Version {
		return fmt.Errorf("%w (relay selected 0x%x)", moq.ErrVersionMismatch, ss.SelectedVersion)
	}
	if ss.MaxRequestID > 0 {
		s.relayQuota.Store(ss.MaxRequestID)
	}
	return nil
}

// CreateBroadcast announces the broadcast namespace and waits for the
// relay's verdict. Must be called before ServeControl starts; the
// synchronous read here also absorbs any early MAX_REQUEST_ID updates.
func (s *Session) CreateBroadcast(ctx context.Context, path string) (*Broadcast, error) {
	namespace := splitBroadcastPath(path)
	reqID := s.nextRequestID()

	a := moq.Announce{RequestID: reqID, Namespace: namespace}
	if err := s.writeControl(moq.MsgAnnounce, moq.SerializeAnnounce(a)); err != nil {
		return nil, fmt.Errorf("write ANNOUNCE: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgType, payload, err := moq.ReadControlMsg(s.controlReader)
		if err != nil {
			return nil, fmt.Errorf("read ANNOUNCE response: %w", err)
		}

		switch msgType {
		case moq.MsgAnnounceOK:
			ok, err := moq.ParseAnnounceOK(payload)
			if err != nil {
				return nil, err
			}
			if ok.RequestID != reqID {
				return nil, fmt.Errorf("ANNOUNCE_OK for unknown request %d", ok.RequestID)
			}
			s.mu.Lock()
			s.namespace = namespace
			s.mu.Unlock()
			s.log.Info("broadcast announced", "path", path)
			return &Broadcast{session: s, path: path, namespace: namespace}, nil

		case moq.MsgAnnounceError:
			ae, err := moq.ParseAnnounceError(payload)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s (code %d)", moq.ErrAnnounceDenied, ae.ReasonPhrase, ae.ErrorCode)

		case moq.MsgMaxRequestID:
			if quota, err := moq.ParseMaxRequestID(payload); err == nil {
				s.relayQuota.Store(quota)
			}

		default:
			s.log.Debug("unexpected message before ANNOUNCE response", "type", msgType)
		}
	}
}

// ServeControl reads and answers relay control messages until the session
// ends. Relay SUBSCRIBEs for registered tracks get SUBSCRIBE_OK; everything
// else is acknowledged or logged. A control-stream failure while the session
// is still live is fatal: the run cannot continue without the relay.
func (s *Session) ServeControl(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		msgType, payload, err := moq.ReadControlMsg(s.controlReader)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control stream: %w", err)
		}

		switch msgType {
		case moq.MsgSubscribe:
			sub, err := moq.ParseSubscribe(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE", "error", err)
				continue
			}
			s.handleSubscribe(sub)

		case moq.MsgUnsubscribe:
			unsub, err := moq.ParseUnsubscribe(payload)
			if err != nil {
				s.log.Warn("bad UNSUBSCRIBE", "error", err)
				continue
			}
			s.log.Debug("relay unsubscribed", "requestID", unsub.RequestID)

		case moq.MsgMaxRequestID:
			if quota, err := moq.ParseMaxRequestID(payload); err == nil {
				s.relayQuota.Store(quota)
			}

		case moq.MsgGoAway:
			ga, _ := moq.ParseGoAway(payload)
			s.log.Info("relay sent GOAWAY", "newSessionURI", ga.NewSessionURI)

		default:
			s.log.Debug("unknown control message", "type", msgType)
		}
	}
}

// handleSubscribe answers a relay SUBSCRIBE for one of our tracks.
func (s *Session) handleSubscribe(sub moq.Subscribe) {
	s.mu.RLock()
	nsOK := namespaceEqual(sub.Namespace, s.namespace)
	track := s.tracks[sub.TrackName]
	s.mu.RUnlock()

	if !nsOK || track == nil {
		se := moq.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    404,
			ReasonPhrase: moq.ErrUnknownTrack.Error(),
		}
		if err := s.writeControl(moq.MsgSubscribeError, moq.SerializeSubscribeError(se)); err != nil {
			s.log.Warn("write SUBSCRIBE_ERROR failed", "error", err)
		}
		return
	}

	sok := moq.SubscribeOK{
		RequestID:  sub.RequestID,
		TrackAlias: track.alias,
		GroupOrder: moq.GroupOrderAscending,
	}
	if err := s.writeControl(moq.MsgSubscribeOK, moq.SerializeSubscribeOK(sok)); err != nil {
		s.log.Warn("write SUBSCRIBE_OK failed", "error", err)
		return
	}
	s.log.Info("relay subscribed", "track", sub.TrackName, "alias", track.alias)
}

// Close unannounces the broadcast (best effort) and closes the connection.
// Safe to call multiple times and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.RLock()
		namespace := s.namespace
		s.mu.RUnlock()
		if namespace != nil {
			_ = s.writeControl(moq.MsgUnannounce, moq.SerializeUnannounce(namespace))
		}

		_ = s.conn.CloseWithError(0, "session closed")
	})
}

// writeControl serializes one control message under the control-stream lock.
func (s *Session) writeControl(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return moq.WriteControlMsg(s.control, msgType, payload)
}

// nextRequestID allocates a client-initiated request ID.
func (s *Session) nextRequestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextReqID
	s.nextReqID += 2
	return id
}

// registerTrack makes a track visible to the control loop and allocates its
// session-scoped alias.
func (s *Session) registerTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.alias = s.nextAlias
	s.nextAlias++
	s.tracks[t.name] = t
}

// splitBroadcastPath turns "/live/audio" into the namespace tuple
// ["live", "audio"].
func splitBroadcastPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func namespaceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
