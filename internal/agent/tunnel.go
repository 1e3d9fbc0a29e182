package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// Tunnel modes, mirrored from the relay's so agent config and wire frames
// agree on the same strings.
const (
	ModeWeb = "web"
	ModeTCP = "tcp"
)

// ErrStopRequested is returned by Run when the relay commands a permanent
// stop, so the reconnect loop knows not to redial.
var ErrStopRequested = errors.New("relay requested stop")

// dataChunkSize caps the payload of a single data frame so a large backend
// response never produces a frame over protocol.MaxFrameBytes.
const dataChunkSize = 64 * 1024

// Tunnel manages the agent-side control channel to the relay: the auth/
// register handshake, keepalive, and demultiplexing of inbound frames to
// the local backend.
type Tunnel struct {
	codec   *protocol.Codec
	conn    *websocket.Conn
	cfg     *Config
	handler *RequestHandler

	done          chan struct{}
	closeOnce     sync.Once
	stopRequested atomic.Bool

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the agent-side half of an upgrade or tcp virtual connection.
// The relay may send data frames for a requestId before the local backend
// dial has finished, so bytes arriving early are buffered and flushed once
// the connection attaches, preserving the per-VConn ordering guarantee.
type stream struct {
	mu      sync.Mutex
	conn    net.Conn
	pending []byte
	closed  bool
}

func (s *stream) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	if len(s.pending) > 0 {
		conn.Write(s.pending)
		s.pending = nil
	}
	s.conn = conn
	return true
}

func (s *stream) write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(data) == 0 {
		return
	}
	if s.conn == nil {
		s.pending = append(s.pending, data...)
		return
	}
	if _, err := s.conn.Write(data); err != nil {
		slog.Debug("local stream write failed", "err", err)
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
}

// ConnectTunnel dials the relay, performs the auth/register handshake,
// and returns a Tunnel ready to run. Dials through dialer when non-nil.
func ConnectTunnel(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Tunnel, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	slog.Info("connecting to relay", "url", cfg.Relay.URL)
	conn, _, err := wsDialer.DialContext(ctx, cfg.Relay.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling relay: %w", err)
	}
	codec := protocol.NewCodec(conn)

	if err := handshake(codec, cfg); err != nil {
		codec.Close()
		return nil, err
	}

	t := &Tunnel{
		codec:   codec,
		conn:    conn,
		cfg:     cfg,
		handler: NewRequestHandler(cfg.targetURL()),
		done:    make(chan struct{}),
		streams: make(map[string]*stream),
	}

	if cfg.Tunnel.Mode == ModeTCP {
		if err := codec.WriteFrame(&protocol.Frame{
			Type: protocol.TypeTCPListen,
			Port: cfg.Tunnel.RemotePort,
		}); err != nil {
			codec.Close()
			return nil, fmt.Errorf("requesting tcp listener: %w", err)
		}
	}

	return t, nil
}

// handshake performs the auth then register exchange the relay's session
// state machine expects.
func handshake(codec *protocol.Codec, cfg *Config) error {
	if err := codec.WriteFrame(&protocol.Frame{Type: protocol.TypeAuth, Token: cfg.Relay.AuthToken}); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}
	frame, err := codec.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	switch frame.Type {
	case protocol.TypeAuthFailed:
		return fmt.Errorf("authentication rejected: %s", frame.Message)
	case protocol.TypeAuthSuccess:
		slog.Info("authenticated with relay", "domain", frame.Domain, "wsPort", frame.WSPort)
	default:
		return fmt.Errorf("unexpected frame during auth: %s", frame.Type)
	}

	if err := codec.WriteFrame(&protocol.Frame{
		Type:       protocol.TypeRegister,
		Name:       cfg.Tunnel.Name,
		Target:     cfg.Backend.Host,
		TargetPort: cfg.Backend.Port,
		TunnelType: cfg.Tunnel.Mode,
		Protocol:   cfg.Tunnel.Protocol,
		DeviceInfo: cfg.Tunnel.DeviceInfo,
	}); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}
	frame, err = codec.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading register response: %w", err)
	}
	switch frame.Type {
	case protocol.TypeError:
		return fmt.Errorf("registration rejected: %s", frame.Message)
	case protocol.TypeRegistered:
		slog.Info("tunnel registered", "name", frame.Name, "accessUrl", frame.AccessURL)
	default:
		return fmt.Errorf("unexpected frame during register: %s", frame.Type)
	}
	return nil
}

// Run drives the tunnel to completion: keepalive and the inbound frame
// demultiplex loop. Blocks until the control channel closes.
func (t *Tunnel) Run() error {
	t.startKeepalive()
	return t._read_loop()
}

// Close shuts the tunnel down, closing every local stream it opened.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
		t.mu.Lock()
		for id, st := range t.streams {
			st.close()
			delete(t.streams, id)
		}
		t.mu.Unlock()
		slog.Info("agent tunnel closed")
	})
}

// Done returns a channel that closes when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// startKeepalive arms a read deadline that only the relay's ping control
// frames reset: the relay drives the heartbeat, so the agent just needs
// to notice a missing one.
// gorilla/websocket auto-replies pong for a nil PingHandler; installing
// our own still does that (via WriteControl) while also touching the
// deadline.
func (t *Tunnel) startKeepalive() {
	deadline := t.cfg.Tunnel.PingInterval * 2
	t.conn.SetReadDeadline(time.Now().Add(deadline))
	t.conn.SetPingHandler(func(appData string) error {
		t.conn.SetReadDeadline(time.Now().Add(deadline))
		return t.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
}

func (t *Tunnel) _read_loop() error {
	defer t.Close()
	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			if t.stopRequested.Load() {
				return ErrStopRequested
			}
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}
		t.dispatch(frame)
	}
}

func (t *Tunnel) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeHTTPRequest:
		go t._handle_http_request(f)
	case protocol.TypeHTTPUpgrade:
		// the stream is registered synchronously so data frames that land
		// while the backend dial is still in flight buffer instead of
		// dropping.
		st := t.newStream(f.RequestID)
		go t._handle_upgrade(f, st)
	case protocol.TypeTCPConnect:
		st := t.newStream(f.RequestID)
		go t._handle_tcp_connect(f, st)
	case protocol.TypeData:
		t.writeStream(f.RequestID, f.Data)
	case protocol.TypeEnd, protocol.TypeError:
		t.closeStream(f.RequestID)
	case protocol.TypeTCPListening:
		slog.Info("tcp listener status", "port", f.Port, "status", f.Status)
	case protocol.TypeTCPError:
		slog.Error("tcp listener request failed", "port", f.Port, "message", f.Message)
	case protocol.TypeCommand:
		t.handleCommand(f)
	default:
		slog.Debug("ignoring unexpected frame from relay", "type", f.Type)
	}
}

func (t *Tunnel) handleCommand(f *protocol.Frame) {
	switch f.Action {
	case protocol.ActionStop:
		slog.Info("relay requested stop", "reason", f.Reason)
		t.stopRequested.Store(true)
		t.Close()
	case protocol.ActionRestart:
		// closing the channel is enough: the reconnect loop redials and
		// re-registers, which is what a restart means for this agent.
		slog.Info("relay requested restart", "reason", f.Reason)
		t.Close()
	}
}

// _handle_http_request proxies a buffered http-request frame to the local
// backend and replies with the raw response bytes, chunked so no single
// frame exceeds the codec's size cap.
func (t *Tunnel) _handle_http_request(f *protocol.Frame) {
	raw, err := t.handler.Handle(f)
	if err != nil {
		slog.Error("backend request failed", "requestId", f.RequestID, "err", err)
		t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	for off := 0; off < len(raw); off += dataChunkSize {
		chunkEnd := off + dataChunkSize
		if chunkEnd > len(raw) {
			chunkEnd = len(raw)
		}
		if err := t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeData, RequestID: f.RequestID, Data: raw[off:chunkEnd]}); err != nil {
			slog.Error("failed to send response data", "requestId", f.RequestID, "err", err)
			return
		}
	}
	if err := t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeEnd, RequestID: f.RequestID}); err != nil {
		slog.Error("failed to send end frame", "requestId", f.RequestID, "err", err)
	}
}

// _handle_upgrade dials the local backend raw, replays the rewritten
// request line and headers, and relays bytes thereafter.
func (t *Tunnel) _handle_upgrade(f *protocol.Frame, st *stream) {
	conn, err := net.DialTimeout("tcp", t.cfg.targetAddr(), 10*time.Second)
	if err != nil {
		t.closeStream(f.RequestID)
		t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeError, RequestID: f.RequestID, Message: err.Error()})
		return
	}

	if _, err := conn.Write(encodeRequestHead(f)); err != nil {
		conn.Close()
		t.closeStream(f.RequestID)
		t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeError, RequestID: f.RequestID, Message: err.Error()})
		return
	}

	if !st.attach(conn) {
		return
	}
	go t.pumpStreamToRelay(f.RequestID, conn)
}

// _handle_tcp_connect dials the local backend for a raw tcp virtual
// connection.
func (t *Tunnel) _handle_tcp_connect(f *protocol.Frame, st *stream) {
	conn, err := net.DialTimeout("tcp", t.cfg.targetAddr(), 10*time.Second)
	if err != nil {
		t.closeStream(f.RequestID)
		t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	if !st.attach(conn) {
		return
	}
	go t.pumpStreamToRelay(f.RequestID, conn)
}

func (t *Tunnel) newStream(id string) *stream {
	st := &stream{}
	t.mu.Lock()
	t.streams[id] = st
	t.mu.Unlock()
	return st
}

func (t *Tunnel) writeStream(id string, data []byte) {
	t.mu.Lock()
	st, ok := t.streams[id]
	t.mu.Unlock()
	if ok {
		st.write(data)
	}
}

func (t *Tunnel) closeStream(id string) {
	t.mu.Lock()
	st, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if ok {
		st.close()
	}
}

// pumpStreamToRelay reads bytes from a local backend connection (opened
// for an upgrade or tcp virtual connection) and wraps them as data frames
// toward the relay, until the connection closes or errors.
func (t *Tunnel) pumpStreamToRelay(id string, conn net.Conn) {
	defer t.closeStream(id)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := t.codec.WriteFrame(&protocol.Frame{
				Type: protocol.TypeData, RequestID: id, Data: append([]byte(nil), buf[:n]...),
			}); sendErr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeEnd, RequestID: id})
			} else {
				t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeError, RequestID: id, Message: err.Error()})
			}
			return
		}
	}
}
