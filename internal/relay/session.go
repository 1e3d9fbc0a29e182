package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// session states, in handshake order.
const (
	stateConnected int32 = iota
	stateAuthenticated
	stateRegistered
	stateClosed
)

// AgentSession is the per-connection state machine for one agent control
// channel: authentication, registration, heartbeat, and demultiplexing of
// inbound frames to the virtual-connection table.
type AgentSession struct {
	codec      *protocol.Codec
	cfg        *Config
	registry   *Registry
	vconns     *VConnTable
	dynamic    *DynamicPortManager
	remoteAddr string

	state     atomic.Int32
	tunnel    *Tunnel
	done      chan struct{}
	closeOnce sync.Once
}

// NewAgentSession wraps a newly upgraded agent websocket connection.
func NewAgentSession(conn *websocket.Conn, cfg *Config, registry *Registry, vconns *VConnTable, dynamic *DynamicPortManager, remoteAddr string) *AgentSession {
	s := &AgentSession{
		codec:      protocol.NewCodec(conn),
		cfg:        cfg,
		registry:   registry,
		vconns:     vconns,
		dynamic:    dynamic,
		remoteAddr: remoteAddr,
		done:       make(chan struct{}),
	}
	if cfg.AuthToken == "" {
		s.state.Store(stateAuthenticated)
	}
	return s
}

// Send writes a frame to the agent. Safe for concurrent use (the codec
// serialises writes internally).
func (s *AgentSession) Send(f *protocol.Frame) error {
	return s.codec.WriteFrame(f)
}

// Tunnel returns the session's registered tunnel, or nil if not yet
// registered.
func (s *AgentSession) Tunnel() *Tunnel {
	return s.tunnel
}

// Stop sends a stop command and closes the control channel. Used by the
// management API's DELETE /tunnels/:name.
func (s *AgentSession) Stop(reason string) {
	s.Send(&protocol.Frame{Type: protocol.TypeCommand, Action: protocol.ActionStop, Reason: reason})
	s.Close()
}

// Restart sends a restart command without closing the channel. Used by
// the management API's POST /tunnels/:name/restart. The agent is expected to
// reconnect on its own schedule; the relay does not force a disconnect.
func (s *AgentSession) Restart(reason string) error {
	return s.Send(&protocol.Frame{Type: protocol.TypeCommand, Action: protocol.ActionRestart, Reason: reason})
}

// Run drives the session to completion: read loop, keepalive, and
// teardown. Blocks until the connection closes.
func (s *AgentSession) Run() {
	defer s.Close()

	conn := s.codec.UnderlyingConn()
	pongDeadline := s.cfg.PingInterval * 2
	conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	go s.pingLoop()

	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			var malformed *protocol.ErrMalformedFrame
			if errors.As(err, &malformed) {
				slog.Warn("malformed frame from agent, dropping", "remote", s.remoteAddr, "err", malformed)
				continue
			}
			select {
			case <-s.done:
			default:
				slog.Info("agent session read loop ended", "remote", s.remoteAddr, "err", err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *AgentSession) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	conn := s.codec.UnderlyingConn()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				slog.Warn("agent ping failed, closing session", "remote", s.remoteAddr, "err", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *AgentSession) handleFrame(f *protocol.Frame) {
	switch s.state.Load() {
	case stateConnected:
		s.handleConnected(f)
	case stateAuthenticated:
		s.handleAuthenticated(f)
	case stateRegistered:
		s.handleRegistered(f)
	default:
		// closed; ignore
	}
}

func (s *AgentSession) handleConnected(f *protocol.Frame) {
	if f.Type != protocol.TypeAuth {
		slog.Warn("agent sent frame before auth", "remote", s.remoteAddr, "type", f.Type)
		s.Send(&protocol.Frame{Type: protocol.TypeAuthFailed, Message: "authentication required"})
		s.Close()
		return
	}
	if !ValidateToken(s.cfg.AuthToken, f.Token) {
		s.Send(&protocol.Frame{Type: protocol.TypeAuthFailed, Message: "invalid token"})
		s.Close()
		return
	}
	s.state.Store(stateAuthenticated)
	s.Send(&protocol.Frame{Type: protocol.TypeAuthSuccess, Domain: s.cfg.Domain, WSPort: s.cfg.WSPort})
}

func (s *AgentSession) handleAuthenticated(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeAuth:
		// agents send auth unconditionally, including when the relay has
		// no token configured and the session started out authenticated.
		// The first auth already won; answer so the agent can proceed,
		// without re-running validation.
		s.Send(&protocol.Frame{Type: protocol.TypeAuthSuccess, Domain: s.cfg.Domain, WSPort: s.cfg.WSPort})
	case protocol.TypeRegister:
		s.handleRegister(f)
	default:
		slog.Warn("agent sent frame before register, closing", "remote", s.remoteAddr, "type", f.Type)
		s.Close()
	}
}

func (s *AgentSession) handleRegister(f *protocol.Frame) {
	if f.Name == "" {
		s.Send(&protocol.Frame{Type: protocol.TypeError, Message: "register requires a non-empty name"})
		s.Close()
		return
	}
	mode := f.TunnelType
	if mode != ModeWeb && mode != ModeTCP {
		mode = ModeWeb
	}

	tunnel := newTunnel(f.Name, mode, f.Protocol, f.Target, f.TargetPort, f.DeviceInfo, s)
	if err := s.registry.Register(tunnel); err != nil {
		s.Send(&protocol.Frame{Type: protocol.TypeError, Message: "Tunnel name already in use"})
		s.Close()
		return
	}

	s.tunnel = tunnel
	s.state.Store(stateRegistered)

	if mode == ModeWeb && s.dynamic != nil {
		s.dynamic.Acquire(f.TargetPort)
	}

	slog.Info("tunnel registered", "name", f.Name, "mode", mode, "target", fmt.Sprintf("%s:%d", f.Target, f.TargetPort), "remote", s.remoteAddr)
	s.Send(&protocol.Frame{
		Type:       protocol.TypeRegistered,
		Name:       f.Name,
		TunnelType: mode,
		Protocol:   f.Protocol,
		AccessURL:  tunnel.AccessURL(s.cfg.Domain),
		Message:    "tunnel registered",
	})
}

func (s *AgentSession) handleRegistered(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeTCPListen:
		s.handleTCPListen(f)
	case protocol.TypeData, protocol.TypeEnd, protocol.TypeError:
		s.forwardToVConn(f)
	default:
		slog.Debug("ignoring unexpected frame from registered agent", "type", f.Type, "remote", s.remoteAddr)
	}
}

func (s *AgentSession) forwardToVConn(f *protocol.Frame) {
	v, known := s.vconns.Lookup(f.RequestID)
	if !known {
		// either already completed/timed out, or never existed: drop
		// silently.
		return
	}
	if len(f.Data) > 0 {
		v.Tunnel.Stats.BytesOut.Add(uint64(len(f.Data)))
	}
	if !s.vconns.Forward(f.RequestID, f) {
		// the public side is not draining its queue. Dropping the frame
		// would corrupt the byte stream, so terminate this virtual
		// connection; the tunnel's other connections are unaffected.
		slog.Warn("vconn queue overflow, terminating virtual connection", "requestId", f.RequestID, "tunnel", s.tunnel.Name)
		s.vconns.Remove(f.RequestID)
	}
}

func (s *AgentSession) handleTCPListen(f *protocol.Frame) {
	port := f.Port
	if s.tunnel.ownsTCPPort(port) {
		s.Send(&protocol.Frame{Type: protocol.TypeTCPListening, Port: port, Status: protocol.ListenStatusAlready})
		return
	}
	if privilegedPortBlocked(port) {
		s.Send(&protocol.Frame{Type: protocol.TypeTCPError, Port: port, Message: "Privileged port not allowed"})
		return
	}

	ln, err := listenTCP(s.tunnel, port, s.vconns, s)
	if err != nil {
		s.Send(&protocol.Frame{Type: protocol.TypeTCPError, Port: port, Message: err.Error()})
		return
	}
	if !s.tunnel.addTCPListener(port, ln) {
		ln.Close()
		s.Send(&protocol.Frame{Type: protocol.TypeTCPListening, Port: port, Status: protocol.ListenStatusAlready})
		return
	}
	slog.Info("tcp listener opened", "tunnel", s.tunnel.Name, "port", port)
	s.Send(&protocol.Frame{Type: protocol.TypeTCPListening, Port: port, Status: protocol.ListenStatusOK})
}

// Close tears the session down: unregisters its tunnel (which cascades
// into closing TCP listeners, removing in-flight VConns, and releasing the
// dynamic-port refcount), then closes the websocket.
func (s *AgentSession) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		close(s.done)
		if s.tunnel != nil {
			s.registry.Unregister(s.tunnel.Name)
		}
		s.codec.Close()
		slog.Info("agent session closed", "remote", s.remoteAddr)
	})
}

// Done returns a channel closed when the session terminates.
func (s *AgentSession) Done() <-chan struct{} {
	return s.done
}
