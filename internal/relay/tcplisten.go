package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// privilegedPortBlocked rejects agent-requested listen ports below 1024,
// except the two ports a web service is conventionally allowed to claim.
func privilegedPortBlocked(port int) bool {
	if port == 80 || port == 443 {
		return false
	}
	return port < 1024
}

// tcpEndpoint is the public-side half of a raw TCP virtual connection: the
// accepted socket itself. Implements Endpoint.
type tcpEndpoint struct {
	conn net.Conn
}

func (e *tcpEndpoint) HandleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeData:
		if _, err := e.conn.Write(f.Data); err != nil {
			slog.Debug("tcp vconn write failed", "err", err)
		}
	case protocol.TypeEnd, protocol.TypeError:
		e.conn.Close()
	}
}

func (e *tcpEndpoint) Close() {
	e.conn.Close()
}

// listenTCP opens a raw TCP listener on port and relays each accepted
// connection through tunnel's control channel as a "tcp" virtual
// connection. Returns the listener so the caller can record it on the
// tunnel.
func listenTCP(tunnel *Tunnel, port int, vconns *VConnTable, session *AgentSession) (net.Listener, error) {
	ln, err := net.Listen("tcp", portAddr(port))
	if err != nil {
		return nil, err
	}

	go acceptTCPConnections(ln, tunnel, port, vconns, session)
	return ln, nil
}

func acceptTCPConnections(ln net.Listener, tunnel *Tunnel, port int, vconns *VConnTable, session *AgentSession) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("tcp listener accept failed", "port", port, "err", err)
			return
		}
		go handleTCPConnection(conn, tunnel, port, vconns, session)
	}
}

func handleTCPConnection(conn net.Conn, tunnel *Tunnel, port int, vconns *VConnTable, session *AgentSession) {
	id := newRequestID()
	vconns.Insert(id, KindTCP, tunnel, &tcpEndpoint{conn: conn})

	if err := session.Send(&protocol.Frame{
		Type:          protocol.TypeTCPConnect,
		RequestID:     id,
		Port:          port,
		RemoteAddress: conn.RemoteAddr().String(),
	}); err != nil {
		slog.Error("failed to announce tcp connection to agent", "err", err)
		vconns.Remove(id)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			tunnel.Stats.BytesIn.Add(uint64(n))
			sendErr := session.Send(&protocol.Frame{
				Type:      protocol.TypeData,
				RequestID: id,
				Data:      append([]byte(nil), buf[:n]...),
			})
			if sendErr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				session.Send(&protocol.Frame{Type: protocol.TypeError, RequestID: id, Message: err.Error()})
			} else {
				session.Send(&protocol.Frame{Type: protocol.TypeEnd, RequestID: id})
			}
			break
		}
	}
	vconns.Remove(id)
}
