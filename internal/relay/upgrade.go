package relay

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// upgradeEndpoint is the public-side half of an "upgrade" virtual
// connection: the hijacked raw socket. Implements Endpoint.
type upgradeEndpoint struct {
	conn net.Conn
}

func (e *upgradeEndpoint) HandleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeData:
		if _, err := e.conn.Write(f.Data); err != nil {
			slog.Debug("upgrade vconn write failed", "err", err)
		}
	case protocol.TypeEnd, protocol.TypeError:
		e.conn.Close()
	}
}

func (e *upgradeEndpoint) Close() {
	e.conn.Close()
}

// serveUpgrade handles protocol-upgrade requests: hijack the public
// socket, rewrite Host to the tunnel's target, emit http-upgrade, and
// relay bytes bidirectionally through the virtual-connection table.
func (rt *Router) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := rt.resolveTunnel(r, rt.allowPortOnlyFallback)
	if !ok {
		writeOfflinePage(w, firstLabel(r.Host))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	headers["Host"] = fmt.Sprintf("%s:%d", tunnel.TargetHost, tunnel.TargetPort)

	id := newRequestID()
	endpoint := &upgradeEndpoint{conn: conn}
	rt.vconns.Insert(id, KindUpgrade, tunnel, endpoint)

	tunnel.Stats.Requests.Add(1)

	if err := tunnel.session.Send(&protocol.Frame{
		Type:      protocol.TypeHTTPUpgrade,
		RequestID: id,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   headers,
	}); err != nil {
		rt.vconns.Remove(id)
		conn.Close()
		return
	}

	// relay any bytes already buffered by the hijack (rare, but
	// http.Server may have read ahead) before entering the steady-state
	// read loop.
	if buf.Reader.Buffered() > 0 {
		pending := make([]byte, buf.Reader.Buffered())
		buf.Reader.Read(pending)
		tunnel.session.Send(&protocol.Frame{Type: protocol.TypeData, RequestID: id, Data: pending})
	}

	go relayPublicToAgent(conn, buf.Reader, id, tunnel, rt.vconns)
}

// relayPublicToAgent reads bytes from the hijacked public socket and wraps
// them as data frames toward the agent, until the socket closes or errors.
// Removal from the virtual-connection table on
// public-side close is handled here, on the public->agent direction.
func relayPublicToAgent(conn net.Conn, r *bufio.Reader, id string, tunnel *Tunnel, vconns *VConnTable) {
	defer vconns.Remove(id)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tunnel.Stats.BytesIn.Add(uint64(n))
			if sendErr := tunnel.session.Send(&protocol.Frame{
				Type:      protocol.TypeData,
				RequestID: id,
				Data:      append([]byte(nil), buf[:n]...),
			}); sendErr != nil {
				return
			}
		}
		if err != nil {
			if isClosedErr(err) {
				tunnel.session.Send(&protocol.Frame{Type: protocol.TypeEnd, RequestID: id})
			} else {
				tunnel.session.Send(&protocol.Frame{Type: protocol.TypeError, RequestID: id, Message: err.Error()})
			}
			return
		}
	}
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "closed") || strings.Contains(err.Error(), "EOF")
}
