package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// hopByHopHeaders are stripped from the parsed upstream response before it
// is written to the public socket.
var hopByHopHeaders = map[string]struct{}{
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
}

// Router is the public-facing HTTP handler: it resolves the tunnel for an
// incoming request by Host (and, for non-default ports, targetPort), then
// either runs the buffered request/response proxy or hands off to the
// upgrade relay. The same Router shape backs the main httpPort listener
// and every dynamic listener.
type Router struct {
	registry *Registry
	vconns   *VConnTable
	cfg      *Config
	// allowPortOnlyFallback enables the port-only resolution tie-break,
	// true for dynamic listeners, false for the default-port router. Only
	// the upgrade path consults it; plain HTTP always resolves by name.
	allowPortOnlyFallback bool
}

// NewRouter creates a public HTTP+Upgrade handler. portOnly enables the
// port-only resolution fallback used by dynamic listeners.
func NewRouter(registry *Registry, vconns *VConnTable, cfg *Config, portOnly bool) *Router {
	return &Router{registry: registry, vconns: vconns, cfg: cfg, allowPortOnlyFallback: portOnly}
}

// ServeHTTP implements http.Handler. It dispatches to the upgrade relay
// for protocol-upgrade requests and the buffered request/response proxy
// otherwise.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		rt.serveUpgrade(w, r)
		return
	}
	rt.serveHTTP(w, r)
}

func isUpgradeRequest(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// resolveTunnel implements the name/port resolution shared by the HTTP and
// upgrade routers: derive the tunnel name from the first DNS label of
// Host, then apply the (name,port) > name-only > port-only precedence.
func (rt *Router) resolveTunnel(r *http.Request, allowPortOnly bool) (*Tunnel, bool) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	name := host
	if i := strings.IndexByte(host, '.'); i >= 0 {
		name = host[:i]
	}

	port := requestPort(r)
	return rt.registry.LookupByNameAndPort(name, port, allowPortOnly)
}

// requestPort recovers the port the public client connected on, so the
// (name, port) tie-break can prefer a tunnel whose targetPort matches it.
func requestPort(r *http.Request) int {
	if _, portStr, err := net.SplitHostPort(r.Host); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			return p
		}
	}
	if r.TLS != nil {
		return 443
	}
	return 80
}

func (rt *Router) serveHTTP(w http.ResponseWriter, r *http.Request) {
	// the port-only tie-break is reserved for upgrade traffic: plain
	// HTTP always resolves by name, regardless of which listener (main
	// or dynamic) received the request.
	tunnel, ok := rt.resolveTunnel(r, false)
	if !ok {
		writeOfflinePage(w, firstLabel(r.Host))
		return
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
			return
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	id := newRequestID()
	endpoint := newHTTPEndpoint(w)
	rt.vconns.Insert(id, KindHTTP, tunnel, endpoint)
	defer rt.vconns.Remove(id)

	tunnel.Stats.Requests.Add(1)
	tunnel.Stats.BytesIn.Add(uint64(len(body)) + uint64(headerBytes(r.Header)))

	err := tunnel.session.Send(&protocol.Frame{
		Type:      protocol.TypeHTTPRequest,
		RequestID: id,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		rt.vconns.Remove(id)
		writeUpstreamErrorPage(w)
		return
	}

	rt.waitForResponse(r.Context(), id, endpoint, w)
}

// waitForResponse blocks until the agent's response completes, the 30s
// first-byte timeout fires, or the public client goes away. The VConn is
// removed before writing the timeout page so late frames from the agent hit
// the table's unknown-id path and are dropped silently.
func (rt *Router) waitForResponse(ctx context.Context, id string, endpoint *httpEndpoint, w http.ResponseWriter) {
	timer := time.NewTimer(rt.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-endpoint.headerDone:
	case <-endpoint.finished:
	case <-timer.C:
		rt.vconns.Remove(id)
		writeTimeoutPage(w)
		return
	case <-ctx.Done():
		rt.vconns.Remove(id)
		return
	}

	select {
	case <-endpoint.finished:
	case <-ctx.Done():
		rt.vconns.Remove(id)
	}
}

func firstLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

func headerBytes(h http.Header) int {
	n := 0
	for k, vs := range h {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return n
}

// httpEndpoint is the public-side half of an "http" virtual connection: it
// incrementally parses the agent's raw HTTP response bytes (arriving as
// one or more data frames) with a two-state parser, headers then body, so
// partial frames buffer cleanly, and streams the result onto the public
// http.ResponseWriter. Implements Endpoint.
type httpEndpoint struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu             sync.Mutex
	buf            []byte
	headersWritten bool

	headerDone chan struct{}
	finished   chan struct{}
	closeOnce  sync.Once
}

func newHTTPEndpoint(w http.ResponseWriter) *httpEndpoint {
	fl, _ := w.(http.Flusher)
	return &httpEndpoint{
		w:          w,
		flusher:    fl,
		headerDone: make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

func (e *httpEndpoint) HandleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeData:
		e.onData(f.Data)
	case protocol.TypeEnd:
		e.signalFinished()
	case protocol.TypeError:
		e.mu.Lock()
		headersWritten := e.headersWritten
		e.mu.Unlock()
		if !headersWritten {
			writeUpstreamErrorPage(e.w)
			e.signalHeaderDone()
		}
		// if headers were already written, the connection is simply
		// truncated: nothing further can be done to the response.
		e.signalFinished()
	}
}

func (e *httpEndpoint) onData(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.headersWritten {
		e.w.Write(data)
		if e.flusher != nil {
			e.flusher.Flush()
		}
		return
	}

	e.buf = append(e.buf, data...)
	idx := bytes.Index(e.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return
	}

	status, header := parseResponseHead(e.buf[:idx])
	for k, v := range header {
		if _, hop := hopByHopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		e.w.Header().Set(k, v)
	}
	e.w.WriteHeader(status)
	e.headersWritten = true

	rest := e.buf[idx+4:]
	e.buf = nil
	if len(rest) > 0 {
		e.w.Write(rest)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	e.signalHeaderDoneLocked()
}

func (e *httpEndpoint) signalHeaderDoneLocked() {
	select {
	case <-e.headerDone:
	default:
		close(e.headerDone)
	}
}

func (e *httpEndpoint) signalHeaderDone() {
	e.mu.Lock()
	e.signalHeaderDoneLocked()
	e.mu.Unlock()
}

func (e *httpEndpoint) signalFinished() {
	e.closeOnce.Do(func() {
		close(e.finished)
	})
}

func (e *httpEndpoint) Close() {
	e.signalHeaderDone()
	e.signalFinished()
}

// parseResponseHead parses a raw "STATUS-LINE\r\nHeader: value\r\n..."
// block (without the trailing blank line) into a status code and header
// map.
func parseResponseHead(head []byte) (int, map[string]string) {
	lines := strings.Split(string(head), "\r\n")
	status := http.StatusOK
	if len(lines) > 0 {
		parts := strings.SplitN(lines[0], " ", 3)
		if len(parts) >= 2 {
			if code, err := strconv.Atoi(parts[1]); err == nil {
				status = code
			}
		}
	}
	headers := make(map[string]string, len(lines))
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		headers[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return status, headers
}
