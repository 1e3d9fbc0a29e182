package relay

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
)

// DynamicListener tracks one auto-opened HTTP+Upgrade listener and the
// number of tunnels currently relying on it.
type DynamicListener struct {
	Port     int
	listener net.Listener
	server   *http.Server
	refcount int
}

// DynamicPortManager opens/closes HTTP+Upgrade listeners on tunnel target
// ports that aren't one of the three reserved service ports. Frontend dev
// stacks reference their origin port (ws://host:5173/... for HMR), so a
// tunnel advertising such a port gets a matching public listener for free.
type DynamicPortManager struct {
	mu        sync.Mutex
	listeners map[int]*DynamicListener
	reserved  map[int]struct{}
	handler   http.Handler
}

// NewDynamicPortManager creates a manager that serves every dynamic
// listener with handler (the same resolution logic as the main public
// router).
func NewDynamicPortManager(reserved map[int]struct{}, handler http.Handler) *DynamicPortManager {
	return &DynamicPortManager{
		listeners: make(map[int]*DynamicListener),
		reserved:  reserved,
		handler:   handler,
	}
}

func (m *DynamicPortManager) isReserved(port int) bool {
	if port <= 0 || port == 80 || port == 443 {
		return true
	}
	_, ok := m.reserved[port]
	return ok
}

// Acquire increments the refcount for port. If this is the first reference
// and the port isn't reserved, a listener is opened. EADDRINUSE is logged
// and swallowed: another process may legitimately hold the port, and the
// tunnel still functions via the default HTTP port.
func (m *DynamicPortManager) Acquire(port int) {
	if m.isReserved(port) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if dl, ok := m.listeners[port]; ok {
		dl.refcount++
		return
	}

	ln, err := net.Listen("tcp", portAddr(port))
	if err != nil {
		slog.Warn("dynamic listener bind failed, tunnel still reachable on default port", "port", port, "err", err)
		return
	}

	srv := &http.Server{Handler: m.handler}
	dl := &DynamicListener{Port: port, listener: ln, server: srv, refcount: 1}
	m.listeners[port] = dl

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("dynamic listener exited", "port", port, "err", err)
		}
	}()
	slog.Info("dynamic listener opened", "port", port)
}

// Release decrements the refcount for port, closing the listener once it
// reaches zero.
func (m *DynamicPortManager) Release(port int) {
	if m.isReserved(port) {
		return
	}
	m.mu.Lock()
	dl, ok := m.listeners[port]
	if !ok {
		m.mu.Unlock()
		return
	}
	dl.refcount--
	if dl.refcount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.listeners, port)
	m.mu.Unlock()

	dl.server.Close()
	slog.Info("dynamic listener closed", "port", port)
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
