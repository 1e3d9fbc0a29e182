package relay

import (
	"sync"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// Kind distinguishes the three shapes a virtual connection's public-side
// endpoint can take.
type Kind int

const (
	KindHTTP Kind = iota
	KindUpgrade
	KindTCP
)

// Endpoint is the public-side half of a virtual connection. Implementations
// live in public.go (http), upgrade.go (upgrade) and tcplisten.go (tcp).
type Endpoint interface {
	// HandleFrame processes a data/end/error frame arriving from the agent
	// for this request. Called serially from the VConn's own pump
	// goroutine, never concurrently.
	HandleFrame(f *protocol.Frame)
	// Close releases the underlying public-side socket/response. Must be
	// idempotent.
	Close()
}

// inboundQueueSize bounds the per-VConn backlog of agent-originated frames
// awaiting delivery to the public side. A full queue means the public side
// can't keep up; the session terminates that virtual connection rather
// than drop frames mid-stream.
const inboundQueueSize = 256

// VConn is one public-side connection or http exchange multiplexed over a
// tunnel's control channel.
type VConn struct {
	RequestID string
	Kind      Kind
	Tunnel    *Tunnel

	endpoint Endpoint
	inbound  chan *protocol.Frame
	done     chan struct{}
	once     sync.Once
}

func newVConn(id string, kind Kind, tunnel *Tunnel, endpoint Endpoint) *VConn {
	return &VConn{
		RequestID: id,
		Kind:      kind,
		Tunnel:    tunnel,
		endpoint:  endpoint,
		inbound:   make(chan *protocol.Frame, inboundQueueSize),
		done:      make(chan struct{}),
	}
}

func (v *VConn) pump() {
	for {
		select {
		case f, ok := <-v.inbound:
			if !ok {
				return
			}
			v.endpoint.HandleFrame(f)
			if f.Type == protocol.TypeEnd || f.Type == protocol.TypeError {
				return
			}
		case <-v.done:
			return
		}
	}
}

func (v *VConn) close() {
	v.once.Do(func() {
		close(v.done)
		v.endpoint.Close()
	})
}

// VConnTable maps requestId to the pending virtual connection awaiting
// completion. Safe for concurrent use.
type VConnTable struct {
	mu   sync.RWMutex
	byID map[string]*VConn
}

// NewVConnTable creates an empty virtual-connection table.
func NewVConnTable() *VConnTable {
	return &VConnTable{byID: make(map[string]*VConn)}
}

// Insert registers a new virtual connection and starts its delivery pump.
func (t *VConnTable) Insert(id string, kind Kind, tunnel *Tunnel, endpoint Endpoint) *VConn {
	v := newVConn(id, kind, tunnel, endpoint)
	t.mu.Lock()
	t.byID[id] = v
	t.mu.Unlock()
	go v.pump()
	return v
}

// Lookup returns the virtual connection for id, if any.
func (t *VConnTable) Lookup(id string) (*VConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.byID[id]
	return v, ok
}

// Forward delivers a data/end/error frame to the virtual connection's pump.
// Returns false if the queue is full (backpressure) or the id is unknown.
func (t *VConnTable) Forward(id string, f *protocol.Frame) bool {
	t.mu.RLock()
	v, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case v.inbound <- f:
		return true
	default:
		return false
	}
}

// Remove removes and closes the virtual connection for id. Idempotent: a
// second call for the same (already-removed) id is a no-op.
func (t *VConnTable) Remove(id string) {
	t.mu.Lock()
	v, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()
	if ok {
		v.close()
	}
}

// RemoveAll removes and closes every virtual connection matching predicate.
// Used when a tunnel dies to terminate all of its in-flight connections.
func (t *VConnTable) RemoveAll(predicate func(*VConn) bool) {
	t.mu.Lock()
	var matched []*VConn
	for id, v := range t.byID {
		if predicate(v) {
			matched = append(matched, v)
			delete(t.byID, id)
		}
	}
	t.mu.Unlock()
	for _, v := range matched {
		v.close()
	}
}
