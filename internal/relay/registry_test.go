package relay

import (
	"testing"

	"github.com/duskrelay/tunnel/internal/protocol"
)

func Test_register_enforces_name_uniqueness(t *testing.T) {
	vconns := NewVConnTable()
	reg := NewRegistry(vconns, nil)

	a := newTunnel("foo", ModeWeb, "http", "127.0.0.1", 3000, nil, nil)
	if err := reg.Register(a); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	b := newTunnel("foo", ModeWeb, "http", "127.0.0.1", 4000, nil, nil)
	if err := reg.Register(b); err != ErrNameInUse {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}

	got, ok := reg.Lookup("foo")
	if !ok || got != a {
		t.Fatalf("registry entry for foo was overwritten by the rejected register")
	}
}

func Test_unregister_removes_tunnel_and_its_vconns(t *testing.T) {
	vconns := NewVConnTable()
	reg := NewRegistry(vconns, nil)

	tunnel := newTunnel("foo", ModeWeb, "http", "127.0.0.1", 3000, nil, nil)
	if err := reg.Register(tunnel); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	vconns.Insert("req-1", KindHTTP, tunnel, &noopEndpoint{})
	vconns.Insert("req-2", KindHTTP, tunnel, &noopEndpoint{})

	reg.Unregister("foo")

	if _, ok := reg.Lookup("foo"); ok {
		t.Fatal("tunnel still present after unregister")
	}
	if _, ok := vconns.Lookup("req-1"); ok {
		t.Fatal("vconn req-1 survived tunnel unregister")
	}
	if _, ok := vconns.Lookup("req-2"); ok {
		t.Fatal("vconn req-2 survived tunnel unregister")
	}
}

func Test_lookup_by_name_and_port_precedence(t *testing.T) {
	vconns := NewVConnTable()
	reg := NewRegistry(vconns, nil)

	exact := newTunnel("foo", ModeWeb, "http", "127.0.0.1", 3000, nil, nil)
	reg.Register(exact)

	// exact (name, port) match wins over a name-only match
	got, ok := reg.LookupByNameAndPort("foo", 3000, false)
	if !ok || got != exact {
		t.Fatal("expected exact (name, port) match")
	}

	// name-only match still resolves when the port differs
	got, ok = reg.LookupByNameAndPort("foo", 9999, false)
	if !ok || got != exact {
		t.Fatal("expected name-only fallback match")
	}

	// unknown name with no port-only fallback allowed resolves to nothing
	if _, ok := reg.LookupByNameAndPort("bar", 3000, false); ok {
		t.Fatal("expected no match for unknown name without port-only fallback")
	}

	// unknown name resolves via port-only fallback when allowed
	got, ok = reg.LookupByNameAndPort("bar", 3000, true)
	if !ok || got != exact {
		t.Fatal("expected port-only fallback match")
	}
}

// noopEndpoint is a minimal Endpoint used by registry tests that don't
// exercise frame handling.
type noopEndpoint struct{ closed bool }

func (e *noopEndpoint) HandleFrame(*protocol.Frame) {}
func (e *noopEndpoint) Close()                      { e.closed = true }
