package relay

import (
	"net/http/httptest"
	"testing"

	"github.com/duskrelay/tunnel/internal/protocol"
)

func Test_http_endpoint_parses_headers_then_streams_body(t *testing.T) {
	rec := httptest.NewRecorder()
	e := newHTTPEndpoint(rec)

	e.HandleFrame(&protocol.Frame{Type: protocol.TypeData, Data: []byte("HTTP/1.1 201 Created\r\nContent-Type: text/plain\r\nTransfer-Encoding: chunked\r\n\r\nhel")})
	e.HandleFrame(&protocol.Frame{Type: protocol.TypeData, Data: []byte("lo")})
	e.HandleFrame(&protocol.Frame{Type: protocol.TypeEnd})

	select {
	case <-e.finished:
	default:
		t.Fatal("end frame did not finish the endpoint")
	}

	if rec.Code != 201 {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("unexpected Content-Type: %q", got)
	}
	if got := rec.Header().Get("Transfer-Encoding"); got != "" {
		t.Fatalf("hop-by-hop Transfer-Encoding leaked through: %q", got)
	}
	if got := rec.Body.String(); got != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", got)
	}
}

func Test_http_endpoint_buffers_headers_split_across_frames(t *testing.T) {
	rec := httptest.NewRecorder()
	e := newHTTPEndpoint(rec)

	e.HandleFrame(&protocol.Frame{Type: protocol.TypeData, Data: []byte("HTTP/1.1 200 OK\r\nX-Part")})

	select {
	case <-e.headerDone:
		t.Fatal("headers reported done before the blank line arrived")
	default:
	}

	e.HandleFrame(&protocol.Frame{Type: protocol.TypeData, Data: []byte("ial: yes\r\n\r\nbody")})
	e.HandleFrame(&protocol.Frame{Type: protocol.TypeEnd})

	if got := rec.Header().Get("X-Partial"); got != "yes" {
		t.Fatalf("split header was not reassembled: %q", got)
	}
	if got := rec.Body.String(); got != "body" {
		t.Fatalf("expected body %q, got %q", "body", got)
	}
}

func Test_http_endpoint_error_before_headers_yields_502(t *testing.T) {
	rec := httptest.NewRecorder()
	e := newHTTPEndpoint(rec)

	e.HandleFrame(&protocol.Frame{Type: protocol.TypeError, Message: "backend unreachable"})

	if rec.Code != 502 {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
	select {
	case <-e.finished:
	default:
		t.Fatal("error frame did not finish the endpoint")
	}
}

func Test_parse_response_head(t *testing.T) {
	status, headers := parseResponseHead([]byte("HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\nX-Empty:"))
	if status != 404 {
		t.Fatalf("expected status 404, got %d", status)
	}
	if headers["Content-Type"] != "text/html" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if v, ok := headers["X-Empty"]; !ok || v != "" {
		t.Fatalf("empty header value mishandled: %q ok=%v", v, ok)
	}
}

func Test_privileged_port_guard(t *testing.T) {
	cases := []struct {
		port    int
		blocked bool
	}{
		{22, true},
		{1023, true},
		{80, false},
		{443, false},
		{1024, false},
		{8080, false},
	}
	for _, tc := range cases {
		if got := privilegedPortBlocked(tc.port); got != tc.blocked {
			t.Errorf("privilegedPortBlocked(%d) = %v, want %v", tc.port, got, tc.blocked)
		}
	}
}
