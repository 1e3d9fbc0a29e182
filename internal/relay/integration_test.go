package relay_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/tunnel/internal/agent"
	"github.com/duskrelay/tunnel/internal/relay"
)

// _start_backend spins up a plain http server standing in for an agent's
// local service.
func _start_backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "passed")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "hello from backend")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// _start_relay wires a bare registry/router/agent-upgrade endpoint without
// going through relay.Server's fixed-port listeners, so the test can bind
// to ephemeral ports via httptest.
func _start_relay(t *testing.T, cfg *relay.Config) (publicURL, wsURL string) {
	t.Helper()
	vconns := relay.NewVConnTable()
	registry := relay.NewRegistry(vconns, nil)
	router := relay.NewRouter(registry, vconns, cfg, false)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("agent upgrade failed: %v", err)
			return
		}
		session := relay.NewAgentSession(conn, cfg, registry, vconns, nil, r.RemoteAddr)
		session.Run()
	})

	publicSrv := httptest.NewServer(router)
	t.Cleanup(publicSrv.Close)
	wsSrv := httptest.NewServer(wsHandler)
	t.Cleanup(wsSrv.Close)

	return publicSrv.URL, "ws" + strings.TrimPrefix(wsSrv.URL, "http")
}

func Test_integration_http_request_flows_through_the_tunnel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backend := _start_backend(t)

	cfg := &relay.Config{
		Domain:         "example.test",
		AuthToken:      "integration-secret",
		RequestTimeout: 5 * time.Second,
		PingInterval:   5 * time.Second,
	}
	publicURL, wsURL := _start_relay(t, cfg)

	agentCfg := &agent.Config{
		Relay:   agent.RelayConfig{URL: wsURL, AuthToken: cfg.AuthToken},
		Tunnel:  agent.TunnelConfig{Name: "myapp", Mode: agent.ModeWeb, PingInterval: 5 * time.Second},
		Backend: agent.BackendConfig{Host: backendHost(t, backend.URL), Port: backendPort(t, backend.URL)},
	}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(300 * time.Millisecond) // allow the control channel to register

	req, err := http.NewRequest(http.MethodGet, publicURL+"/hello", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "myapp.example.test"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request through relay failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(body) != "hello from backend" {
		t.Fatalf("expected %q, got %q", "hello from backend", string(body))
	}
	if resp.Header.Get("X-Test") != "passed" {
		t.Fatalf("expected X-Test header to pass through, got %q", resp.Header.Get("X-Test"))
	}
}

func Test_integration_no_token_relay_still_answers_auth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backend := _start_backend(t)

	// no authToken configured: the relay starts sessions authenticated,
	// but agents still open with an auth frame and wait for the reply.
	cfg := &relay.Config{
		Domain:         "example.test",
		RequestTimeout: 5 * time.Second,
		PingInterval:   5 * time.Second,
	}
	publicURL, wsURL := _start_relay(t, cfg)

	agentCfg := &agent.Config{
		Relay:   agent.RelayConfig{URL: wsURL},
		Tunnel:  agent.TunnelConfig{Name: "open", Mode: agent.ModeWeb, PingInterval: 5 * time.Second},
		Backend: agent.BackendConfig{Host: backendHost(t, backend.URL), Port: backendPort(t, backend.URL)},
	}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(300 * time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, publicURL+"/hello", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "open.example.test"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request through relay failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(body) != "hello from backend" {
		t.Fatalf("expected %q, got %q", "hello from backend", string(body))
	}
}

func Test_integration_unknown_tunnel_serves_offline_page(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := &relay.Config{Domain: "example.test", RequestTimeout: time.Second, PingInterval: 5 * time.Second}
	publicURL, _ := _start_relay(t, cfg)

	req, err := http.NewRequest(http.MethodGet, publicURL+"/anything", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "nobody.example.test"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the offline page's 200 status, got %d", resp.StatusCode)
	}
}

func backendHost(t *testing.T, rawURL string) string {
	t.Helper()
	u := strings.TrimPrefix(rawURL, "http://")
	if i := strings.LastIndex(u, ":"); i >= 0 {
		return u[:i]
	}
	return u
}

func backendPort(t *testing.T, rawURL string) int {
	t.Helper()
	u := strings.TrimPrefix(rawURL, "http://")
	i := strings.LastIndex(u, ":")
	if i < 0 {
		t.Fatalf("no port in backend url %q", rawURL)
	}
	var port int
	if _, err := fmt.Sscanf(u[i+1:], "%d", &port); err != nil {
		t.Fatalf("parsing backend port from %q: %v", rawURL, err)
	}
	return port
}
