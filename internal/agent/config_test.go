package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func Test_load_config_applies_defaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"relay": {"url": "ws://relay.example.com/ws", "authToken": "secret"},
		"tunnel": {"name": "my-app"},
		"backend": {"port": 8080}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tunnel.Mode != ModeWeb {
		t.Fatalf("expected default mode %q, got %q", ModeWeb, cfg.Tunnel.Mode)
	}
	if cfg.Backend.Host != "127.0.0.1" {
		t.Fatalf("expected default backend host, got %q", cfg.Backend.Host)
	}
	if cfg.Tunnel.PingInterval != defaultPingInterval {
		t.Fatalf("expected default ping interval, got %v", cfg.Tunnel.PingInterval)
	}
	if cfg.Relay.HealthURL != "http://relay.example.com/health" {
		t.Fatalf("unexpected derived health url: %q", cfg.Relay.HealthURL)
	}
}

func Test_load_config_rejects_missing_relay_url(t *testing.T) {
	path := writeConfigFile(t, `{"tunnel": {"name": "my-app"}, "backend": {"port": 8080}}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for a missing relay.url")
	}
}

func Test_load_config_rejects_missing_tunnel_name(t *testing.T) {
	path := writeConfigFile(t, `{"relay": {"url": "ws://relay.example.com/ws"}, "backend": {"port": 8080}}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for a missing tunnel.name")
	}
}

func Test_load_config_rejects_invalid_mode(t *testing.T) {
	path := writeConfigFile(t, `{
		"relay": {"url": "ws://relay.example.com/ws"},
		"tunnel": {"name": "my-app", "mode": "carrier-pigeon"},
		"backend": {"port": 8080}
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an invalid tunnel.mode")
	}
}

func Test_load_config_requires_remote_port_for_tcp_mode(t *testing.T) {
	path := writeConfigFile(t, `{
		"relay": {"url": "ws://relay.example.com/ws"},
		"tunnel": {"name": "my-app", "mode": "tcp"},
		"backend": {"port": 22}
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when tcp mode is missing tunnel.remotePort")
	}
}

func Test_load_config_honors_explicit_health_url(t *testing.T) {
	path := writeConfigFile(t, `{
		"relay": {"url": "ws://relay.example.com/ws", "healthUrl": "https://status.example.com/healthz"},
		"tunnel": {"name": "my-app"},
		"backend": {"port": 8080}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Relay.HealthURL != "https://status.example.com/healthz" {
		t.Fatalf("explicit healthUrl was overridden: %q", cfg.Relay.HealthURL)
	}
}

func Test_target_addr_and_url(t *testing.T) {
	cfg := &Config{Backend: BackendConfig{Host: "10.0.0.5", Port: 9000}}
	if got := cfg.targetAddr(); got != "10.0.0.5:9000" {
		t.Fatalf("unexpected targetAddr: %q", got)
	}
	if got := cfg.targetURL(); got != "http://10.0.0.5:9000" {
		t.Fatalf("unexpected targetURL: %q", got)
	}
}
