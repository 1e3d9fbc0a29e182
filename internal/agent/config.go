package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the agent configuration: which relay to dial, what tunnel
// to register, and what local backend to forward to. Loaded from a JSON
// file with environment-variable overrides, mirroring the relay's own
// viper-backed Config so operators configure both halves the same way.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay"`
	Tunnel  TunnelConfig  `mapstructure:"tunnel"`
	Backend BackendConfig `mapstructure:"backend"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
}

// RelayConfig addresses the control-channel websocket endpoint to dial.
type RelayConfig struct {
	URL       string `mapstructure:"url"`
	HealthURL string `mapstructure:"healthUrl"`
	AuthToken string `mapstructure:"authToken"`
}

// TunnelConfig carries the register-frame fields this agent will send.
type TunnelConfig struct {
	Name              string         `mapstructure:"name"`
	Mode              string         `mapstructure:"mode"` // web | tcp
	Protocol          string         `mapstructure:"protocol"`
	RemotePort        int            `mapstructure:"remotePort"` // tcp-listen port request, tcp mode only
	DeviceInfo        map[string]any `mapstructure:"deviceInfo"`
	ReconnectDelay    time.Duration  `mapstructure:"reconnectDelay"`
	MaxReconnectDelay time.Duration  `mapstructure:"maxReconnectDelay"`
	PingInterval      time.Duration  `mapstructure:"pingInterval"`
}

// BackendConfig is the local service this agent forwards traffic to.
type BackendConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ProxyConfig controls the optional egress proxy dialer used to reach the
// relay, for agents running behind a corporate firewall.
type ProxyConfig struct {
	URL             string        `mapstructure:"url"`
	VerifyRouting   bool          `mapstructure:"verifyRouting"`
	HealthTimeout   time.Duration `mapstructure:"healthTimeout"`
	RecheckInterval time.Duration `mapstructure:"recheckInterval"`
}

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultHealthTimeout     = 10 * time.Second
)

// LoadConfig reads the agent configuration from a JSON file on disk,
// overlaid with AGENT_* environment variables. An empty path skips the
// file and relies on environment/defaults alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("tunnel.mode", ModeWeb)
	v.SetDefault("tunnel.reconnectDelay", defaultReconnectDelay)
	v.SetDefault("tunnel.maxReconnectDelay", defaultMaxReconnectDelay)
	v.SetDefault("tunnel.pingInterval", defaultPingInterval)
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("proxy.healthTimeout", defaultHealthTimeout)

	v.SetEnvPrefix("agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only overlays keys viper already knows about, so bind
	// the keys that have no default explicitly.
	for _, key := range []string{
		"relay.url", "relay.healthUrl", "relay.authToken",
		"tunnel.name", "tunnel.protocol", "tunnel.remotePort",
		"backend.port",
		"proxy.url", "proxy.verifyRouting", "proxy.recheckInterval",
	} {
		v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading agent config %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Tunnel.Name == "" {
		return nil, fmt.Errorf("tunnel.name is required")
	}
	if cfg.Backend.Port == 0 {
		return nil, fmt.Errorf("backend.port is required")
	}
	if cfg.Tunnel.Mode != ModeWeb && cfg.Tunnel.Mode != ModeTCP {
		return nil, fmt.Errorf("tunnel.mode must be %q or %q", ModeWeb, ModeTCP)
	}
	if cfg.Tunnel.Mode == ModeTCP && cfg.Tunnel.RemotePort == 0 {
		return nil, fmt.Errorf("tunnel.remotePort is required for tcp tunnels")
	}
	if cfg.Relay.HealthURL == "" {
		cfg.Relay.HealthURL = deriveHealthURL(cfg.Relay.URL)
	}
	return &cfg, nil
}

func (c *Config) targetAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

func (c *Config) targetURL() string {
	return "http://" + c.targetAddr()
}

// deriveHealthURL guesses the relay's management health endpoint from its
// control-channel URL when not set explicitly. This is only a convenience
// default: the management API normally listens on a different port than
// the control channel, so an explicit relay.healthUrl should be preferred
// in most deployments.
func deriveHealthURL(relayURL string) string {
	replacer := strings.NewReplacer("ws://", "http://", "wss://", "https://")
	base := replacer.Replace(relayURL)
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[:i]
	}
	return base + "/health"
}
