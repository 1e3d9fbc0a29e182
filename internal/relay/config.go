package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the relay server configuration: domain, httpPort, wsPort,
// apiPort and authToken. Loaded from a JSON file with environment-variable
// overrides (TUNNEL_DOMAIN, TUNNEL_HTTPPORT, ...).
type Config struct {
	Domain    string `mapstructure:"domain"`
	HTTPPort  int    `mapstructure:"httpPort"`
	WSPort    int    `mapstructure:"wsPort"`
	APIPort   int    `mapstructure:"apiPort"`
	AuthToken string `mapstructure:"authToken"`

	// RequestTimeout bounds the wait for the first response byte of a
	// proxied public request.
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	// PingInterval is the control-channel keepalive cadence.
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

const (
	defaultHTTPPort       = 80
	defaultWSPort         = 8081
	defaultAPIPort        = 8082
	defaultRequestTimeout = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
)

// LoadConfig reads the relay configuration from a JSON file on disk,
// overlaid with TUNNEL_* environment variables. An empty path skips the
// file and relies on environment/defaults alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("httpPort", defaultHTTPPort)
	v.SetDefault("wsPort", defaultWSPort)
	v.SetDefault("apiPort", defaultAPIPort)
	v.SetDefault("requestTimeout", defaultRequestTimeout)
	v.SetDefault("pingInterval", defaultPingInterval)

	v.SetEnvPrefix("tunnel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only overlays keys viper already knows about; domain and
	// authToken have no default, so bind them explicitly.
	v.BindEnv("domain")
	v.BindEnv("authToken")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading relay config %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	return &cfg, nil
}

// reservedPorts are the three service ports that are never subject to
// dynamic-port management.
func (c *Config) reservedPorts() map[int]struct{} {
	return map[int]struct{}{
		c.HTTPPort: {},
		c.WSPort:   {},
		c.APIPort:  {},
	}
}
