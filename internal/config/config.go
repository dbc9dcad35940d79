package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rforum/rforum-go/internal/restapi"
	"github.com/rforum/rforum-go/internal/state"
	"github.com/rforum/rforum-go/internal/stream"
)

// ClientConfig is the runtime configuration for one sync client.
type ClientConfig struct {
	Server ServerConfig `toml:"server"`
	Stream StreamConfig `toml:"stream"`
	Status StatusConfig `toml:"status"`
}

// ServerConfig locates the platform.
type ServerConfig struct {
	Origin   string `toml:"origin"`
	WSOrigin string `toml:"ws_origin"`
	APIBase  string `toml:"api_base"`
}

// StreamConfig tunes connection reliability. Durations are
// milliseconds; zero values take the built-in defaults.
type StreamConfig struct {
	HeartbeatIntervalMS int     `toml:"heartbeat_interval_ms"`
	ConnectTimeoutMS    int     `toml:"connect_timeout_ms"`
	WriteTimeoutMS      int     `toml:"write_timeout_ms"`
	MaxConnectAttempts  int     `toml:"max_connect_attempts"`
	BackoffInitialMS    int     `toml:"backoff_initial_ms"`
	BackoffMaxMS        int     `toml:"backoff_max_ms"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffJitter       bool    `toml:"backoff_jitter"`
}

// StatusConfig configures the local status/metrics HTTP surface. An
// empty addr disables it.
type StatusConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Server.Origin == "" {
		cfg.Server.Origin = "http://localhost:8001"
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	origin := strings.TrimSpace(cfg.Server.Origin)
	if origin == "" {
		return fmt.Errorf("client config missing server origin")
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return fmt.Errorf("server origin must be http(s): %s", origin)
	}
	if ws := strings.TrimSpace(cfg.Server.WSOrigin); ws != "" {
		if !strings.HasPrefix(ws, "ws://") && !strings.HasPrefix(ws, "wss://") {
			return fmt.Errorf("ws origin must be ws(s): %s", ws)
		}
	}
	if cfg.Stream.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must be >= 0")
	}
	if cfg.Stream.BackoffMultiplier != 0 && cfg.Stream.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0")
	}
	return nil
}

// StreamConfig converts the TOML shape into the stream package config,
// leaving zero fields to the stream defaults.
func (c ClientConfig) StreamConfig() stream.Config {
	out := stream.Config{
		Origin:             c.Server.Origin,
		WSOrigin:           c.Server.WSOrigin,
		HeartbeatInterval:  time.Duration(c.Stream.HeartbeatIntervalMS) * time.Millisecond,
		ConnectTimeout:     time.Duration(c.Stream.ConnectTimeoutMS) * time.Millisecond,
		WriteTimeout:       time.Duration(c.Stream.WriteTimeoutMS) * time.Millisecond,
		MaxConnectAttempts: c.Stream.MaxConnectAttempts,
		Backoff: stream.BackoffConfig{
			InitialDelay: time.Duration(c.Stream.BackoffInitialMS) * time.Millisecond,
			MaxDelay:     time.Duration(c.Stream.BackoffMaxMS) * time.Millisecond,
			Multiplier:   c.Stream.BackoffMultiplier,
			Jitter:       c.Stream.BackoffJitter,
		},
	}
	return out.WithDefaults()
}

// RESTConfig converts the TOML shape into the restapi client config.
func (c ClientConfig) RESTConfig() restapi.Config {
	return restapi.Config{
		BaseURL: c.Server.Origin,
		APIBase: c.Server.APIBase,
	}
}

// StoreConfig derives the baseline retry policy from the stream backoff
// tuning; the store runs its own decoupled instance.
func (c ClientConfig) StoreConfig() state.Config {
	return state.Config{Backoff: c.StreamConfig().Backoff}
}
