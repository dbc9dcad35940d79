package stream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrOriginRequired      = errors.New("stream: server origin required")
	ErrSessionCodeRequired = errors.New("stream: session code required")
)

// Config defines transport/session reliability defaults for one Conn.
type Config struct {
	// Origin is the REST origin (http or https). The websocket scheme is
	// derived from it: https becomes wss, http becomes ws.
	Origin string
	// WSOrigin, when set, overrides the derived websocket origin.
	WSOrigin string

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// MaxConnectAttempts caps consecutive failed connects; 0 means retry
	// forever, which is the default for a live-session client.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     8 * time.Second,
			Jitter:       false,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

// URL derives the websocket address for a session code:
// <ws|wss>://<host>/ws/<code>.
func (c Config) URL(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrSessionCodeRequired
	}
	base := strings.TrimSpace(c.WSOrigin)
	if base == "" {
		origin := strings.TrimSpace(c.Origin)
		if origin == "" {
			return "", ErrOriginRequired
		}
		u, err := url.Parse(origin)
		if err != nil {
			return "", fmt.Errorf("stream: parse origin: %w", err)
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		case "ws", "wss":
		default:
			return "", fmt.Errorf("stream: unsupported origin scheme %q", u.Scheme)
		}
		base = u.String()
	}
	return strings.TrimRight(base, "/") + "/ws/" + code, nil
}
