package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "sessions":
		return sessionsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `[server]
origin = "http://localhost:8001"
ws_origin = ""
api_base = "/api"

[stream]
heartbeat_interval_ms = 15000
backoff_initial_ms = 500
backoff_max_ms = 8000
backoff_multiplier = 2.0
backoff_jitter = false
max_connect_attempts = 0

[status]
addr = ":9090"
cors_origins = ["http://localhost:5173"]
`

const sessionsTemplate = `[[targets]]
name = "demo"
code = "ABCD-1234"
origin = "http://localhost:8001"
`
