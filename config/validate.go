package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the assembled configuration for values the daemon cannot
// start with.
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}

	if cfg.RPC.Enabled {
		if cfg.RPC.Port < 1 || cfg.RPC.Port > 65535 {
			return fmt.Errorf("rpc.port %d out of range", cfg.RPC.Port)
		}
		if cfg.RPC.AdminUsername == "" {
			return fmt.Errorf("rpc.admin must not be empty")
		}
	}

	for _, raw := range []string{cfg.Explorer.BaseURL, cfg.Explorer.FeesURL} {
		u, err := url.Parse(raw)
		if err != nil || !strings.HasPrefix(u.Scheme, "http") || u.Host == "" {
			return fmt.Errorf("explorer URL %q is not a valid http(s) URL", raw)
		}
	}
	if cfg.Explorer.TimeoutSeconds < 1 {
		return fmt.Errorf("explorer.timeout must be at least 1 second")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}

	return nil
}
