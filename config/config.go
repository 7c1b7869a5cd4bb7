// Package config handles application configuration.
//
// Settings come from three layers, later layers winning:
// built-in defaults, the conf file, and command-line flags.
// A few environment variables override for container deployments.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultAdminUsername gates the admin HTTP surface when no override is
// configured.
const DefaultAdminUsername = "admin"

// Config holds the daemon's runtime configuration.
type Config struct {
	// Core
	DataDir string `conf:"datadir"`

	// RPC server
	RPC RPCConfig

	// Explorer upstream
	Explorer ExplorerConfig

	// Logging
	Log LogConfig
}

// RPCConfig holds admin HTTP server settings.
type RPCConfig struct {
	Enabled       bool     `conf:"rpc.enabled"`
	Addr          string   `conf:"rpc.addr"`
	Port          int      `conf:"rpc.port"`
	AllowedIPs    []string `conf:"rpc.allowed"`
	CORSOrigins   []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
	AdminUsername string   `conf:"rpc.admin"`
}

// ExplorerConfig holds block-explorer upstream settings.
type ExplorerConfig struct {
	BaseURL        string `conf:"explorer.api"`
	FeesURL        string `conf:"explorer.fees"`
	TimeoutSeconds int    `conf:"explorer.timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.capsuled
//	macOS:   ~/Library/Application Support/Capsuled
//	Windows: %APPDATA%\Capsuled
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".capsuled"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Capsuled")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Capsuled")
		}
		return filepath.Join(home, "AppData", "Roaming", "Capsuled")
	default:
		return filepath.Join(home, ".capsuled")
	}
}

// DBDir returns the record database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "capsuled.conf")
}
