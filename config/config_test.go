package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsuled.conf")
	content := `# comment line
datadir = /srv/capsuled

rpc.port = 9000
rpc.admin = "operator"
rpc.allowed = 127.0.0.1, 10.0.0.0/8
log.json = yes
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if values["datadir"] != "/srv/capsuled" {
		t.Errorf("datadir = %q", values["datadir"])
	}
	// Quotes are stripped.
	if values["rpc.admin"] != "operator" {
		t.Errorf("rpc.admin = %q", values["rpc.admin"])
	}

	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig() error: %v", err)
	}
	if cfg.DataDir != "/srv/capsuled" || cfg.RPC.Port != 9000 || cfg.RPC.AdminUsername != "operator" {
		t.Errorf("applied config = %+v", cfg)
	}
	if len(cfg.RPC.AllowedIPs) != 2 || cfg.RPC.AllowedIPs[1] != "10.0.0.0/8" {
		t.Errorf("AllowedIPs = %v", cfg.RPC.AllowedIPs)
	}
	if !cfg.Log.JSON {
		t.Error("log.json = yes not applied")
	}
}

func TestLoadFileMissing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("LoadFile() on missing file error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("missing file yielded values %v", values)
	}
}

func TestLoadFileBadLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("no equals sign here\n"), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile() accepted a malformed line")
	}
}

func TestApplyFileConfigUnknownKey(t *testing.T) {
	cfg := Default()
	err := ApplyFileConfig(cfg, map[string]string{"nonsense.key": "1"})
	if err == nil || !strings.Contains(err.Error(), "nonsense.key") {
		t.Errorf("unknown key error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty datadir", func(c *Config) { c.DataDir = "" }},
		{"rpc port zero", func(c *Config) { c.RPC.Port = 0 }},
		{"rpc port too large", func(c *Config) { c.RPC.Port = 70000 }},
		{"empty admin", func(c *Config) { c.RPC.AdminUsername = "" }},
		{"explorer not a url", func(c *Config) { c.Explorer.BaseURL = "not a url" }},
		{"explorer bad scheme", func(c *Config) { c.Explorer.FeesURL = "ftp://x" }},
		{"explorer timeout zero", func(c *Config) { c.Explorer.TimeoutSeconds = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("Validate() accepted a broken config")
			}
		})
	}

	// RPC checks only apply when the server is enabled.
	cfg := Default()
	cfg.RPC.Enabled = false
	cfg.RPC.Port = 0
	cfg.RPC.AdminUsername = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled RPC should skip its checks: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BTC_EXPLORER_API", "https://explorer.example/api")
	t.Setenv("CAPSULED_ADMIN_USER", "envadmin")

	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Explorer.BaseURL != "https://explorer.example/api" {
		t.Errorf("BaseURL = %q", cfg.Explorer.BaseURL)
	}
	if cfg.RPC.AdminUsername != "envadmin" {
		t.Errorf("AdminUsername = %q", cfg.RPC.AdminUsername)
	}
}

func TestApplyFlagsPrecedence(t *testing.T) {
	cfg := Default()
	ApplyFlags(cfg, &Flags{
		DataDir:  "/tmp/flagdir",
		RPCPort:  9100,
		RPCAdmin: "flagadmin",
		RPC:      false,
		SetRPC:   true,
	})
	if cfg.DataDir != "/tmp/flagdir" || cfg.RPC.Port != 9100 || cfg.RPC.AdminUsername != "flagadmin" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.RPC.Enabled {
		t.Error("explicit --rpc=false did not disable the server")
	}

	// Unset flags leave the config alone.
	cfg = Default()
	ApplyFlags(cfg, &Flags{RPC: false}) // SetRPC false: default true kept
	if !cfg.RPC.Enabled {
		t.Error("implicit rpc default overrode the config")
	}
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "capsuled")

	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs() error: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.DBDir(), cfg.LogsDir()} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("directory %s missing after EnsureDataDirs", dir)
		}
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config file not written: %v", err)
	}

	// The generated template must itself survive a load round trip.
	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile(template) error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("template should be fully commented, got %v", values)
	}

	if err := EnsureDataDirs(cfg); err != nil {
		t.Errorf("EnsureDataDirs() second run error: %v", err)
	}
}
