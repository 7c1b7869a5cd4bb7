package config

// Default returns the built-in daemon configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:       true,
			Addr:          "127.0.0.1",
			Port:          8780,
			AllowedIPs:    []string{"127.0.0.1"},
			AdminUsername: DefaultAdminUsername,
		},
		Explorer: ExplorerConfig{
			BaseURL:        "https://blockstream.info/api",
			FeesURL:        "https://mempool.space/api/v1/fees/recommended",
			TimeoutSeconds: 8,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
