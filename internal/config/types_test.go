package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Origin.URL = "http://origin.test"
	cfg.Worker.Version = "bix-extension-app-v12"
	cfg.Worker.Manifest = []string{"./", "./index.html"}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "invalid port", mutate: func(cfg *Config) { cfg.Server.Listen.Port = -1 }},
		{name: "unknown cache backend", mutate: func(cfg *Config) { cfg.Server.Cache.Backend = "memcached" }},
		{name: "redis without address", mutate: func(cfg *Config) { cfg.Server.Cache.Backend = "redis" }},
		{name: "leveldb without path", mutate: func(cfg *Config) {
			cfg.Server.Cache.Backend = "leveldb"
			cfg.Server.Cache.LevelDB.Path = ""
		}},
		{name: "missing origin", mutate: func(cfg *Config) { cfg.Origin.URL = "" }},
		{name: "origin without http scheme", mutate: func(cfg *Config) { cfg.Origin.URL = "ftp://origin.test" }},
		{name: "negative origin timeout", mutate: func(cfg *Config) { cfg.Origin.TimeoutSeconds = -1 }},
		{name: "no script and no version", mutate: func(cfg *Config) { cfg.Worker.Version = "" }},
		{name: "relative scope", mutate: func(cfg *Config) { cfg.Worker.Scope = "app/" }},
		{name: "unknown navigation fallback", mutate: func(cfg *Config) { cfg.Worker.NavigationFallback = "spa" }},
		{name: "root fallback without document", mutate: func(cfg *Config) {
			cfg.Worker.NavigationFallback = NavigationFallbackRoot
			cfg.Worker.FallbackDocument = " "
		}},
		{name: "empty navigation rule", mutate: func(cfg *Config) { cfg.Worker.NavigationRule = "" }},
		{name: "zero install concurrency", mutate: func(cfg *Config) { cfg.Worker.InstallConcurrency = 0 }},
		{name: "zero revalidate concurrency", mutate: func(cfg *Config) { cfg.Worker.RevalidateConcurrency = 0 }},
		{name: "blank manifest entry", mutate: func(cfg *Config) { cfg.Worker.Manifest = []string{"./", ""} }},
		{name: "negative poll", mutate: func(cfg *Config) { cfg.Worker.PollSeconds = -5 }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	t.Run("redis with address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Cache.Backend = "redis"
		cfg.Server.Cache.Redis.Address = "127.0.0.1:6379"
		require.NoError(t, cfg.Validate())
	})

	t.Run("root fallback with document", func(t *testing.T) {
		cfg := validConfig()
		cfg.Worker.NavigationFallback = NavigationFallbackRoot
		require.NoError(t, cfg.Validate())
	})
}

func TestDurations(t *testing.T) {
	require.Equal(t, 30*time.Second, DefaultConfig().Origin.Timeout())
	require.Zero(t, OriginConfig{}.Timeout())
	require.Zero(t, WorkerConfig{}.PollInterval())
	require.Equal(t, 2*time.Minute, WorkerConfig{PollSeconds: 120}.PollInterval())
}
