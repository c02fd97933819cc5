package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option plus the worker deployment settings.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Origin OriginConfig `koanf:"origin"`
	Worker WorkerConfig `koanf:"worker"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ServerCacheConfig selects the asset cache store backend.
type ServerCacheConfig struct {
	Backend   string                   `koanf:"backend"`
	Namespace string                   `koanf:"namespace"`
	LevelDB   ServerLevelDBCacheConfig `koanf:"leveldb"`
	Redis     ServerRedisCacheConfig   `koanf:"redis"`
}

type ServerLevelDBCacheConfig struct {
	Path string `koanf:"path"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OriginConfig points at the network the worker fronts.
type OriginConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// WorkerConfig describes the deployed worker script and its routing policy.
// Script points at a YAML descriptor watched for new deploys; when empty the
// inline Version and Manifest are deployed once at startup.
type WorkerConfig struct {
	Script                string   `koanf:"script"`
	PollSeconds           int      `koanf:"pollSeconds"`
	Version               string   `koanf:"version"`
	Manifest              []string `koanf:"manifest"`
	Scope                 string   `koanf:"scope"`
	SkipWaiting           bool     `koanf:"skipWaiting"`
	NavigationRule        string   `koanf:"navigationRule"`
	NavigationFallback    string   `koanf:"navigationFallback"`
	FallbackDocument      string   `koanf:"fallbackDocument"`
	InstallConcurrency    int      `koanf:"installConcurrency"`
	RevalidateConcurrency int      `koanf:"revalidateConcurrency"`
}

const (
	// NavigationFallbackExact serves only the snapshot stored for the exact navigation identity.
	NavigationFallbackExact = "exact"
	// NavigationFallbackRoot serves the fallback document for any navigation cache miss.
	NavigationFallbackRoot = "root"
)

// PollInterval converts the configured poll period into a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	if w.PollSeconds <= 0 {
		return 0
	}
	return time.Duration(w.PollSeconds) * time.Second
}

// Timeout returns the origin round-trip timeout; zero leaves it to the transport.
func (o OriginConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "leveldb":
		if strings.TrimSpace(c.Server.Cache.LevelDB.Path) == "" {
			return errors.New("config: server.cache.leveldb.path required for leveldb backend")
		}
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}

	origin := strings.TrimSpace(c.Origin.URL)
	if origin == "" {
		return errors.New("config: origin.url is required")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("config: origin.url invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: origin.url scheme unsupported: %q", u.Scheme)
	}
	if c.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("config: origin.timeoutSeconds invalid: %d", c.Origin.TimeoutSeconds)
	}

	w := c.Worker
	if strings.TrimSpace(w.Script) == "" && strings.TrimSpace(w.Version) == "" {
		return errors.New("config: worker.script or worker.version required")
	}
	if w.PollSeconds < 0 {
		return fmt.Errorf("config: worker.pollSeconds invalid: %d", w.PollSeconds)
	}
	if !strings.HasPrefix(w.Scope, "/") {
		return fmt.Errorf("config: worker.scope must start with /: %q", w.Scope)
	}
	switch strings.ToLower(strings.TrimSpace(w.NavigationFallback)) {
	case NavigationFallbackExact:
	case NavigationFallbackRoot:
		if strings.TrimSpace(w.FallbackDocument) == "" {
			return errors.New("config: worker.fallbackDocument required for root navigation fallback")
		}
	default:
		return fmt.Errorf("config: worker.navigationFallback unsupported: %s", w.NavigationFallback)
	}
	if strings.TrimSpace(w.NavigationRule) == "" {
		return errors.New("config: worker.navigationRule required")
	}
	if w.InstallConcurrency <= 0 {
		return fmt.Errorf("config: worker.installConcurrency invalid: %d", w.InstallConcurrency)
	}
	if w.RevalidateConcurrency <= 0 {
		return fmt.Errorf("config: worker.revalidateConcurrency invalid: %d", w.RevalidateConcurrency)
	}
	for i, entry := range w.Manifest {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("config: worker.manifest[%d] empty", i)
		}
	}
	return nil
}

// DefaultNavigationRule classifies page loads the same way browsers flag them.
const DefaultNavigationRule = `request.mode == "navigate" || request.path.endsWith(".html")`

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				Namespace: "bixworker:cache:v1",
				LevelDB: ServerLevelDBCacheConfig{
					Path: "./data/cache",
				},
			},
		},
		Origin: OriginConfig{
			TimeoutSeconds: 30,
		},
		Worker: WorkerConfig{
			Scope:                 "/",
			NavigationRule:        DefaultNavigationRule,
			NavigationFallback:    NavigationFallbackExact,
			FallbackDocument:      "/index.html",
			InstallConcurrency:    4,
			RevalidateConcurrency: 32,
		},
	}
}
