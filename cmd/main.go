package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/bixworker/internal/config"
	"github.com/l0p7/bixworker/internal/logging"
	"github.com/l0p7/bixworker/internal/metrics"
	"github.com/l0p7/bixworker/internal/pricing"
	"github.com/l0p7/bixworker/internal/runtime"
	"github.com/l0p7/bixworker/internal/runtime/cache"
	"github.com/l0p7/bixworker/internal/runtime/routing"
	"github.com/l0p7/bixworker/internal/server"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "BIXWORKER", "environment variable prefix")
		quote      = flag.String("quote", "", "print the extension quote stored in this LevelDB directory and exit")
	)
	flag.Parse()

	if *quote != "" {
		if err := printQuote(context.Background(), *quote, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	network, err := routing.NewNetwork(cfg.Origin.URL, cfg.Origin.Timeout(), nil)
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("configure origin: %w", err)
	}

	worker, err := runtime.NewWorker(runtime.Options{
		Store:             store,
		Network:           network,
		Worker:            cfg.Worker,
		Logger:            logger,
		Metrics:           metricsRecorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("construct worker: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := worker.Close(shutdownCtx); err != nil {
			logger.Error("worker shutdown failed", slog.Any("error", err))
		}
	}()

	if err := deployScripts(ctx, logger, cfg.Worker, worker); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewWorkerHandler(worker, logger))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// scriptDeployer is the part of the worker the deploy wiring drives.
type scriptDeployer interface {
	Restore(ctx context.Context, script config.Script) (bool, error)
	Deploy(script config.Script)
}

// deployScripts restores the generation already stored for the configured
// script, then hands the script to the lifecycle. A script file is watched
// for the lifetime of ctx.
func deployScripts(ctx context.Context, logger *slog.Logger, wc config.WorkerConfig, worker scriptDeployer) error {
	restore := func(script config.Script) {
		restored, err := worker.Restore(ctx, script)
		if err != nil {
			logger.Warn("stored generation unavailable", slog.String("version", script.Version), slog.Any("error", err))
			return
		}
		if restored {
			logger.Info("restored stored generation", slog.String("version", script.Version))
		}
	}

	path := strings.TrimSpace(wc.Script)
	if path == "" {
		script := config.InlineScript(wc)
		if script.Version == "" {
			logger.Warn("no worker script configured; serving passthrough")
			return nil
		}
		restore(script)
		worker.Deploy(script)
		return nil
	}

	initial, err := config.LoadScript(path)
	if err != nil {
		return fmt.Errorf("load worker script: %w", err)
	}
	restore(initial)

	watcher, err := config.WatchScript(ctx, path, wc.PollInterval(), worker.Deploy, func(err error) {
		if err != nil {
			logger.Error("script watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("watch worker script: %w", err)
	}
	go func() {
		<-ctx.Done()
		watcher.Stop()
	}()
	return nil
}

func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory asset store")
		}
		return cache.NewMemory()
	case "leveldb":
		store, err := cache.NewLevelDB(cfg.LevelDB.Path)
		if err != nil {
			if logger != nil {
				logger.Error("leveldb store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using leveldb asset store", slog.String("path", cfg.LevelDB.Path))
		}
		return store
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis asset store", slog.String("address", cfg.Redis.Address))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}

// printQuote writes the calculator view kept in the LevelDB directory at
// path as indented JSON.
func printQuote(ctx context.Context, path string, out io.Writer) error {
	kv, err := pricing.NewLevelDBKV(path)
	if err != nil {
		return fmt.Errorf("open pricing store: %w", err)
	}
	defer kv.Close()

	view, err := pricing.NewCalculator(kv, logging.Discard()).View(ctx)
	if err != nil {
		return fmt.Errorf("build quote: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
