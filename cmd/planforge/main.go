// planforge is the orchestration engine entry point. It loads
// configuration, opens the state store, wires the optional
// capabilities, resumes every non-terminal job, and serves metrics
// until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planforge/planforge/config"
	"github.com/planforge/planforge/failmem"
	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/registry"
	"github.com/planforge/planforge/retry"
	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/router/backends/ollama"
	"github.com/planforge/planforge/router/backends/openaicompat"
	"github.com/planforge/planforge/scheduler"
	"github.com/planforge/planforge/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("planforge %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `planforge - autonomous job orchestration engine

Usage:
  planforge serve [-config path]   run the engine
  planforge version                print version
`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting planforge",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer st.Close()

	reg := registry.New()
	var collector *metrics.Collector
	if cfg.HasCapability("metrics") {
		collector = metrics.NewCollector("planforge", nil)
		reg.Register(registry.CapMetrics, collector)
	}

	var memory *failmem.Memory
	if cfg.HasCapability("failure_memory") {
		var rdb *redis.Client
		if cfg.FailureMemory.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.FailureMemory.RedisAddr,
				Password: cfg.FailureMemory.RedisPassword,
				DB:       cfg.FailureMemory.RedisDB,
			})
		}
		memory, err = failmem.Open(cfg.FailureMemory.Path, failmem.Options{
			Redis:    rdb,
			RedisTTL: cfg.FailureMemory.RedisTTL,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("failed to open failure memory", zap.Error(err))
		}
		defer memory.Close()
		reg.Register(registry.CapFailureMemory, memory)
	}

	var rt *router.Router
	if cfg.HasCapability("model_router") {
		rt, err = buildRouter(cfg, logger, collector)
		if err != nil {
			logger.Fatal("failed to build model router", zap.Error(err))
		}
		rt.Start(ctx)
		defer rt.Stop()
		reg.Register(registry.CapModelRouter, rt)
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:    st,
		Action:   scheduler.StepActionFunc(generateAction),
		Registry: reg,
		Config: scheduler.Config{
			MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
			DefaultNodeTimeout: cfg.Scheduler.DefaultNodeTimeout,
			DefaultMaxRetries:  cfg.Scheduler.DefaultMaxRetries,
			Backoff: &retry.Policy{
				MaxRetries:   cfg.Scheduler.DefaultMaxRetries,
				InitialDelay: cfg.Scheduler.RetryInitialDelay,
				MaxDelay:     cfg.Scheduler.RetryMaxDelay,
				Multiplier:   cfg.Scheduler.RetryMultiplier,
				Jitter:       cfg.Scheduler.RetryJitter,
			},
			ForceRediagnosis: cfg.Scheduler.ForceRediagnosis,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to build scheduler", zap.Error(err))
	}

	resumed, err := sched.ResumeAllPending(ctx)
	if err != nil {
		logger.Fatal("failed to resume pending jobs", zap.Error(err))
	}
	logger.Info("recovery complete",
		zap.Int("resumed_jobs", len(resumed)),
		zap.Strings("capabilities", capabilityNames(reg)),
	)

	var metricsSrv *http.Server
	if cfg.HasCapability("metrics") && cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics endpoint up", zap.String("addr", metricsSrv.Addr))
			if serr := metricsSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(serr))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(serr))
		}
	}

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout, jobs will resume on next start")
	}

	logger.Info("planforge stopped")
}

func buildRouter(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*router.Router, error) {
	backends := make(map[string]router.Backend, len(cfg.Router.Backends))
	for _, bc := range cfg.Router.Backends {
		switch bc.Kind {
		case "ollama":
			backends[bc.Name] = ollama.New(ollama.Config{
				Name:    bc.Name,
				BaseURL: bc.BaseURL,
				Model:   bc.Model,
				Timeout: bc.Timeout,
			}, logger)
		case "openai_compat":
			backends[bc.Name] = openaicompat.New(openaicompat.Config{
				Name:              bc.Name,
				APIKey:            bc.APIKey,
				BaseURL:           bc.BaseURL,
				Model:             bc.Model,
				Timeout:           bc.Timeout,
				RequestsPerMinute: bc.RequestsPerMinute,
			}, logger)
		default:
			return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
		}
	}

	chains := make(map[router.Mode][]string, len(cfg.Router.Chains))
	for mode, chain := range cfg.Router.Chains {
		chains[router.Mode(mode)] = chain
	}

	var retryPolicy *retry.Policy
	if cfg.Router.RetryMaxRetries > 0 {
		retryPolicy = &retry.Policy{
			MaxRetries:   cfg.Router.RetryMaxRetries,
			InitialDelay: cfg.Router.RetryDelay,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}

	return router.New(backends, chains, router.Options{
		HealthCheckInterval: cfg.Router.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Router.HealthCheckTimeout,
		DefaultTimeout:      cfg.Router.DefaultTimeout,
		Retry:               retryPolicy,
		Logger:              logger,
		Metrics:             collector,
	})
}

func capabilityNames(reg *registry.Registry) []string {
	caps := reg.Names()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
