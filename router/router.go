package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/retry"
	"github.com/planforge/planforge/types"
)

// Options configures a Router.
type Options struct {
	// HealthCheckInterval drives the periodic probe loop started by
	// Start. Defaults to 60s.
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds a single probe. Defaults to 10s.
	HealthCheckTimeout time.Duration
	// DefaultTimeout bounds a generate call when the request carries
	// none. Defaults to 60s.
	DefaultTimeout time.Duration
	// Retry re-walks the whole chain after backoff when every candidate
	// failed with a retryable error. Nil disables re-walks. A nil
	// Classify on the policy defaults to types.IsRetryable.
	Retry   *retry.Policy
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

func normalizeOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 60 * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 10 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	return opts
}

// Router walks a mode's ordered backend chain until one candidate
// produces usable text.
type Router struct {
	backends map[string]Backend
	chains   map[Mode][]string
	tracker  *healthTracker
	opts     Options
	retryer  retry.Retryer
	logger   *zap.Logger
	metrics  *metrics.Collector

	probeCancel context.CancelFunc
}

// New builds a router over the registered backends. Every chain entry
// must name a registered backend; a dangling name is a configuration
// error surfaced at construction, not at call time.
func New(backends map[string]Backend, chains map[Mode][]string, opts Options) (*Router, error) {
	opts = normalizeOptions(opts)
	for mode, chain := range chains {
		if len(chain) == 0 {
			return nil, types.NewError(types.ErrCodeBackendConfig,
				fmt.Sprintf("mode %s has an empty backend chain", mode))
		}
		for _, name := range chain {
			if _, ok := backends[name]; !ok {
				return nil, types.NewError(types.ErrCodeBackendConfig,
					fmt.Sprintf("mode %s references unknown backend %s", mode, name))
			}
		}
	}
	r := &Router{
		backends: backends,
		chains:   chains,
		tracker:  newHealthTracker(),
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "model_router")),
		metrics:  opts.Metrics,
	}
	if opts.Retry != nil {
		if opts.Retry.Classify == nil {
			opts.Retry.Classify = types.IsRetryable
		}
		r.retryer = retry.New(opts.Retry, r.logger)
	}
	return r, nil
}

// Generate routes one request through the mode's candidate chain.
//
// Transient failures (timeout, connection error, upstream 5xx,
// malformed response) fall through to the next candidate; an empty but
// well-formed completion counts as a soft failure and also falls
// through. Configuration errors are fatal and surface immediately. An
// exhausted chain fails with ALL_BACKENDS_UNAVAILABLE carrying the
// last candidate error. With a Retry policy configured, an exhausted
// walk repeats after backoff while the failure stays retryable.
func (r *Router) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if r.retryer == nil {
		return r.generateOnce(ctx, req)
	}
	var resp *GenerateResponse
	err := r.retryer.Do(ctx, func() error {
		var gerr error
		resp, gerr = r.generateOnce(ctx, req)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// generateOnce performs one walk of the candidate chain.
func (r *Router) generateOnce(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	chain, ok := r.chains[req.Mode]
	if !ok {
		return nil, types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("no backend chain for mode %s", req.Mode))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	var lastErr error
	for i, name := range chain {
		backend := r.backends[name]

		if !r.tracker.Alive(name) && !r.probe(ctx, backend) {
			r.logger.Debug("skipping dead backend", zap.String("backend", name))
			r.metrics.GenerateFallback(name)
			if lastErr == nil {
				lastErr = types.NewError(types.ErrCodeBackendUnavailable,
					fmt.Sprintf("backend %s is unhealthy", name)).WithBackend(name).WithRetryable(true)
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := backend.Generate(callCtx, req)
		latency := time.Since(start)
		cancel()

		switch {
		case err == nil && strings.TrimSpace(resp.Text) == "":
			// Parsed but empty: soft failure, one more candidate may try.
			err = types.NewError(types.ErrCodeEmptyCompletion,
				fmt.Sprintf("backend %s returned an empty completion", name)).
				WithBackend(name).WithRetryable(true)
			fallthrough

		case err != nil:
			r.metrics.GenerateAttempt(name, "error", latency.Seconds())
			if types.HasErrorCode(err, types.ErrCodeBackendConfig) {
				// Fatal: never masked by fallback.
				return nil, err
			}
			r.tracker.MarkFailure(name, latency, err.Error())
			lastErr = err
			r.logger.Warn("backend call failed, falling back",
				zap.String("backend", name),
				zap.Int("position", i),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			r.metrics.GenerateFallback(name)
			continue

		default:
			r.tracker.MarkSuccess(name, latency)
			r.metrics.GenerateAttempt(name, "success", latency.Seconds())
			resp.Backend = name
			return resp, nil
		}
	}

	return nil, types.NewError(types.ErrCodeAllBackendsExhausted,
		fmt.Sprintf("all backends for mode %s failed", req.Mode)).
		WithCause(lastErr).WithRetryable(true)
}

// Health probes a single backend by name and reports liveness.
func (r *Router) Health(ctx context.Context, name string) bool {
	backend, ok := r.backends[name]
	if !ok {
		return false
	}
	return r.probe(ctx, backend)
}

// probe runs one bounded liveness check and feeds the tracker.
func (r *Router) probe(ctx context.Context, backend Backend) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	status, err := backend.HealthCheck(probeCtx)
	latency := time.Since(start)

	healthy := err == nil
	if status != nil {
		if status.Latency > 0 {
			latency = status.Latency
		}
		healthy = healthy && status.Healthy
	}

	if healthy {
		r.tracker.MarkSuccess(backend.Name(), latency)
	} else {
		msg := "probe reported unhealthy"
		if err != nil {
			msg = err.Error()
		}
		r.tracker.MarkFailure(backend.Name(), latency, msg)
	}
	return healthy
}

// Start launches the periodic probe loop. Stop cancels it.
func (r *Router) Start(ctx context.Context) {
	ctx, r.probeCancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, backend := range r.backends {
					r.probe(ctx, backend)
				}
			}
		}
	}()
}

// Stop terminates the probe loop started by Start.
func (r *Router) Stop() {
	if r.probeCancel != nil {
		r.probeCancel()
	}
}

// HealthSnapshot exposes tracked backend health for reporting.
func (r *Router) HealthSnapshot() map[string]BackendHealth {
	return r.tracker.Snapshot()
}
