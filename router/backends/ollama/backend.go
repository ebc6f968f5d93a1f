// Package ollama implements a router.Backend against a local Ollama
// daemon's /api/generate endpoint. It carries no credentials and is
// the usual first candidate of the fast chain.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/types"
)

// Config holds the connection settings for one Ollama daemon.
type Config struct {
	// Name is the unique backend identifier. Defaults to "ollama".
	Name string

	// BaseURL is the daemon root. Defaults to "http://localhost:11434".
	BaseURL string

	// Model is sent with every request.
	Model string

	// Timeout is the HTTP client timeout. Defaults to 120s, local
	// models are slow on first load.
	Timeout time.Duration
}

// Backend is an Ollama client implementing router.Backend.
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a backend from cfg.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "backend"), zap.String("backend", cfg.Name)),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) endpoint(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + path
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate performs one non-streaming completion.
func (b *Backend) Generate(ctx context.Context, req *router.GenerateRequest) (*router.GenerateResponse, error) {
	if strings.TrimSpace(b.cfg.Model) == "" {
		return nil, types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("backend %s has no model configured", b.cfg.Name)).WithBackend(b.cfg.Name)
	}

	payload, err := json.Marshal(generateRequest{
		Model:  b.cfg.Model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: false,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("/api/generate"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		code := types.ErrCodeBackendUnavailable
		if ctx.Err() == context.DeadlineExceeded {
			code = types.ErrCodeBackendTimeout
		}
		return nil, types.NewError(code,
			fmt.Sprintf("backend %s: %v", b.cfg.Name, err)).
			WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewError(types.ErrCodeBackendUnavailable,
			fmt.Sprintf("backend %s: status %d: %s", b.cfg.Name, resp.StatusCode, strings.TrimSpace(string(raw)))).
			WithBackend(b.cfg.Name).WithRetryable(true)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewError(types.ErrCodeMalformedResponse,
			fmt.Sprintf("backend %s: decode response: %v", b.cfg.Name, err)).
			WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
	}

	model := parsed.Model
	if model == "" {
		model = b.cfg.Model
	}
	return &router.GenerateResponse{Text: parsed.Response, Model: model}, nil
}

// HealthCheck probes the daemon root, which answers any GET when up.
func (b *Backend) HealthCheck(ctx context.Context) (*router.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint("/"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := b.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &router.HealthStatus{Healthy: false, Latency: latency},
			types.NewError(types.ErrCodeBackendUnavailable,
				fmt.Sprintf("backend %s: %v", b.cfg.Name, err)).
				WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &router.HealthStatus{Healthy: false, Latency: latency},
			types.NewError(types.ErrCodeBackendUnavailable,
				fmt.Sprintf("backend %s: status %d", b.cfg.Name, resp.StatusCode)).
				WithBackend(b.cfg.Name).WithRetryable(true)
	}
	return &router.HealthStatus{Healthy: true, Latency: latency}, nil
}
