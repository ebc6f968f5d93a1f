// Package openaicompat implements a router.Backend over the
// OpenAI-style chat completions protocol. Any hosted service speaking
// that protocol (OpenAI, DeepSeek, vLLM, llama.cpp server) can sit
// behind it; only the base URL, key, and model differ.
package openaicompat

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
	"golang.org/x/time/rate"

	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/types"
)

// Config holds the connection settings for one chat-completions host.
type Config struct {
	// Name is the unique backend identifier (e.g. "openai", "deepseek").
	Name string

	// APIKey authenticates every request via a Bearer header.
	APIKey string

	// BaseURL is the host root (e.g. "https://api.deepseek.com").
	BaseURL string

	// Model is sent with every request.
	Model string

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is probed for health checks. Defaults to "/v1/models".
	ModelsEndpoint string

	// RequestsPerMinute applies a client-side rate limit when positive.
	RequestsPerMinute int
}

// Backend is a chat-completions client implementing router.Backend.
type Backend struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a backend from cfg. The base URL, model, and key are
// validated lazily at call time so a misconfigured backend surfaces a
// typed configuration error instead of failing construction.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Backend{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "backend"), zap.String("backend", cfg.Name)),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) validate() error {
	if strings.TrimSpace(b.cfg.BaseURL) == "" {
		return types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("backend %s has no base URL", b.cfg.Name)).WithBackend(b.cfg.Name)
	}
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("backend %s has no API key", b.cfg.Name)).WithBackend(b.cfg.Name)
	}
	if strings.TrimSpace(b.cfg.Model) == "" {
		return types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("backend %s has no model configured", b.cfg.Name)).WithBackend(b.cfg.Name)
	}
	return nil
}

func (b *Backend) endpoint(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + path
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate performs one non-streaming chat completion.
func (b *Backend) Generate(ctx context.Context, req *router.GenerateRequest) (*router.GenerateResponse, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrCodeBackendTimeout,
				fmt.Sprintf("backend %s: rate limit wait aborted: %v", b.cfg.Name, err)).
				WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
		}
	}

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(b.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, b.statusError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewError(types.ErrCodeMalformedResponse,
			fmt.Sprintf("backend %s: decode response: %v", b.cfg.Name, err)).
			WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
	}
	if parsed.Error != nil {
		return nil, types.NewError(types.ErrCodeMalformedResponse,
			fmt.Sprintf("backend %s: upstream error: %s", b.cfg.Name, parsed.Error.Message)).
			WithBackend(b.cfg.Name).WithRetryable(true)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.NewError(types.ErrCodeMalformedResponse,
			fmt.Sprintf("backend %s: response carried no choices", b.cfg.Name)).
			WithBackend(b.cfg.Name).WithRetryable(true)
	}

	model := parsed.Model
	if model == "" {
		model = b.cfg.Model
	}
	return &router.GenerateResponse{
		Text:  parsed.Choices[0].Message.Content,
		Model: model,
	}, nil
}

// HealthCheck probes the models endpoint.
func (b *Backend) HealthCheck(ctx context.Context) (*router.HealthStatus, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(b.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &router.HealthStatus{Healthy: false, Latency: latency}, b.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &router.HealthStatus{Healthy: false, Latency: latency}, b.statusError(resp)
	}
	return &router.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (b *Backend) transportError(ctx context.Context, err error) error {
	code := types.ErrCodeBackendUnavailable
	if ctx.Err() == context.DeadlineExceeded {
		code = types.ErrCodeBackendTimeout
	}
	return types.NewError(code,
		fmt.Sprintf("backend %s: %v", b.cfg.Name, err)).
		WithBackend(b.cfg.Name).WithRetryable(true).WithCause(err)
}

func (b *Backend) statusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.ErrCodeBackendConfig,
			fmt.Sprintf("backend %s: authentication rejected (status %d): %s", b.cfg.Name, resp.StatusCode, msg)).
			WithBackend(b.cfg.Name)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.NewError(types.ErrCodeBackendUnavailable,
			fmt.Sprintf("backend %s: upstream status %d: %s", b.cfg.Name, resp.StatusCode, msg)).
			WithBackend(b.cfg.Name).WithRetryable(true)
	default:
		return types.NewError(types.ErrCodeMalformedResponse,
			fmt.Sprintf("backend %s: unexpected status %d: %s", b.cfg.Name, resp.StatusCode, msg)).
			WithBackend(b.cfg.Name)
	}
}

// readErrorMessage extracts a human-readable message from an error
// body, falling back to the raw (truncated) payload.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
