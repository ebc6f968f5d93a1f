package router

import (
	"context"
	"time"
)

// Mode names an ordered candidate chain. The conventional chains put a
// fast local backend first and a safer remote backend behind it.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeSafe Mode = "safe"
)

// GenerateRequest carries one generation call through the router.
type GenerateRequest struct {
	Prompt       string        `json:"prompt"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Mode         Mode          `json:"mode"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Temperature  float32       `json:"temperature,omitempty"`
	TopP         float32       `json:"top_p,omitempty"`
	Stop         []string      `json:"stop,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// GenerateResponse is a backend's completed generation.
type GenerateResponse struct {
	Text    string `json:"text"`
	Backend string `json:"backend,omitempty"`
	Model   string `json:"model,omitempty"`
}

// HealthStatus is the result of a backend liveness probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Backend is the uniform adapter every generation provider implements.
// Implementations must return a types.Error distinguishing (i) missing
// configuration, (ii) network/timeout, and (iii) malformed upstream
// responses.
type Backend interface {
	// Generate performs a synchronous generation call.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the backend's unique identifier.
	Name() string
}
