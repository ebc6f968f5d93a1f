package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/planforge/retry"
	"github.com/planforge/planforge/types"
)

// fakeBackend implements Backend for router testing.
type fakeBackend struct {
	name      string
	text      string
	err       error
	failFirst int32 // when > 0, err applies only to the first N calls
	healthErr error
	calls     atomic.Int32
	probes    atomic.Int32
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	n := f.calls.Add(1)
	if f.err != nil && (f.failFirst == 0 || n <= f.failFirst) {
		return nil, f.err
	}
	return &GenerateResponse{Text: f.text, Model: "fake"}, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	f.probes.Add(1)
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

func newTestRouter(t *testing.T, backends ...*fakeBackend) *Router {
	t.Helper()
	m := make(map[string]Backend, len(backends))
	chain := make([]string, 0, len(backends))
	for _, b := range backends {
		m[b.name] = b
		chain = append(chain, b.name)
	}
	r, err := New(m, map[Mode][]string{ModeFast: chain}, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	return r
}

func TestNew_RejectsDanglingChainEntry(t *testing.T) {
	t.Parallel()
	_, err := New(map[string]Backend{}, map[Mode][]string{ModeFast: {"ghost"}}, Options{})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeBackendConfig))
}

func TestGenerate_FirstCandidateWins(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", text: "from a"}
	b := &fakeBackend{name: "b", text: "from b"}
	r := newTestRouter(t, a, b)

	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Text)
	assert.Equal(t, "a", resp.Backend)
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestGenerate_FallsBackOnTransientError(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", err: types.NewError(types.ErrCodeBackendTimeout, "timeout").WithRetryable(true)}
	b := &fakeBackend{name: "b", text: "from b"}
	r := newTestRouter(t, a, b)

	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestGenerate_ConfigErrorIsFatal(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", err: types.NewError(types.ErrCodeBackendConfig, "missing api key")}
	b := &fakeBackend{name: "b", text: "never reached"}
	r := newTestRouter(t, a, b)

	_, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeBackendConfig))
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestGenerate_EmptyCompletionFallsThrough(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", text: "   \n"}
	b := &fakeBackend{name: "b", text: "real text"}
	r := newTestRouter(t, a, b)

	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "real text", resp.Text)
}

func TestGenerate_ExhaustedChain(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", err: types.NewError(types.ErrCodeBackendUnavailable, "503").WithRetryable(true)}
	b := &fakeBackend{name: "b", err: types.NewError(types.ErrCodeBackendTimeout, "deadline").WithRetryable(true)}
	r := newTestRouter(t, a, b)

	_, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeAllBackendsExhausted))
	assert.True(t, types.IsRetryable(err))
}

func TestGenerate_UnknownModeIsConfigError(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &fakeBackend{name: "a", text: "x"})
	_, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: Mode("nope")})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeBackendConfig))
}

func TestGenerate_DeadBackendProbedBeforeSkip(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", text: "from a", healthErr: context.DeadlineExceeded}
	b := &fakeBackend{name: "b", text: "from b"}
	r := newTestRouter(t, a, b)

	// Teach the tracker that a is dead.
	r.tracker.MarkFailure("a", time.Millisecond, "connection refused")

	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
	// a was probed, found dead, and never called for the full request.
	assert.EqualValues(t, 1, a.probes.Load())
	assert.EqualValues(t, 0, a.calls.Load())
}

func TestGenerate_RecoveredBackendRejoinsChain(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", text: "from a"}
	r := newTestRouter(t, a)

	r.tracker.MarkFailure("a", time.Millisecond, "blip")

	// The pre-call probe succeeds, so the full call goes through.
	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Text)
	assert.EqualValues(t, 1, a.probes.Load())
}

func retryRouter(t *testing.T, maxRetries int, backends ...*fakeBackend) *Router {
	t.Helper()
	m := make(map[string]Backend, len(backends))
	chain := make([]string, 0, len(backends))
	for _, b := range backends {
		m[b.name] = b
		chain = append(chain, b.name)
	}
	r, err := New(m, map[Mode][]string{ModeFast: chain}, Options{
		Logger: zap.NewNop(),
		Retry: &retry.Policy{
			MaxRetries:   maxRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	})
	require.NoError(t, err)
	return r
}

func TestGenerate_RetryRewalksExhaustedChain(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{
		name:      "a",
		text:      "recovered",
		err:       types.NewError(types.ErrCodeBackendUnavailable, "503").WithRetryable(true),
		failFirst: 1,
	}
	r := retryRouter(t, 2, a)

	resp, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	// First walk exhausted the chain, the second one succeeded.
	assert.EqualValues(t, 2, a.calls.Load())
}

func TestGenerate_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", err: types.NewError(types.ErrCodeBackendUnavailable, "503").WithRetryable(true)}
	r := retryRouter(t, 1, a)

	_, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeAllBackendsExhausted))
	assert.EqualValues(t, 2, a.calls.Load())
}

func TestGenerate_RetryDoesNotMaskConfigError(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", err: types.NewError(types.ErrCodeBackendConfig, "missing api key")}
	r := retryRouter(t, 3, a)

	_, err := r.Generate(context.Background(), &GenerateRequest{Prompt: "p", Mode: ModeFast})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeBackendConfig))
	// Fatal on the first walk, never re-walked.
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestHealth_ProbesNamedBackend(t *testing.T) {
	t.Parallel()
	a := &fakeBackend{name: "a", text: "x"}
	r := newTestRouter(t, a)

	assert.True(t, r.Health(context.Background(), "a"))
	assert.False(t, r.Health(context.Background(), "missing"))

	snap := r.HealthSnapshot()
	require.Contains(t, snap, "a")
	assert.True(t, snap["a"].Healthy)
}
