package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/planforge/failmem"
	"github.com/planforge/planforge/internal/metrics"
	"github.com/planforge/planforge/registry"
	"github.com/planforge/planforge/retry"
	"github.com/planforge/planforge/router"
	"github.com/planforge/planforge/store"
	"github.com/planforge/planforge/types"
)

// Config bounds the scheduling loop. Retry and backoff constants are
// deliberately configuration, not code.
type Config struct {
	// MaxConcurrency caps simultaneously running nodes per job.
	// Defaults to 4.
	MaxConcurrency int

	// DefaultNodeTimeout bounds a single attempt when the node carries
	// no timeout of its own. Defaults to 10m.
	DefaultNodeTimeout time.Duration

	// DefaultMaxRetries applies to plan steps that do not set one.
	// Defaults to 2.
	DefaultMaxRetries int

	// Backoff shapes the delay before a failed node is requeued.
	Backoff *retry.Policy

	// ForceRediagnosis re-runs step actions even when the failure
	// memory already holds the failure's fingerprint.
	ForceRediagnosis bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = 10 * time.Minute
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 2
	}
	if c.Backoff == nil {
		c.Backoff = retry.DefaultPolicy()
	}
	return c
}

// Options wires a Scheduler's dependencies. Store and Action are
// required; failure memory, router, and metrics are optional
// capabilities looked up from the registry.
type Options struct {
	Store    *store.Store
	Action   StepAction
	Registry *registry.Registry
	Config   Config
	Logger   *zap.Logger
}

// Scheduler drives jobs from pending to a terminal status by executing
// ready nodes with bounded concurrency. All persisted state flows
// through the store; the scheduler holds only transient working copies
// while a node is in flight.
type Scheduler struct {
	store   *store.Store
	action  StepAction
	memory  *failmem.Memory
	router  *router.Router
	metrics *metrics.Collector
	cfg     Config
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New builds a Scheduler. Missing optional capabilities leave the
// corresponding behavior disabled rather than failing construction.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Action == nil {
		return nil, fmt.Errorf("scheduler: step action is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Scheduler{
		store:  opts.Store,
		action: opts.Action,
		cfg:    opts.Config.withDefaults(),
		logger: opts.Logger.With(zap.String("component", "scheduler")),
	}
	if mem, ok := registry.Lookup[*failmem.Memory](opts.Registry, registry.CapFailureMemory); ok {
		s.memory = mem
	}
	if rt, ok := registry.Lookup[*router.Router](opts.Registry, registry.CapModelRouter); ok {
		s.router = rt
	}
	if col, ok := registry.Lookup[*metrics.Collector](opts.Registry, registry.CapMetrics); ok {
		s.metrics = col
	}
	return s, nil
}

// SubmitPlan materializes an execution plan into a persisted Job with
// its node set. The plan itself is consumed read-only and never
// mutated. Node validation failures mark the job failed with the
// validation error attached so no dangling empty job is left behind.
func (s *Scheduler) SubmitPlan(ctx context.Context, plan *types.ExecutionPlan) (*types.Job, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("scheduler: plan carries no steps")
	}

	jobType := plan.JobType
	if jobType == "" {
		jobType = "plan"
	}
	job, err := s.store.CreateJob(ctx, plan.PlanID, jobType, plan.Config, plan.Variables, plan.CreatedBy)
	if err != nil {
		return nil, err
	}

	nodes := make([]types.DAGNode, len(plan.Steps))
	for i, step := range plan.Steps {
		maxRetries := step.MaxRetries
		if maxRetries == 0 {
			maxRetries = s.cfg.DefaultMaxRetries
		}
		nodes[i] = types.DAGNode{
			JobID:      job.ID,
			NodeID:     step.NodeID,
			Task:       step.Task,
			DependsOn:  types.StringList(step.DependsOn),
			Status:     types.NodeStatusPending,
			MaxRetries: maxRetries,
			Timeout:    step.Timeout,
		}
	}
	if err := s.store.CreateNodes(ctx, job.ID, nodes); err != nil {
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, types.JobStatusPending, types.JobStatusFailed, err.Error()); uerr != nil {
			s.logger.Warn("could not mark invalid job failed",
				zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return nil, err
	}

	s.logger.Info("plan submitted",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.Int("nodes", len(nodes)),
	)
	return s.store.LoadJob(ctx, job.ID)
}

// Start runs a job's scheduling loop in the background. Wait blocks
// until every started loop returns.
func (s *Scheduler) Start(ctx context.Context, jobID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx, jobID); err != nil {
			s.logger.Error("job run aborted", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
}

// Wait blocks until all background job loops have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Cancel marks a job cancelled and its non-terminal nodes skipped. A
// worker still executing a cancelled node finishes its attempt but the
// result is discarded by the store's compare-and-swap.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// ResumeAllPending loads every non-terminal job, returns orphaned
// running nodes to pending, and re-enters the scheduling loop for each.
// Called once at process start.
func (s *Scheduler) ResumeAllPending(ctx context.Context) ([]string, error) {
	jobs, err := s.store.ListResumableJobs(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if _, err := s.store.ResetOrphanedNodes(ctx, job.ID); err != nil {
			s.logger.Error("orphan reset failed, job not resumed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		s.Start(ctx, job.ID)
		ids = append(ids, job.ID)
	}

	if len(ids) > 0 {
		s.logger.Info("resumed pending jobs", zap.Int("count", len(ids)))
	}
	return ids, nil
}

func (s *Scheduler) jobContext(job *types.Job) *JobContext {
	return &JobContext{
		JobID:     job.ID,
		JobType:   job.Type,
		Config:    job.Config,
		Variables: job.Variables,
		Router:    s.router,
		Memory:    s.memory,
	}
}
