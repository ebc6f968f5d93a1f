package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/planforge/planforge/failmem"
	"github.com/planforge/planforge/retry"
	"github.com/planforge/planforge/store"
	"github.com/planforge/planforge/types"
)

type eventKind int

const (
	evCompleted eventKind = iota
	evFailed
	evRequeued
	evDiscarded
)

// event is a worker or requeue-waiter outcome delivered to the loop.
type event struct {
	kind   eventKind
	nodeID string
	note   *failureNote
}

// failureNote carries the diagnosable part of a failed attempt from
// the worker to the retry policy.
type failureNote struct {
	fingerprint string
	known       bool
	fatal       bool
	diagnosis   string
}

// Run drives one job to a terminal status and blocks until it gets
// there, the job is cancelled, or the store becomes unusable. Safe to
// call for a freshly submitted job or one being resumed.
func (s *Scheduler) Run(ctx context.Context, jobID string) error {
	if err := s.store.UpdateJobStatus(ctx, jobID, types.JobStatusPending, types.JobStatusRunning, ""); err != nil {
		// Already running on resume; anything else is fatal for the job.
		if !types.HasErrorCode(err, types.ErrCodeInvalidTransition) {
			return err
		}
		job, lerr := s.store.LoadJob(ctx, jobID)
		if lerr != nil {
			return lerr
		}
		if job.Status != types.JobStatusRunning {
			return types.NewError(types.ErrCodeInvalidTransition,
				fmt.Sprintf("job %s is %s, not schedulable", jobID, job.Status))
		}
	}
	s.metrics.JobStarted()
	defer s.metrics.JobStopped()

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrency))
	events := make(chan event, s.cfg.MaxConcurrency+1)

	inFlight := 0
	// Failed nodes with a requeue waiter sleeping, and failed nodes
	// already decided terminal. Keyed by node_id.
	requeueing := make(map[string]bool)
	decided := make(map[string]bool)
	notes := make(map[string]*failureNote)

	drain := func() {
		for inFlight > 0 {
			<-events
			inFlight--
		}
	}

	for {
		job, err := s.store.LoadJob(ctx, jobID)
		if err != nil {
			drain()
			return err
		}
		if job.Status != types.JobStatusRunning {
			// Cancelled (or externally finalized) mid-flight. Late
			// worker transitions are rejected by the store CAS.
			drain()
			s.logger.Info("job left running state, loop exiting",
				zap.String("job_id", jobID),
				zap.String("status", string(job.Status)),
			)
			return nil
		}

		// Apply retry policy to failed nodes not yet being handled.
		// Covers both fresh failures and failures found at resume.
		for i := range job.Nodes {
			node := &job.Nodes[i]
			if node.Status != types.NodeStatusFailed || requeueing[node.NodeID] || decided[node.NodeID] {
				continue
			}
			if s.handleFailedNode(ctx, job, node, notes[node.NodeID], events) {
				requeueing[node.NodeID] = true
				inFlight++
			} else {
				decided[node.NodeID] = true
			}
		}

		ready := readyNodes(job)
		if len(ready) == 0 && inFlight == 0 {
			return s.finalizeJob(ctx, job)
		}

		for _, node := range ready {
			if err := sem.Acquire(ctx, 1); err != nil {
				drain()
				return err
			}
			if err := s.store.TransitionNode(ctx, jobID, node.NodeID,
				types.NodeStatusPending, types.NodeStatusRunning, store.Attempt{}); err != nil {
				sem.Release(1)
				if types.HasErrorCode(err, types.ErrCodeInvalidTransition) {
					continue
				}
				drain()
				return err
			}
			s.metrics.NodeTransition(string(types.NodeStatusRunning))
			inFlight++
			go func(n types.DAGNode) {
				ev := s.executeNode(ctx, job, n)
				// Release before the send so a loop blocked in Acquire
				// can never starve the event consumer.
				sem.Release(1)
				events <- ev
			}(node)
		}

		if inFlight > 0 {
			select {
			case ev := <-events:
				inFlight--
				switch ev.kind {
				case evFailed:
					notes[ev.nodeID] = ev.note
				case evRequeued:
					delete(requeueing, ev.nodeID)
					delete(notes, ev.nodeID)
				case evCompleted:
					delete(notes, ev.nodeID)
				}
			case <-ctx.Done():
				drain()
				return ctx.Err()
			}
		}
	}
}

// readyNodes returns pending nodes whose dependencies are all
// completed. Node order is the store's node_id order, which gives the
// deterministic lexicographic tie-break.
func readyNodes(job *types.Job) []types.DAGNode {
	statuses := make(map[string]types.NodeStatus, len(job.Nodes))
	for _, n := range job.Nodes {
		statuses[n.NodeID] = n.Status
	}

	var ready []types.DAGNode
	for _, n := range job.Nodes {
		if n.Status != types.NodeStatusPending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if statuses[dep] != types.NodeStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// executeNode runs one attempt and persists its outcome. The status
// transition and any artifacts or checkpoints commit atomically, so a
// crash between them cannot happen.
func (s *Scheduler) executeNode(ctx context.Context, job *types.Job, node types.DAGNode) event {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultNodeTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := s.action.Execute(attemptCtx, &node, s.jobContext(job))
	elapsed := time.Since(start)
	s.metrics.NodeAttempt(node.Task, elapsed.Seconds())

	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		err = types.NewError(types.ErrCodeNodeTimeout,
			fmt.Sprintf("node %s exceeded %s attempt timeout", node.NodeID, timeout)).WithRetryable(true)
	}

	if err == nil && (result == nil || result.Failure == nil) {
		attempt := store.Attempt{}
		if result != nil {
			attempt.Artifacts = result.Artifacts
			attempt.Checkpoints = result.Checkpoints
		}
		terr := s.store.TransitionNode(ctx, job.ID, node.NodeID,
			types.NodeStatusRunning, types.NodeStatusCompleted, attempt)
		if terr != nil {
			return s.discard(job.ID, node.NodeID, terr)
		}
		s.metrics.NodeTransition(string(types.NodeStatusCompleted))
		s.logger.Info("node completed",
			zap.String("job_id", job.ID),
			zap.String("node_id", node.NodeID),
			zap.Duration("elapsed", elapsed),
		)
		return event{kind: evCompleted, nodeID: node.NodeID}
	}

	note := s.noteFailure(ctx, err, result)
	terr := s.store.TransitionNode(ctx, job.ID, node.NodeID,
		types.NodeStatusRunning, types.NodeStatusFailed,
		store.Attempt{Error: note.diagnosis, Fatal: note.fatal})
	if terr != nil {
		return s.discard(job.ID, node.NodeID, terr)
	}
	s.metrics.NodeTransition(string(types.NodeStatusFailed))
	s.logger.Warn("node attempt failed",
		zap.String("job_id", job.ID),
		zap.String("node_id", node.NodeID),
		zap.Int("retries", node.Retries),
		zap.String("error", note.diagnosis),
	)
	return event{kind: evFailed, nodeID: node.NodeID, note: note}
}

// noteFailure derives the failure note for one failed attempt and
// feeds the failure memory. The memory is advisory: lookup or append
// errors degrade to a miss and never block scheduling.
func (s *Scheduler) noteFailure(ctx context.Context, err error, result *StepResult) *failureNote {
	note := &failureNote{}
	var failure *FailureInfo
	if result != nil {
		failure = result.Failure
	}

	switch {
	case failure != nil:
		note.diagnosis = failure.Message
	case err != nil:
		note.diagnosis = err.Error()
	default:
		note.diagnosis = "step action reported failure without detail"
	}

	// Configuration and other explicitly non-retryable errors are
	// fatal for the node: surfaced immediately, never retried.
	var typed *types.Error
	if errors.As(err, &typed) && !typed.Retryable {
		note.fatal = true
	}

	if failure == nil || s.memory == nil {
		return note
	}

	note.fingerprint = failmem.Fingerprint(failure.File, failure.Line, failure.Message)
	note.known = s.memory.Exists(ctx, note.fingerprint)
	if note.known {
		s.metrics.MemoryHit()
		if prior, ok := s.memory.Lookup(note.fingerprint); ok {
			note.diagnosis = prior.Message
		}
		return note
	}

	s.metrics.MemoryMiss()
	if _, rerr := s.memory.Record(ctx, failure.File, failure.TestName, failure.Message, failure.Line); rerr != nil {
		s.logger.Warn("failure memory append failed", zap.Error(rerr))
	}
	return note
}

// handleFailedNode applies the retry policy to one failed node.
// Returns true when a requeue waiter was started; false when the node
// was decided terminal and its dependents skipped.
func (s *Scheduler) handleFailedNode(ctx context.Context, job *types.Job, node *types.DAGNode, note *failureNote, events chan<- event) bool {
	// node.Fatal is the persisted marker: it also covers a failed node
	// observed in a snapshot before its worker event was consumed, and
	// one found at resume, where no in-memory note exists.
	if node.Fatal || (note != nil && note.fatal) {
		diagnosis := node.Error
		if note != nil {
			diagnosis = note.diagnosis
		}
		s.logger.Warn("fatal node error, not retrying",
			zap.String("job_id", job.ID),
			zap.String("node_id", node.NodeID),
			zap.String("error", diagnosis),
		)
		s.cascadeSkip(ctx, job, node.NodeID)
		return false
	}

	if note != nil && note.known && !s.cfg.ForceRediagnosis {
		// The failure is already diagnosed; re-running the step would
		// reproduce it. Terminal, with the remembered diagnosis.
		s.logger.Info("failure already known, skipping re-diagnosis",
			zap.String("job_id", job.ID),
			zap.String("node_id", node.NodeID),
			zap.String("fingerprint", note.fingerprint),
		)
		s.cascadeSkip(ctx, job, node.NodeID)
		return false
	}

	if node.Retries >= node.MaxRetries {
		s.logger.Warn("retry budget exhausted",
			zap.String("job_id", job.ID),
			zap.String("node_id", node.NodeID),
			zap.Int("retries", node.Retries),
			zap.Int("max_retries", node.MaxRetries),
		)
		s.cascadeSkip(ctx, job, node.NodeID)
		return false
	}

	delay := retry.Delay(s.cfg.Backoff, node.Retries+1)
	s.logger.Info("requeueing failed node",
		zap.String("job_id", job.ID),
		zap.String("node_id", node.NodeID),
		zap.Int("attempt", node.Retries+1),
		zap.Duration("delay", delay),
	)

	nodeID := node.NodeID
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			events <- event{kind: evRequeued, nodeID: nodeID}
			return
		}
		err := s.store.TransitionNode(ctx, job.ID, nodeID,
			types.NodeStatusFailed, types.NodeStatusPending, store.Attempt{IncrementRetries: true})
		if err != nil {
			// Cancelled meanwhile: the node is skipped and stays so.
			s.logger.Debug("requeue rejected",
				zap.String("job_id", job.ID),
				zap.String("node_id", nodeID),
				zap.Error(err),
			)
		} else {
			s.metrics.NodeRetried()
		}
		events <- event{kind: evRequeued, nodeID: nodeID}
	}()
	return true
}

// cascadeSkip marks every transitive dependent of a terminally failed
// node skipped. Each skip is applied at most once; nodes already
// skipped through another ancestor are left untouched.
func (s *Scheduler) cascadeSkip(ctx context.Context, job *types.Job, failedID string) {
	dependents := make(map[string][]string, len(job.Nodes))
	for _, n := range job.Nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.NodeID)
		}
	}

	visited := map[string]bool{failedID: true}
	queue := []string{failedID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range dependents[current] {
			if visited[child] {
				continue
			}
			visited[child] = true
			queue = append(queue, child)

			err := s.store.TransitionNode(ctx, job.ID, child,
				types.NodeStatusPending, types.NodeStatusSkipped,
				store.Attempt{Error: fmt.Sprintf("dependency %s failed", failedID)})
			if err != nil {
				if !types.HasErrorCode(err, types.ErrCodeInvalidTransition) {
					s.logger.Error("skip cascade write failed",
						zap.String("job_id", job.ID),
						zap.String("node_id", child),
						zap.Error(err),
					)
				}
				continue
			}
			s.metrics.NodeTransition(string(types.NodeStatusSkipped))
		}
	}
}

// finalizeJob derives the terminal job status from its node statuses:
// completed iff every node completed, failed otherwise, with the first
// failing node's error attached.
func (s *Scheduler) finalizeJob(ctx context.Context, job *types.Job) error {
	status := types.JobStatusCompleted
	errMsg := ""
	for _, n := range job.Nodes {
		if n.Status == types.NodeStatusFailed && errMsg == "" {
			errMsg = fmt.Sprintf("node %s failed: %s", n.NodeID, n.Error)
		}
		if n.Status != types.NodeStatusCompleted {
			status = types.JobStatusFailed
		}
	}
	if status == types.JobStatusFailed && errMsg == "" {
		errMsg = "one or more nodes did not complete"
	}

	err := s.store.UpdateJobStatus(ctx, job.ID, types.JobStatusRunning, status, errMsg)
	if err != nil {
		// Lost to a concurrent cancel; the cancel outcome stands.
		if types.HasErrorCode(err, types.ErrCodeInvalidTransition) {
			return nil
		}
		return err
	}

	s.metrics.JobFinished(string(status))
	s.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("error", errMsg),
	)
	return nil
}

func (s *Scheduler) discard(jobID, nodeID string, terr error) event {
	s.logger.Debug("attempt result discarded",
		zap.String("job_id", jobID),
		zap.String("node_id", nodeID),
		zap.Error(terr),
	)
	return event{kind: evDiscarded, nodeID: nodeID}
}
