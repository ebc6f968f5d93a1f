package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/planforge/planforge/types"
)

// legalEdges is the node state machine. failed -> pending is the retry
// requeue; every non-terminal status may move to skipped (cancellation
// and failure cascade).
var legalEdges = map[types.NodeStatus][]types.NodeStatus{
	types.NodeStatusPending: {types.NodeStatusRunning, types.NodeStatusSkipped},
	types.NodeStatusRunning: {types.NodeStatusCompleted, types.NodeStatusFailed, types.NodeStatusSkipped},
	types.NodeStatusFailed:  {types.NodeStatusPending, types.NodeStatusSkipped},
}

func edgeAllowed(from, to types.NodeStatus) bool {
	for _, t := range legalEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Attempt carries the metadata of a single node attempt. Artifacts and
// checkpoints commit in the same transaction as the status change.
type Attempt struct {
	Error            string
	IncrementRetries bool
	// Fatal marks a failed transition as non-retryable.
	Fatal       bool
	Artifacts   []types.Artifact
	Checkpoints []types.Checkpoint
}

// TransitionNode applies one node state-machine edge with
// compare-and-swap semantics: the update only lands if the node is
// still in the expected prior status. A lost race or an illegal edge
// fails with INVALID_TRANSITION and nothing is applied.
func (s *Store) TransitionNode(ctx context.Context, jobID, nodeID string, from, to types.NodeStatus, attempt Attempt) error {
	if !edgeAllowed(from, to) {
		return types.NewError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("illegal node transition %s -> %s", from, to))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": now,
		}
		if attempt.Error != "" {
			updates["error"] = attempt.Error
		}
		switch to {
		case types.NodeStatusRunning:
			updates["started_at"] = now
		case types.NodeStatusCompleted, types.NodeStatusFailed, types.NodeStatusSkipped:
			updates["finished_at"] = now
		}
		if attempt.IncrementRetries {
			updates["retries"] = gorm.Expr("retries + 1")
		}
		if attempt.Fatal && to == types.NodeStatusFailed {
			updates["fatal"] = true
		}

		res := tx.Model(&types.DAGNode{}).
			Where("job_id = ? AND node_id = ? AND status = ?", jobID, nodeID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current types.DAGNode
			if err := tx.Where("job_id = ? AND node_id = ?", jobID, nodeID).First(&current).Error; err != nil {
				return types.NewError(types.ErrCodeNotFound,
					fmt.Sprintf("node %s/%s not found", jobID, nodeID))
			}
			return types.NewError(types.ErrCodeInvalidTransition,
				fmt.Sprintf("node %s/%s is %s, expected %s", jobID, nodeID, current.Status, from))
		}

		for i := range attempt.Artifacts {
			attempt.Artifacts[i].JobID = jobID
			attempt.Artifacts[i].StepID = nodeID
			if attempt.Artifacts[i].CreatedAt.IsZero() {
				attempt.Artifacts[i].CreatedAt = now
			}
		}
		if len(attempt.Artifacts) > 0 {
			if err := tx.Create(&attempt.Artifacts).Error; err != nil {
				return err
			}
		}

		for i := range attempt.Checkpoints {
			attempt.Checkpoints[i].JobID = jobID
			if attempt.Checkpoints[i].StepID == "" {
				attempt.Checkpoints[i].StepID = nodeID
			}
			if attempt.Checkpoints[i].CreatedAt.IsZero() {
				attempt.Checkpoints[i].CreatedAt = now
			}
		}
		if len(attempt.Checkpoints) > 0 {
			if err := tx.Create(&attempt.Checkpoints).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("node transitioned",
		zap.String("job_id", jobID),
		zap.String("node_id", nodeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// ResetOrphanedNodes returns nodes stranded in running status (a crash
// mid-attempt) to pending so recovery can re-attempt them. Reports how
// many were reset.
func (s *Store) ResetOrphanedNodes(ctx context.Context, jobID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.DAGNode{}).
		Where("job_id = ? AND status = ?", jobID, types.NodeStatusRunning).
		Updates(map[string]interface{}{
			"status":     types.NodeStatusPending,
			"started_at": nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("orphaned running nodes reset",
			zap.String("job_id", jobID),
			zap.Int64("count", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

// AppendCheckpoint records a named progress snapshot. Checkpoints are
// insert-only; a later checkpoint with the same name supersedes by
// position in the log, never by overwrite.
func (s *Store) AppendCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&cp).Error
}

// AppendArtifact records a write-once step output.
func (s *Store) AppendArtifact(ctx context.Context, art types.Artifact) error {
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&art).Error
}

// Checkpoints returns the full checkpoint history for a job in append
// order, optionally filtered by name.
func (s *Store) Checkpoints(ctx context.Context, jobID, name string) ([]types.Checkpoint, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq")
	if name != "" {
		q = q.Where("name = ?", name)
	}
	var cps []types.Checkpoint
	if err := q.Find(&cps).Error; err != nil {
		return nil, err
	}
	return cps, nil
}

// LatestCheckpoint returns the most recent checkpoint with the given
// name, used to resume without repeating finished sub-work.
func (s *Store) LatestCheckpoint(ctx context.Context, jobID, name string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND name = ?", jobID, name).
		Order("seq DESC").
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrCodeNotFound,
				fmt.Sprintf("no checkpoint %s for job %s", name, jobID))
		}
		return nil, err
	}
	return &cp, nil
}

// Artifacts returns every artifact recorded for a job in append order.
func (s *Store) Artifacts(ctx context.Context, jobID string) ([]types.Artifact, error) {
	var arts []types.Artifact
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq").Find(&arts).Error; err != nil {
		return nil, err
	}
	return arts, nil
}
