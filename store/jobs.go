package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/planforge/planforge/types"
)

// CreateJob inserts a new Job in pending status and persists it durably
// before returning. An existing job_id is rejected with DUPLICATE_JOB;
// the caller decides whether that is an error or an idempotent resubmit.
func (s *Store) CreateJob(ctx context.Context, jobID, jobType string, config, variables types.KVMap, createdBy string) (*types.Job, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:        jobID,
		Type:      jobType,
		Config:    config,
		Variables: variables,
		Status:    types.JobStatusPending,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.Job{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return types.NewError(types.ErrCodeDuplicateJob,
				fmt.Sprintf("job %s already exists", jobID))
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("type", jobType),
		zap.String("created_by", createdBy),
	)
	return job, nil
}

// CreateNodes inserts the node batch for a job after validating that
// every dependency resolves within the batch or the already-persisted
// node set, and that the combined graph is acyclic.
func (s *Store) CreateNodes(ctx context.Context, jobID string, nodes []types.DAGNode) error {
	if len(nodes) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		if err := tx.Where("job_id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("job %s not found", jobID))
			}
			return err
		}

		var existing []types.DAGNode
		if err := tx.Where("job_id = ?", jobID).Find(&existing).Error; err != nil {
			return err
		}

		deps := make(map[string][]string, len(existing)+len(nodes))
		for _, n := range existing {
			deps[n.NodeID] = n.DependsOn
		}
		for _, n := range nodes {
			if _, ok := deps[n.NodeID]; ok {
				return types.NewError(types.ErrCodeDuplicateNode,
					fmt.Sprintf("node %s already exists in job %s", n.NodeID, jobID))
			}
			deps[n.NodeID] = n.DependsOn
		}
		if err := validateGraph(deps); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range nodes {
			nodes[i].JobID = jobID
			if nodes[i].Status == "" {
				nodes[i].Status = types.NodeStatusPending
			}
			nodes[i].UpdatedAt = now
		}
		return tx.Create(&nodes).Error
	})
}

// LoadJob returns the job with its nodes ordered by node_id.
func (s *Store) LoadJob(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("node_id") }).
		Where("job_id = ?", jobID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("job %s not found", jobID))
		}
		return nil, err
	}
	return &job, nil
}

// ListResumableJobs returns every job still in a non-terminal status,
// oldest first. Called once at process start to re-enter scheduling.
func (s *Store) ListResumableJobs(ctx context.Context) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("node_id") }).
		Where("status IN ?", []types.JobStatus{types.JobStatusPending, types.JobStatusRunning}).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJobStatus moves a job between statuses, guarded by the expected
// prior status so concurrent schedulers cannot double-apply terminal
// transitions.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, from, to types.JobStatus, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&types.Job{}).
		Where("job_id = ? AND status = ?", jobID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("job %s is not in status %s", jobID, from))
	}

	s.logger.Info("job status updated",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// CancelJob marks every non-terminal node skipped and the job
// cancelled in a single transaction. Workers still executing a
// cancelled node have their late transitions rejected by the
// compare-and-swap in TransitionNode.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&types.Job{}).
			Where("job_id = ? AND status IN ?", jobID,
				[]types.JobStatus{types.JobStatusPending, types.JobStatusRunning}).
			Updates(map[string]interface{}{
				"status":     types.JobStatusCancelled,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrCodeInvalidTransition,
				fmt.Sprintf("job %s is not cancellable", jobID))
		}

		return tx.Model(&types.DAGNode{}).
			Where("job_id = ? AND status IN ?", jobID,
				[]types.NodeStatus{types.NodeStatusPending, types.NodeStatusRunning, types.NodeStatusFailed}).
			Updates(map[string]interface{}{
				"status":      types.NodeStatusSkipped,
				"error":       "job cancelled",
				"finished_at": now,
				"updated_at":  now,
			}).Error
	})
}
