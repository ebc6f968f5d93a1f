package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/planforge/planforge/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := NewWithDB(db, zap.NewNop())
	require.NoError(t, err)
	return s
}

func createJobWithNodes(t *testing.T, s *Store, jobID string, nodes []types.DAGNode) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateJob(ctx, jobID, "repair", nil, nil, "tester")
	require.NoError(t, err)
	require.NoError(t, s.CreateNodes(ctx, jobID, nodes))
}

func diamond() []types.DAGNode {
	return []types.DAGNode{
		{NodeID: "a", Task: "analyze"},
		{NodeID: "b", Task: "build", DependsOn: types.StringList{"a"}},
		{NodeID: "c", Task: "check", DependsOn: types.StringList{"a"}},
		{NodeID: "d", Task: "deliver", DependsOn: types.StringList{"b", "c"}},
	}
}

func TestCreateJob_DuplicateRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "job-1", "repair", types.KVMap{"k": "v"}, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)

	_, err = s.CreateJob(ctx, "job-1", "repair", nil, nil, "tester")
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeDuplicateJob))
}

func TestCreateJob_GeneratesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	job, err := s.CreateJob(context.Background(), "", "repair", nil, nil, "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
}

func TestCreateNodes_RejectsCycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-cycle", "repair", nil, nil, "tester")
	require.NoError(t, err)

	err = s.CreateNodes(ctx, "job-cycle", []types.DAGNode{
		{NodeID: "a", DependsOn: types.StringList{"c"}},
		{NodeID: "b", DependsOn: types.StringList{"a"}},
		{NodeID: "c", DependsOn: types.StringList{"b"}},
	})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeCyclicDependency))

	// Nothing partially applied.
	job, err := s.LoadJob(ctx, "job-cycle")
	require.NoError(t, err)
	assert.Empty(t, job.Nodes)
}

func TestCreateNodes_RejectsUnknownDependency(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-dep", "repair", nil, nil, "tester")
	require.NoError(t, err)

	err = s.CreateNodes(ctx, "job-dep", []types.DAGNode{
		{NodeID: "a", DependsOn: types.StringList{"ghost"}},
	})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeUnknownDependency))
}

func TestCreateNodes_DependencyAcrossBatches(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-batch", []types.DAGNode{{NodeID: "a"}})

	// Second batch may reference already-persisted nodes.
	require.NoError(t, s.CreateNodes(ctx, "job-batch", []types.DAGNode{
		{NodeID: "b", DependsOn: types.StringList{"a"}},
	}))

	// But not re-insert existing ones.
	err := s.CreateNodes(ctx, "job-batch", []types.DAGNode{{NodeID: "a"}})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeDuplicateNode))
}

func TestTransitionNode_LegalPath(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-t", diamond())

	require.NoError(t, s.TransitionNode(ctx, "job-t", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{}))
	require.NoError(t, s.TransitionNode(ctx, "job-t", "a",
		types.NodeStatusRunning, types.NodeStatusCompleted, Attempt{}))

	job, err := s.LoadJob(ctx, "job-t")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusCompleted, job.Nodes[0].Status)
	assert.NotNil(t, job.Nodes[0].StartedAt)
	assert.NotNil(t, job.Nodes[0].FinishedAt)
}

func TestTransitionNode_IllegalEdge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-ill", diamond())

	err := s.TransitionNode(ctx, "job-ill", "a",
		types.NodeStatusCompleted, types.NodeStatusRunning, Attempt{})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeInvalidTransition))
}

func TestTransitionNode_CASRejectsStaleWriter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-cas", diamond())

	require.NoError(t, s.TransitionNode(ctx, "job-cas", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{}))

	// A second worker that still believes the node is pending loses.
	err := s.TransitionNode(ctx, "job-cas", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeInvalidTransition))
}

func TestTransitionNode_AtomicWithArtifacts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-art", diamond())

	require.NoError(t, s.TransitionNode(ctx, "job-art", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{}))
	require.NoError(t, s.TransitionNode(ctx, "job-art", "a",
		types.NodeStatusRunning, types.NodeStatusCompleted, Attempt{
			Artifacts: []types.Artifact{{Name: "patch", Path: "/tmp/patch.diff", Size: 120}},
			Checkpoints: []types.Checkpoint{
				{Name: "analysis", Data: json.RawMessage(`{"done":true}`)},
			},
		}))

	arts, err := s.Artifacts(ctx, "job-art")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "a", arts[0].StepID)

	cps, err := s.Checkpoints(ctx, "job-art", "")
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestTransitionNode_FailedAttemptRolledBackEntirely(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-atomic", diamond())

	// Completed -> completed is illegal, so the artifacts in the same
	// attempt must not land either.
	err := s.TransitionNode(ctx, "job-atomic", "a",
		types.NodeStatusRunning, types.NodeStatusCompleted, Attempt{
			Artifacts: []types.Artifact{{Name: "stray", Path: "/tmp/x"}},
		})
	require.Error(t, err)

	arts, err := s.Artifacts(ctx, "job-atomic")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestCheckpoints_AppendNotOverwrite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-cp", diamond())

	require.NoError(t, s.AppendCheckpoint(ctx, types.Checkpoint{
		JobID: "job-cp", Name: "progress", Data: json.RawMessage(`{"n":1}`),
	}))
	require.NoError(t, s.AppendCheckpoint(ctx, types.Checkpoint{
		JobID: "job-cp", Name: "progress", Data: json.RawMessage(`{"n":2}`),
	}))

	history, err := s.Checkpoints(ctx, "job-cp", "progress")
	require.NoError(t, err)
	require.Len(t, history, 2)

	latest, err := s.LatestCheckpoint(ctx, "job-cp", "progress")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(latest.Data))
}

func TestListResumableJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	createJobWithNodes(t, s, "job-p", diamond())
	createJobWithNodes(t, s, "job-r", diamond())
	createJobWithNodes(t, s, "job-done", diamond())

	require.NoError(t, s.UpdateJobStatus(ctx, "job-r", types.JobStatusPending, types.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-done", types.JobStatusPending, types.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-done", types.JobStatusRunning, types.JobStatusCompleted, ""))

	jobs, err := s.ListResumableJobs(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
		assert.Len(t, j.Nodes, 4)
	}
	assert.ElementsMatch(t, []string{"job-p", "job-r"}, ids)
}

func TestResetOrphanedNodes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-orphan", diamond())

	require.NoError(t, s.TransitionNode(ctx, "job-orphan", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{}))

	n, err := s.ResetOrphanedNodes(ctx, "job-orphan")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := s.LoadJob(ctx, "job-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusPending, job.Nodes[0].Status)
}

func TestCancelJob_SkipsNonTerminalAndRejectsLateResult(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	createJobWithNodes(t, s, "job-cancel", diamond())

	require.NoError(t, s.TransitionNode(ctx, "job-cancel", "a",
		types.NodeStatusPending, types.NodeStatusRunning, Attempt{}))
	require.NoError(t, s.CancelJob(ctx, "job-cancel"))

	job, err := s.LoadJob(ctx, "job-cancel")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	for _, n := range job.Nodes {
		assert.Equal(t, types.NodeStatusSkipped, n.Status)
	}

	// The worker that was still executing node a reports back late;
	// the store discards its result.
	err = s.TransitionNode(ctx, "job-cancel", "a",
		types.NodeStatusRunning, types.NodeStatusCompleted, Attempt{})
	require.Error(t, err)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeInvalidTransition))
}

func TestCrashRecovery_JobSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Shared in-memory sqlite keeps data across Store instances within
	// the test, simulating a crash immediately after CreateNodes.
	db, err := gorm.Open(sqlite.Open("file:crashrec?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s1, err := NewWithDB(db, zap.NewNop())
	require.NoError(t, err)

	_, err = s1.CreateJob(ctx, "job-crash", "repair", nil, nil, "tester")
	require.NoError(t, err)
	require.NoError(t, s1.CreateNodes(ctx, "job-crash", diamond()))

	// "Restart": a fresh Store over the same database.
	s2, err := NewWithDB(db, zap.NewNop())
	require.NoError(t, err)

	jobs, err := s2.ListResumableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-crash", jobs[0].ID)
	assert.Len(t, jobs[0].Nodes, 4)
	for _, n := range jobs[0].Nodes {
		assert.Equal(t, types.NodeStatusPending, n.Status)
	}
}
