package types

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// KVMap is an opaque string key/value bag stored as a JSON column.
type KVMap map[string]string

var (
	_ driver.Valuer = KVMap{}
	_ driver.Valuer = StringList{}
)

// Value implements driver.Valuer via JSON encoding.
func (m KVMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *KVMap) Scan(src interface{}) error {
	if src == nil {
		*m = KVMap{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	*m = KVMap{}
	return nil
}

// StringList is a list of node IDs stored as a JSON column.
type StringList []string

// Value implements driver.Valuer via JSON encoding.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	*l = nil
	return nil
}

// Job is one submitted unit of orchestrated work, composed of a DAG of
// nodes. Jobs are never deleted automatically; they are retained for
// audit and replay.
type Job struct {
	ID        string    `gorm:"column:job_id;primaryKey" json:"job_id"`
	Type      string    `gorm:"column:job_type" json:"type"`
	Config    KVMap     `gorm:"column:config;type:text" json:"config"`
	Variables KVMap     `gorm:"column:variables;type:text" json:"variables"`
	Status    JobStatus `gorm:"column:status;index" json:"status"`
	Error     string    `gorm:"column:error" json:"error,omitempty"`
	CreatedBy string    `gorm:"column:created_by" json:"created_by"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`

	Nodes []DAGNode `gorm:"foreignKey:JobID;references:ID" json:"nodes,omitempty"`
}

// TableName maps Job to its table.
func (Job) TableName() string { return "pf_jobs" }

// DAGNode is one unit of work within a Job with explicit dependencies.
// NodeID is unique within the owning job.
type DAGNode struct {
	JobID      string     `gorm:"column:job_id;primaryKey" json:"job_id"`
	NodeID     string     `gorm:"column:node_id;primaryKey" json:"node_id"`
	Task       string     `gorm:"column:task" json:"task"`
	DependsOn  StringList `gorm:"column:depends_on;type:text" json:"depends_on"`
	Status     NodeStatus `gorm:"column:status;index" json:"status"`
	Retries    int        `gorm:"column:retries" json:"retries"`
	MaxRetries int        `gorm:"column:max_retries" json:"max_retries"`
	// Fatal marks the last failure non-retryable. It is persisted with
	// the failed transition so the decision survives a restart.
	Fatal bool `gorm:"column:fatal" json:"fatal,omitempty"`
	// Timeout bounds a single attempt. Zero means the scheduler default.
	Timeout    time.Duration `gorm:"column:timeout_ns" json:"timeout,omitempty"`
	Error      string        `gorm:"column:error" json:"error,omitempty"`
	StartedAt  *time.Time    `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time    `gorm:"column:finished_at" json:"finished_at,omitempty"`
	UpdatedAt  time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

// TableName maps DAGNode to its table.
func (DAGNode) TableName() string { return "pf_nodes" }

// PlanStep describes one step of an ExecutionPlan before it is
// materialized into a DAGNode.
type PlanStep struct {
	NodeID     string        `json:"node_id" yaml:"node_id"`
	Task       string        `json:"task" yaml:"task"`
	DependsOn  []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ExecutionPlan is the immutable input produced by an external planner.
// It is consumed exactly once to materialize a Job and never mutated.
type ExecutionPlan struct {
	PlanID    string     `json:"plan_id" yaml:"plan_id"`
	JobType   string     `json:"job_type,omitempty" yaml:"job_type,omitempty"`
	Config    KVMap      `json:"config,omitempty" yaml:"config,omitempty"`
	Variables KVMap      `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps     []PlanStep `json:"steps" yaml:"steps"`
	CreatedBy string     `json:"created_by" yaml:"created_by"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
}

// Checkpoint is a named snapshot of intermediate progress. Superseding
// checkpoints with the same name are appended, never overwritten, so
// the full history survives.
type Checkpoint struct {
	Seq       uint            `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	JobID     string          `gorm:"column:job_id;index" json:"job_id"`
	StepID    string          `gorm:"column:step_id" json:"step_id,omitempty"`
	Name      string          `gorm:"column:name" json:"name"`
	Data      json.RawMessage `gorm:"column:data;type:text" json:"data"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
}

// TableName maps Checkpoint to its table.
func (Checkpoint) TableName() string { return "pf_checkpoints" }

// Artifact is an immutable named output produced by a step.
type Artifact struct {
	Seq       uint      `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	JobID     string    `gorm:"column:job_id;index" json:"job_id"`
	StepID    string    `gorm:"column:step_id" json:"step_id,omitempty"`
	Name      string    `gorm:"column:name" json:"name"`
	Path      string    `gorm:"column:path" json:"path"`
	Size      int64     `gorm:"column:size" json:"size"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName maps Artifact to its table.
func (Artifact) TableName() string { return "pf_artifacts" }

// BugRecord is one entry of the failure memory: a stable fingerprint of
// a failure plus the raw fields it was derived from. The log is
// append-only; the same fingerprint may occur many times.
type BugRecord struct {
	Fingerprint string    `json:"fingerprint"`
	File        string    `json:"file"`
	Line        int       `json:"line"`
	Message     string    `json:"message"`
	TestName    string    `json:"test_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
