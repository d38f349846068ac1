// Package types defines the core domain models shared across the job
// broker: jobs, workers, progress records, and live connections.
package types

import "time"

// JobID uniquely identifies a job.
type JobID string

// JobStatus represents a job's position in the lifecycle state machine.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusAssigned   JobStatus = "assigned"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is one of the irreversible terminal
// states (completed, failed, cancelled).
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Requirements narrows which workers are eligible to claim a job. Every
// field is optional; an absent field places no constraint.
type Requirements struct {
	ServiceType string   `json:"service_type,omitempty"`
	Component   string   `json:"component,omitempty"`
	Workflow    string   `json:"workflow,omitempty"`
	Models      []string `json:"models,omitempty"`
	GPUMemoryGB float64  `json:"gpu_memory_gb,omitempty"`
	RAMGB       float64  `json:"ram_gb,omitempty"`
	CPUCores    int      `json:"cpu_cores,omitempty"`
}

// Job is a unit of work submitted to the broker.
type Job struct {
	ID              JobID                  `json:"id"`
	ServiceRequired string                 `json:"service_required"`
	Priority        int                    `json:"priority"`
	Payload         map[string]interface{} `json:"payload"`
	Requirements    *Requirements          `json:"requirements,omitempty"`
	CustomerID      string                 `json:"customer_id,omitempty"`

	// Workflow cohesion fields (§4.3). All optional; when absent the
	// job's own Priority/CreatedAt are used instead.
	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDateTime *int64 `json:"workflow_datetime,omitempty"`
	StepNumber       int    `json:"step_number,omitempty"`
	TotalSteps       int    `json:"total_steps,omitempty"`

	CreatedAt int64 `json:"created_at"`

	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	LastFailedWorker string `json:"last_failed_worker,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	WorkerID    string `json:"worker_id,omitempty"`
	AssignedAt  int64  `json:"assigned_at,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	FailedAt    int64  `json:"failed_at,omitempty"`
	CancelledAt int64  `json:"cancelled_at,omitempty"`

	Status JobStatus `json:"status"`
}

// EffPriority returns the score-relevant priority: the workflow priority
// when the job belongs to a workflow, otherwise its own priority.
func (j *Job) EffPriority() int {
	if j.WorkflowPriority != nil {
		return *j.WorkflowPriority
	}
	return j.Priority
}

// EffTime returns the score-relevant wall-clock time: the workflow's shared
// datetime when present, otherwise the job's own creation time.
func (j *Job) EffTime() int64 {
	if j.WorkflowDateTime != nil {
		return *j.WorkflowDateTime
	}
	return j.CreatedAt
}

// WorkerStatus represents a worker's current availability.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerOffline      WorkerStatus = "offline"
	WorkerReclaimed    WorkerStatus = "reclaimed"
)

// Isolation controls how a worker's customer access policy is enforced.
type Isolation string

const (
	IsolationNone   Isolation = "none"
	IsolationStrict Isolation = "strict"
)

// Capabilities describes what a worker can run and for whom.
type Capabilities struct {
	Services         []string           `json:"services"`
	Components       []string           `json:"components,omitempty"`
	Workflows        []string           `json:"workflows,omitempty"`
	Models           []string           `json:"models,omitempty"`
	GPUMemoryGB      float64            `json:"gpu_memory_gb,omitempty"`
	RAMGB            float64            `json:"ram_gb,omitempty"`
	CPUCores         int                `json:"cpu_cores,omitempty"`
	Isolation        Isolation          `json:"isolation,omitempty"`
	AllowedCustomers []string           `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string           `json:"denied_customers,omitempty"`
	MaxConcurrent    int                `json:"max_concurrent,omitempty"`
	Performance      map[string]float64 `json:"performance,omitempty"`
}

// Worker is a long-running job-processing agent.
type Worker struct {
	ID            string       `json:"id"`
	MachineID     string       `json:"machine_id,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	ConnectedAt   int64        `json:"connected_at"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int64        `json:"jobs_processed"`
	JobsFailed    int64        `json:"jobs_failed"`
}

// ProgressStatus is the status carried on a ProgressRecord.
type ProgressStatus string

const (
	ProgressAssigned   ProgressStatus = "assigned"
	ProgressProcessing ProgressStatus = "processing"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
	ProgressRetrying   ProgressStatus = "retrying"
)

// ProgressRecord is one point in a job's append-only progress stream.
type ProgressRecord struct {
	JobID       JobID          `json:"job_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Progress    int            `json:"progress"`
	Status      ProgressStatus `json:"status"`
	Message     string         `json:"message,omitempty"`
	CurrentStep int            `json:"current_step,omitempty"`
	TotalSteps  int            `json:"total_steps,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
}

// ConnectionKind identifies the class of peer on a broadcaster connection.
type ConnectionKind string

const (
	ConnKindWorker        ConnectionKind = "worker"
	ConnKindClientEmprops ConnectionKind = "client-emprops"
	ConnKindMonitor       ConnectionKind = "monitor"
)

// NowMillis returns the current wall-clock time in Unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
