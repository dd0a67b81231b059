package types

import "time"

// TaskStatus is the lifecycle state of a Task. Terminal statuses are
// TaskCompleted, TaskFailed and TaskCancelled: once reached, a Task
// never transitions again.
type TaskStatus string

const (
	TaskWaiting         TaskStatus = "waiting"
	TaskQueued          TaskStatus = "queued"
	TaskRunning         TaskStatus = "running"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
	TaskAwaitingReview  TaskStatus = "awaiting_review"
)

// IsTerminal reports whether a status, once set, can never change again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskSource distinguishes tasks this engine manages from live interactive
// runs, which are excluded from every query the scheduler issues.
type TaskSource string

const (
	SourceScheduler TaskSource = "scheduler"
	SourceTerminal  TaskSource = "terminal"
)

// Task represents one unit of work a single worker must execute end-to-end.
type Task struct {
	ID                string
	Title             string
	Description       string // used as the agent prompt
	AgentDefinitionID string

	RepoURL     string
	BaseBranch  string
	WorkBranch  string
	SubDir      string

	Status TaskStatus
	Source TaskSource

	DependsOn []string
	GroupID   string // optional cohort tag; "pipeline/" prefix enables artifact-volume sharing

	AssignedWorkerID string

	RetryCount int
	MaxRetries int

	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time

	PRUrl         string
	Summary       string
	Feedback      string
	ReviewComment string
}

// IsPipeline reports whether this task belongs to a pipeline artifact group.
func (t *Task) IsPipeline() bool {
	return len(t.GroupID) > len(pipelinePrefix) && t.GroupID[:len(pipelinePrefix)] == pipelinePrefix
}

const pipelinePrefix = "pipeline/"

// WorkerStatus is the lifecycle state of a Worker registration row.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerMode distinguishes a container launched by this engine from an
// externally-started, self-registering daemon process.
type WorkerMode string

const (
	ModeContainer WorkerMode = "container"
	ModeDaemon    WorkerMode = "daemon"
)

// Worker is a registration record for a task executor.
type Worker struct {
	ID                string
	SupportedAgentIDs []string
	Status            WorkerStatus
	CurrentTaskID     string // populated iff Status == WorkerBusy
	LastHeartbeatAt   time.Time
	ReportedEnvVars   []string // names only, never values
	Mode              WorkerMode
	CreatedAt         time.Time
}

// EnvVarSpec describes one environment variable an agent definition requires.
type EnvVarSpec struct {
	Name      string
	Required  bool
	Sensitive bool
}

// ResourceLimits carries default resource constraints for a launched container.
type ResourceLimits struct {
	MemoryLimitMb int64
}

// AgentDefinition is an immutable-per-version descriptor of an agent image.
type AgentDefinition struct {
	ID                   string
	DisplayName          string
	DockerImage          string
	Command              []string
	Args                 []string
	RequiredEnvVars      []EnvVarSpec
	DefaultResourceLimits ResourceLimits
}

// EnvVarScope narrows a resolveEnvVar lookup to a repository and/or an
// agent definition, with resolution precedence repo+agent > repo > agent > global.
type EnvVarScope struct {
	RepositoryID      string
	RepoURL           string
	AgentDefinitionID string
}

// SystemEvent is an append-only audit record, never read back by the core.
type SystemEvent struct {
	Type      string
	Payload   map[string]any
	Timestamp time.Time
	Actor     string
}
