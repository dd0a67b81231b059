// Package storage defines the control plane's persistence contract and the
// backends that satisfy it.
//
// Every mutation that matters for scheduling correctness is a compare-and-swap
// keyed on the row's current status: "update WHERE id=? AND status=?". A CAS
// that affects zero rows means a peer already moved the row, and callers must
// treat that as benign — never as an error.
package storage

import (
	"context"
	"time"

	"github.com/campipeline/cam/pkg/types"
)

// DepState is the {id, status} projection the Dependency Gate needs for a
// batch of dependency ids.
type DepState struct {
	ID     string
	Status types.TaskStatus
	Found  bool
}

// TaskMutation carries the optional fields a CAS update also writes, so a
// single round trip can move status and set derived columns together.
// MemStore and BoltStore write StartedAt and CompletedAt when set;
// PostgresStore does not read them and instead sets started_at to NOW() on a
// move to running and completed_at to NOW() on a move to completed or failed.
type TaskMutation struct {
	AssignedWorkerID *string // nil = leave unchanged, non-nil = set (empty string clears)
	RetryCount       *int
	StartedAt        *time.Time // explicit nil-clear handled via ClearStartedAt
	CompletedAt      *time.Time
	ClearStartedAt   bool
	ClearCompletedAt bool
	QueuedAt         *time.Time
	Summary          *string
}

// Store is the persistence contract the scheduling core relies on. It is
// satisfied by a real relational database (PostgresStore), an embedded
// single-file database (BoltStore), and an in-memory fixture (MemStore) used
// by tests.
type Store interface {
	// CreateTask inserts a new task row. Used by tests and by the
	// (external) task-creation path this core does not own.
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// ListWaitingTasks returns up to limit source=scheduler,status=waiting
	// rows ordered by CreatedAt ascending.
	ListWaitingTasks(ctx context.Context, limit int) ([]*types.Task, error)
	// ListQueuedTasks returns up to limit source=scheduler,status=queued
	// rows ordered by QueuedAt ascending.
	ListQueuedTasks(ctx context.Context, limit int) ([]*types.Task, error)
	// ListRunningTasksPage paginates source=scheduler,status=running rows by
	// id, for startup recovery.
	ListRunningTasksPage(ctx context.Context, afterID string, limit int) ([]*types.Task, error)
	// ListRunningTasksByWorker returns source=scheduler,status=running tasks
	// assigned to the given worker.
	ListRunningTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error)

	// GetDependencyStates batch-loads {id,status} for each id in depIDs.
	GetDependencyStates(ctx context.Context, depIDs []string) ([]DepState, error)

	// CASTaskStatus performs an atomic status transition guarded on the
	// task's current status. ok=false means the row didn't match (someone
	// else moved it, or it was already terminal) and the caller must treat
	// this as benign.
	CASTaskStatus(ctx context.Context, id string, expected, next types.TaskStatus, mut TaskMutation) (ok bool, err error)

	// GetAgentDefinition looks up an (immutable) agent definition.
	GetAgentDefinition(ctx context.Context, id string) (*types.AgentDefinition, error)

	// Workers
	UpsertWorker(ctx context.Context, worker *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	// ListStaleBusyWorkers returns workers with status=busy whose
	// LastHeartbeatAt is older than staleBefore.
	ListStaleBusyWorkers(ctx context.Context, staleBefore time.Time) ([]*types.Worker, error)
	// CASWorkerOffline marks a busy worker offline, guarded by the same
	// staleness predicate so a worker whose heartbeat just arrived survives.
	CASWorkerOffline(ctx context.Context, id string, staleBefore time.Time) (ok bool, err error)

	// AppendSystemEvent writes one audit record. Never read back by the core.
	AppendSystemEvent(ctx context.Context, event *types.SystemEvent) error

	Close() error
}
