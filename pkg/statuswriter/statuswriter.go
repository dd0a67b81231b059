// Package statuswriter is the single path through which a task's status
// column changes. Every transition is a compare-and-swap guarded on the
// row's current status, so two callers racing to move the same task never
// double-apply a side effect, and a terminal status is never reopened.
package statuswriter

import (
	"context"
	"fmt"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

// Writer applies status transitions and emits the corresponding
// notifications. It never calls GetTask first to decide whether the CAS
// will succeed — the CAS itself is the check.
type Writer struct {
	Store   storage.Store
	Emitter events.Broadcaster
}

// New constructs a Writer.
func New(store storage.Store, emitter events.Broadcaster) *Writer {
	return &Writer{Store: store, Emitter: emitter}
}

// Extra carries the optional side-effect fields a transition may also set.
type Extra struct {
	AssignedWorkerID *string
	RetryCount       *int
	Summary          *string
	ClearWorker      bool
}

// UpdateTaskStatus moves a task from its current status to next, guarded by
// expected. ok=false means the CAS lost the race and the caller should treat
// the attempted transition as a no-op, never retry it blindly.
func (w *Writer) UpdateTaskStatus(ctx context.Context, taskID string, expected, next types.TaskStatus, extra Extra) (bool, error) {
	logger := log.WithTaskID(taskID)

	if expected.IsTerminal() {
		return false, fmt.Errorf("statuswriter: refusing to transition out of terminal status %q", expected)
	}

	mut := storage.TaskMutation{
		RetryCount: extra.RetryCount,
		Summary:    extra.Summary,
	}
	if extra.ClearWorker {
		empty := ""
		mut.AssignedWorkerID = &empty
	} else if extra.AssignedWorkerID != nil {
		mut.AssignedWorkerID = extra.AssignedWorkerID
	}

	now := time.Now()
	switch next {
	case types.TaskRunning:
		mut.StartedAt = &now
	case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
		mut.CompletedAt = &now
	case types.TaskQueued:
		mut.QueuedAt = &now
		mut.ClearStartedAt = true
		mut.ClearCompletedAt = true
	case types.TaskWaiting:
		mut.ClearStartedAt = true
		mut.ClearCompletedAt = true
	}

	ok, err := w.Store.CASTaskStatus(ctx, taskID, expected, next, mut)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug().
			Str("expected", string(expected)).
			Str("next", string(next)).
			Msg("status CAS lost race, skipping")
		return false, nil
	}

	payload := map[string]any{
		"taskId": taskID,
		"status": string(next),
	}
	if extra.Summary != nil {
		payload["summary"] = *extra.Summary
	}
	w.Emitter.Broadcast("task.progress", payload)

	return true, nil
}
