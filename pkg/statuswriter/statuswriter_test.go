package statuswriter_test

import (
	"context"
	"testing"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/statuswriter"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTask(id string, status types.TaskStatus) *types.Task {
	return &types.Task{
		ID:         id,
		Status:     status,
		Source:     types.SourceScheduler,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func TestUpdateTaskStatus_SucceedsOnMatchingExpectedStatus(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("task-1", types.TaskQueued)))

	w := statuswriter.New(store, events.NullBroadcaster{})
	workerID := "worker-1"
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskQueued, types.TaskRunning, statuswriter.Extra{
		AssignedWorkerID: &workerID,
	})
	require.NoError(t, err)
	require.True(t, ok)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, task.Status)
	require.Equal(t, "worker-1", task.AssignedWorkerID)
	require.NotNil(t, task.StartedAt)
}

func TestUpdateTaskStatus_LosesRaceWhenStatusAlreadyMoved(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("task-1", types.TaskRunning)))

	w := statuswriter.New(store, events.NullBroadcaster{})
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskQueued, types.TaskRunning, statuswriter.Extra{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateTaskStatus_RefusesToLeaveTerminalStatus(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("task-1", types.TaskCompleted)))

	w := statuswriter.New(store, events.NullBroadcaster{})
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskCompleted, types.TaskQueued, statuswriter.Extra{})
	require.Error(t, err)
	require.False(t, ok)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, task.Status)
}

func TestUpdateTaskStatus_ClearWorkerOnRequeue(t *testing.T) {
	store := storage.NewMemStore()
	task := newTask("task-1", types.TaskRunning)
	task.AssignedWorkerID = "worker-1"
	startedAt := time.Now().Add(-time.Minute)
	task.StartedAt = &startedAt
	require.NoError(t, store.CreateTask(context.Background(), task))

	w := statuswriter.New(store, events.NullBroadcaster{})
	retryCount := 1
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskRunning, types.TaskQueued, statuswriter.Extra{
		ClearWorker: true,
		RetryCount:  &retryCount,
	})
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, "", updated.AssignedWorkerID)
	require.Equal(t, 1, updated.RetryCount)
	require.False(t, updated.QueuedAt.IsZero())
	require.Nil(t, updated.StartedAt)
	require.Nil(t, updated.CompletedAt)
}

func TestUpdateTaskStatus_ClearsStartedAndCompletedOnDemoteToWaiting(t *testing.T) {
	store := storage.NewMemStore()
	now := time.Now()
	task := newTask("task-1", types.TaskQueued)
	task.StartedAt = &now
	require.NoError(t, store.CreateTask(context.Background(), task))

	w := statuswriter.New(store, events.NullBroadcaster{})
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskQueued, types.TaskWaiting, statuswriter.Extra{})
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Nil(t, updated.StartedAt)
	require.Nil(t, updated.CompletedAt)
}

type recordingBroadcaster struct {
	types   []string
	payload []map[string]any
}

func (r *recordingBroadcaster) Broadcast(eventType string, payload map[string]any) {
	r.types = append(r.types, eventType)
	r.payload = append(r.payload, payload)
}

func TestUpdateTaskStatus_BroadcastsProgressOnSuccess(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("task-1", types.TaskQueued)))

	rec := &recordingBroadcaster{}
	w := statuswriter.New(store, rec)
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskQueued, types.TaskRunning, statuswriter.Extra{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"task.progress"}, rec.types)
	require.Equal(t, "task-1", rec.payload[0]["taskId"])
	require.Equal(t, "running", rec.payload[0]["status"])
}

func TestUpdateTaskStatus_DoesNotBroadcastWhenCASLoses(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("task-1", types.TaskRunning)))

	rec := &recordingBroadcaster{}
	w := statuswriter.New(store, rec)
	ok, err := w.UpdateTaskStatus(context.Background(), "task-1", types.TaskQueued, types.TaskRunning, statuswriter.Extra{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, rec.types)
}
