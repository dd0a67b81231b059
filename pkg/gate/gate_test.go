package gate_test

import (
	"context"
	"testing"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/gate"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
	"github.com/stretchr/testify/require"
)

func seedTask(t *testing.T, store *storage.MemStore, id string, status types.TaskStatus, dependsOn ...string) {
	t.Helper()
	err := store.CreateTask(context.Background(), &types.Task{
		ID:         id,
		Status:     status,
		Source:     types.SourceScheduler,
		DependsOn:  dependsOn,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func TestHandleWaiting_PromotesWhenDependenciesComplete(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "dep-1", types.TaskCompleted)
	seedTask(t, store, "task-1", types.TaskWaiting, "dep-1")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleWaiting(context.Background(), "task-1", []string{"dep-1"})
	require.NoError(t, err)
	require.Equal(t, gate.Promoted, outcome)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskQueued, task.Status)
	require.False(t, task.QueuedAt.IsZero())
}

func TestHandleWaiting_StaysPendingWhileDependencyIncomplete(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "dep-1", types.TaskRunning)
	seedTask(t, store, "task-1", types.TaskWaiting, "dep-1")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleWaiting(context.Background(), "task-1", []string{"dep-1"})
	require.NoError(t, err)
	require.Equal(t, gate.StillPending, outcome)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskWaiting, task.Status)
}

func TestHandleWaiting_CascadesCancelOnFailedDependency(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "dep-1", types.TaskFailed)
	seedTask(t, store, "task-1", types.TaskWaiting, "dep-1")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleWaiting(context.Background(), "task-1", []string{"dep-1"})
	require.NoError(t, err)
	require.Equal(t, gate.WaitingBlocked, outcome)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCancelled, task.Status)
	require.Equal(t, "dependency_blocked", task.Summary)
}

func TestHandleWaiting_CascadesOnMissingDependency(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "task-1", types.TaskWaiting, "missing-dep")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleWaiting(context.Background(), "task-1", []string{"missing-dep"})
	require.NoError(t, err)
	require.Equal(t, gate.WaitingBlocked, outcome)
}

func TestHandleQueued_DemotesWhenDependencyRegresses(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "dep-1", types.TaskRunning)
	seedTask(t, store, "task-1", types.TaskQueued, "dep-1")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleQueued(context.Background(), "task-1", []string{"dep-1"})
	require.NoError(t, err)
	require.Equal(t, gate.QueuedWaiting, outcome)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskWaiting, task.Status)
}

func TestHandleQueued_ReadyWhenDependenciesComplete(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "dep-1", types.TaskCompleted)
	seedTask(t, store, "task-1", types.TaskQueued, "dep-1")

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleQueued(context.Background(), "task-1", []string{"dep-1"})
	require.NoError(t, err)
	require.Equal(t, gate.QueuedReady, outcome)
}

func TestHandleWaiting_NoDependsOnPromotesImmediately(t *testing.T) {
	store := storage.NewMemStore()
	seedTask(t, store, "task-1", types.TaskWaiting)

	g := gate.New(store, events.NullBroadcaster{})
	outcome, err := g.HandleWaiting(context.Background(), "task-1", nil)
	require.NoError(t, err)
	require.Equal(t, gate.Promoted, outcome)
}
