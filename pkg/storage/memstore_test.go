package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCASTaskStatus_SucceedsWhenStatusMatches(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-1", Status: types.TaskQueued}))

	ok, err := store.CASTaskStatus(ctx, "task-1", types.TaskQueued, types.TaskRunning, storage.TaskMutation{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCASTaskStatus_FailsWhenStatusMismatches(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-1", Status: types.TaskRunning}))

	ok, err := store.CASTaskStatus(ctx, "task-1", types.TaskQueued, types.TaskRunning, storage.TaskMutation{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCASTaskStatus_NeverLeavesTerminalStatus(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-1", Status: types.TaskCompleted}))

	ok, err := store.CASTaskStatus(ctx, "task-1", types.TaskCompleted, types.TaskQueued, storage.TaskMutation{})
	require.NoError(t, err)
	require.False(t, ok)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, task.Status)
}

func TestCASTaskStatus_ZeroRowsAffectedIsNotAnError(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	ok, err := store.CASTaskStatus(ctx, "nonexistent", types.TaskQueued, types.TaskRunning, storage.TaskMutation{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListRunningTasksPage_PaginatesInIDOrder(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.CreateTask(ctx, &types.Task{
			ID: id, Status: types.TaskRunning, Source: types.SourceScheduler,
		}))
	}

	page1, err := store.ListRunningTasksPage(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, "a", page1[0].ID)
	require.Equal(t, "b", page1[1].ID)

	page2, err := store.ListRunningTasksPage(ctx, page1[len(page1)-1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Equal(t, "c", page2[0].ID)

	page3, err := store.ListRunningTasksPage(ctx, page2[len(page2)-1].ID, 2)
	require.NoError(t, err)
	require.Empty(t, page3)
}

func TestListRunningTasksPage_ExcludesTerminalSourcesAndStatuses(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-1", Status: types.TaskRunning, Source: types.SourceScheduler}))
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-2", Status: types.TaskCompleted, Source: types.SourceScheduler}))
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "task-3", Status: types.TaskRunning, Source: types.SourceTerminal}))

	page, err := store.ListRunningTasksPage(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "task-1", page[0].ID)
}

func TestListStaleBusyWorkers_OnlyReturnsBusyAndStale(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	staleBefore := time.Now().Add(-time.Minute)

	require.NoError(t, store.UpsertWorker(ctx, &types.Worker{ID: "w-stale", Status: types.WorkerBusy, LastHeartbeatAt: staleBefore.Add(-time.Second)}))
	require.NoError(t, store.UpsertWorker(ctx, &types.Worker{ID: "w-fresh", Status: types.WorkerBusy, LastHeartbeatAt: time.Now()}))
	require.NoError(t, store.UpsertWorker(ctx, &types.Worker{ID: "w-idle", Status: types.WorkerIdle, LastHeartbeatAt: staleBefore.Add(-time.Second)}))

	stale, err := store.ListStaleBusyWorkers(ctx, staleBefore)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "w-stale", stale[0].ID)
}

func TestCASWorkerOffline_LosesRaceWhenHeartbeatArrivedSinceList(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	staleBefore := time.Now().Add(-time.Minute)

	require.NoError(t, store.UpsertWorker(ctx, &types.Worker{ID: "w-1", Status: types.WorkerBusy, LastHeartbeatAt: time.Now()}))

	ok, err := store.CASWorkerOffline(ctx, "w-1", staleBefore)
	require.NoError(t, err)
	require.False(t, ok)

	worker, err := store.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerBusy, worker.Status)
}

func TestGetDependencyStates_ReportsMissingDependenciesAsNotFound(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "dep-1", Status: types.TaskCompleted}))

	states, err := store.GetDependencyStates(ctx, []string{"dep-1", "missing"})
	require.NoError(t, err)
	require.Len(t, states, 2)

	byID := make(map[string]storage.DepState)
	for _, s := range states {
		byID[s.ID] = s
	}
	require.True(t, byID["dep-1"].Found)
	require.Equal(t, types.TaskCompleted, byID["dep-1"].Status)
	require.False(t, byID["missing"].Found)
}
