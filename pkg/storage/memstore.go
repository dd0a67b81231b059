package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campipeline/cam/pkg/types"
)

// MemStore is an in-memory Store used by unit tests. It
// gives the same CAS guarantees as the real backends by holding one mutex
// for the whole store — identical in spirit to BoltDB's single-writer
// transaction, just without the file.
type MemStore struct {
	mu        sync.Mutex
	tasks     map[string]*types.Task
	workers   map[string]*types.Worker
	agentDefs map[string]*types.AgentDefinition
	events    []*types.SystemEvent
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:     make(map[string]*types.Task),
		workers:   make(map[string]*types.Worker),
		agentDefs: make(map[string]*types.AgentDefinition),
	}
}

// SeedAgentDefinition registers an agent definition for GetAgentDefinition
// to serve; the real store treats agent definitions as read-only to the core.
func (s *MemStore) SeedAgentDefinition(def *types.AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentDefs[def.ID] = def
}

func cloneTask(t *types.Task) *types.Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return &cp
}

func (s *MemStore) CreateTask(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return cloneTask(t), nil
}

func (s *MemStore) ListWaitingTasks(_ context.Context, limit int) ([]*types.Task, error) {
	return s.listBySourceStatus(types.TaskWaiting, limit, func(t *types.Task) time.Time { return t.CreatedAt })
}

func (s *MemStore) ListQueuedTasks(_ context.Context, limit int) ([]*types.Task, error) {
	return s.listBySourceStatus(types.TaskQueued, limit, func(t *types.Task) time.Time { return t.QueuedAt })
}

func (s *MemStore) listBySourceStatus(status types.TaskStatus, limit int, orderKey func(*types.Task) time.Time) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.Source == types.SourceScheduler && t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return orderKey(out[i]).Before(orderKey(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListRunningTasksPage(_ context.Context, afterID string, limit int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.Source == types.SourceScheduler && t.Status == types.TaskRunning {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	start := 0
	if afterID != "" {
		for i, t := range out {
			if t.ID > afterID {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start > len(out) {
		start = len(out)
	}
	end := start + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *MemStore) ListRunningTasksByWorker(_ context.Context, workerID string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.Source == types.SourceScheduler && t.Status == types.TaskRunning && t.AssignedWorkerID == workerID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *MemStore) GetDependencyStates(_ context.Context, depIDs []string) ([]DepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DepState, 0, len(depIDs))
	for _, id := range depIDs {
		t, ok := s.tasks[id]
		if !ok {
			out = append(out, DepState{ID: id, Found: false})
			continue
		}
		out = append(out, DepState{ID: id, Status: t.Status, Found: true})
	}
	return out, nil
}

func (s *MemStore) CASTaskStatus(_ context.Context, id string, expected, next types.TaskStatus, mut TaskMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if t.Status.IsTerminal() && t.Status != next {
		return false, nil
	}
	if t.Status != expected {
		return false, nil
	}

	t.Status = next

	if mut.AssignedWorkerID != nil {
		t.AssignedWorkerID = *mut.AssignedWorkerID
	}
	if mut.RetryCount != nil {
		t.RetryCount = *mut.RetryCount
	}
	if mut.QueuedAt != nil {
		t.QueuedAt = *mut.QueuedAt
	}
	if mut.Summary != nil {
		t.Summary = *mut.Summary
	}

	now := time.Now()
	if next == types.TaskRunning {
		t.StartedAt = &now
	}
	if next == types.TaskCompleted || next == types.TaskFailed {
		t.CompletedAt = &now
	}
	if mut.ClearStartedAt {
		t.StartedAt = nil
	}
	if mut.ClearCompletedAt {
		t.CompletedAt = nil
	}
	if mut.StartedAt != nil {
		t.StartedAt = mut.StartedAt
	}
	if mut.CompletedAt != nil {
		t.CompletedAt = mut.CompletedAt
	}

	return true, nil
}

func (s *MemStore) GetAgentDefinition(_ context.Context, id string) (*types.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.agentDefs[id]
	if !ok {
		return nil, fmt.Errorf("agent definition not found: %s", id)
	}
	return def, nil
}

func (s *MemStore) UpsertWorker(_ context.Context, worker *types.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *worker
	s.workers[worker.ID] = &cp
	return nil
}

func (s *MemStore) GetWorker(_ context.Context, id string) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker not found: %s", id)
	}
	cp := *w
	return &cp, nil
}

func (s *MemStore) ListWorkers(_ context.Context) ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListStaleBusyWorkers(_ context.Context, staleBefore time.Time) ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Worker
	for _, w := range s.workers {
		if w.Status == types.WorkerBusy && w.LastHeartbeatAt.Before(staleBefore) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) CASWorkerOffline(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return false, nil
	}
	if w.Status != types.WorkerBusy || !w.LastHeartbeatAt.Before(staleBefore) {
		return false, nil
	}
	w.Status = types.WorkerOffline
	w.CurrentTaskID = ""
	return true, nil
}

func (s *MemStore) AppendSystemEvent(_ context.Context, event *types.SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of every recorded system event, for assertions in tests.
func (s *MemStore) Events() []*types.SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SystemEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
