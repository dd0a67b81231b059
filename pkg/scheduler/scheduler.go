// Package scheduler drives the periodic tick that promotes waiting tasks,
// drains the queued backlog onto workers, and checks worker heartbeats. A
// single tick never overlaps itself: a slow cycle causes the next timer fire
// to be skipped rather than stack up concurrent ticks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/gate"
	"github.com/campipeline/cam/pkg/heartbeat"
	"github.com/campipeline/cam/pkg/launcher"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/metrics"
	"github.com/campipeline/cam/pkg/runtime"
	"github.com/campipeline/cam/pkg/statuswriter"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxWaitingBatch = 50
	maxQueuedBatch  = 20

	// envVarLogSuppressWindow bounds how often a per-task missing-env-var
	// warning is re-logged while the task sits queued waiting for the value
	// to become resolvable.
	envVarLogSuppressWindow = 60 * time.Second
)

// Scheduler owns the tick loop.
type Scheduler struct {
	Store     storage.Store
	Gate      *gate.Gate
	Status    *statuswriter.Writer
	Launcher  *launcher.Launcher
	Heartbeat *heartbeat.Monitor
	Runtime   runtime.Runtime
	Emitter   events.Broadcaster

	tickMu   sync.Mutex
	stopCh   chan struct{}
	logger   zerolog.Logger

	envVarWarnMu   sync.Mutex
	envVarWarnedAt map[string]time.Time
}

// New constructs a Scheduler.
func New(store storage.Store, g *gate.Gate, sw *statuswriter.Writer, l *launcher.Launcher, hb *heartbeat.Monitor, rt runtime.Runtime, emitter events.Broadcaster) *Scheduler {
	return &Scheduler{
		Store:          store,
		Gate:           g,
		Status:         sw,
		Launcher:       l,
		Heartbeat:      hb,
		Runtime:        rt,
		Emitter:        emitter,
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("scheduler"),
		envVarWarnedAt: make(map[string]time.Time),
	}
}

// Start runs the tick loop at the given interval until Stop is called.
func (s *Scheduler) Start(interval time.Duration) {
	go s.run(interval)
}

// Stop ends the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("scheduler started")

	for {
		select {
		case <-ticker.C:
			s.TryTick(context.Background())
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// TryTick attempts one tick. If a prior tick is still running, this tick is
// skipped entirely rather than queued.
func (s *Scheduler) TryTick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.logger.Debug().Msg("tick already in progress, skipping")
		return
	}
	defer s.tickMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingTickDuration)
	metrics.SchedulingTicksTotal.Inc()

	s.promoteWaiting(ctx)
	s.drainQueued(ctx)
	s.checkHeartbeats(ctx)
}

// promoteWaiting is phase 1: evaluate up to maxWaitingBatch waiting tasks
// against the dependency gate.
func (s *Scheduler) promoteWaiting(ctx context.Context) {
	tasks, err := s.Store.ListWaitingTasks(ctx, maxWaitingBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("list waiting tasks")
		return
	}

	for _, t := range tasks {
		if _, err := s.Gate.HandleWaiting(ctx, t.ID, t.DependsOn); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("handle waiting task")
		}
	}
}

// drainQueued is phase 2: for up to maxQueuedBatch queued tasks, re-check
// dependency readiness, then attempt to claim a worker and launch.
func (s *Scheduler) drainQueued(ctx context.Context) {
	tasks, err := s.Store.ListQueuedTasks(ctx, maxQueuedBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("list queued tasks")
		return
	}

	for _, t := range tasks {
		s.drainOne(ctx, t)
	}
}

func (s *Scheduler) drainOne(ctx context.Context, t *types.Task) {
	logger := s.logger.With().Str("task_id", t.ID).Logger()

	// (a) dependencies may have regressed since promotion; demote or cancel
	// as needed and skip this task for the remainder of the tick either way.
	outcome, err := s.Gate.HandleQueued(ctx, t.ID, t.DependsOn)
	if err != nil {
		logger.Error().Err(err).Msg("handle queued task")
		return
	}
	if outcome != gate.QueuedReady {
		return
	}

	// (b) a container runtime that is down is a reason to skip, not fail —
	// the task stays queued for the next tick.
	if s.Runtime != nil && !s.Runtime.Available(ctx) {
		logger.Debug().Msg("container runtime unavailable, skipping this tick")
		return
	}

	// (c) a missing agent definition can never resolve itself; fail outright.
	def, err := s.Store.GetAgentDefinition(ctx, t.AgentDefinitionID)
	if err != nil || def == nil {
		retryCount := t.RetryCount
		summary := "agent definition not found: " + t.AgentDefinitionID
		if ok, _ := s.Status.UpdateTaskStatus(ctx, t.ID, types.TaskQueued, types.TaskFailed, statuswriter.Extra{
			RetryCount: &retryCount,
			Summary:    &summary,
		}); ok {
			metrics.TasksFailedTotal.Inc()
		}
		return
	}

	// (d) every required env var must be resolvable through the secrets
	// resolver's scope chain before a container is launched.
	if missing := s.missingRequiredEnvVars(t, def); len(missing) > 0 {
		s.warnMissingEnvVars(t.ID, missing)
		return
	}

	// (e) mint a deterministic worker id for this claim attempt.
	workerID := launcher.MintWorkerID(t.ID)

	// (f) atomically claim the task before touching the runtime, so two
	// overlapping ticks (impossible under TryTick, but a defensive
	// invariant for callers that bypass it) can never double-launch.
	assignedWorkerID := workerID
	ok, err := s.Status.UpdateTaskStatus(ctx, t.ID, types.TaskQueued, types.TaskRunning, statuswriter.Extra{
		AssignedWorkerID: &assignedWorkerID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("claim task")
		return
	}
	if !ok {
		return
	}

	// (g) launch the worker; a launch failure moves the task to failed (or
	// back to queued for retry) rather than leaving it stuck running with
	// no container.
	if err := s.Launcher.Launch(ctx, t, def, workerID); err != nil {
		logger.Error().Err(err).Msg("launch worker")
		s.failOrRetryLaunch(ctx, t)
		return
	}

	metrics.TasksScheduledTotal.Inc()
}

func (s *Scheduler) failOrRetryLaunch(ctx context.Context, t *types.Task) {
	if t.RetryCount >= t.MaxRetries {
		retryCount := t.RetryCount
		summary := "worker launch failed"
		s.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskFailed, statuswriter.Extra{
			RetryCount: &retryCount,
			Summary:    &summary,
		})
		metrics.TasksFailedTotal.Inc()
		return
	}

	retryCount := t.RetryCount + 1
	s.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskQueued, statuswriter.Extra{
		RetryCount:  &retryCount,
		ClearWorker: true,
	})
}

func (s *Scheduler) missingRequiredEnvVars(t *types.Task, def *types.AgentDefinition) []string {
	scope := types.EnvVarScope{RepoURL: t.RepoURL, AgentDefinitionID: def.ID}
	var missing []string
	for _, spec := range def.RequiredEnvVars {
		if !spec.Required {
			continue
		}
		if v, ok := s.Launcher.Secrets.Resolve(spec.Name, scope); !ok || v == "" {
			missing = append(missing, spec.Name)
		}
	}
	return missing
}

func (s *Scheduler) warnMissingEnvVars(taskID string, missing []string) {
	s.envVarWarnMu.Lock()
	defer s.envVarWarnMu.Unlock()

	last, seen := s.envVarWarnedAt[taskID]
	if seen && time.Since(last) < envVarLogSuppressWindow {
		return
	}
	s.envVarWarnedAt[taskID] = time.Now()
	s.logger.Warn().Str("task_id", taskID).Strs("missing_env_vars", missing).Msg("required env vars unresolved, leaving task queued")
}

// checkHeartbeats is phase 3: reap stale workers and apply the stale-task
// retry/fail policy.
func (s *Scheduler) checkHeartbeats(ctx context.Context) {
	if s.Heartbeat == nil {
		return
	}
	if err := s.Heartbeat.Check(ctx); err != nil {
		s.logger.Error().Err(err).Msg("heartbeat check")
	}
}
