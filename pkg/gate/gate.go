// Package gate implements the Dependency Gate: the classification of a
// task's dependsOn set into ready/pending/blocked, and the compare-and-swap
// transitions that follow from that classification.
package gate

import (
	"context"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

// Classification is the readiness verdict for a set of dependencies.
type Classification string

const (
	Ready   Classification = "ready"
	Pending Classification = "pending"
	Blocked Classification = "blocked"
)

// WaitingOutcome is what HandleWaiting reports back to the caller.
type WaitingOutcome string

const (
	Promoted WaitingOutcome = "promoted"
	StillPending WaitingOutcome = "pending"
	WaitingBlocked WaitingOutcome = "blocked"
)

// QueuedOutcome is what HandleQueued reports back to the caller.
type QueuedOutcome string

const (
	QueuedReady   QueuedOutcome = "ready"
	QueuedBlocked QueuedOutcome = "blocked"
	QueuedWaiting QueuedOutcome = "waiting"
)

const blockedReason = "dependency_blocked"

// Gate evaluates dependency readiness against a Store and applies the
// resulting transition table from spec.md §4.2.
type Gate struct {
	Store   storage.Store
	Emitter events.Broadcaster
}

// New constructs a Gate.
func New(store storage.Store, emitter events.Broadcaster) *Gate {
	return &Gate{Store: store, Emitter: emitter}
}

// Classify loads dependency states in one batch query and classifies them.
func (g *Gate) Classify(ctx context.Context, dependsOn []string) (Classification, error) {
	if len(dependsOn) == 0 {
		return Ready, nil
	}

	states, err := g.Store.GetDependencyStates(ctx, dependsOn)
	if err != nil {
		return "", err
	}

	allCompleted := true
	for _, s := range states {
		if !s.Found || s.Status == types.TaskFailed || s.Status == types.TaskCancelled {
			return Blocked, nil
		}
		if s.Status != types.TaskCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return Ready, nil
	}
	return Pending, nil
}

// HandleWaiting evaluates a waiting task's dependencies and applies the
// waiting-entry row of the transition table.
func (g *Gate) HandleWaiting(ctx context.Context, taskID string, dependsOn []string) (WaitingOutcome, error) {
	logger := log.WithTaskID(taskID)

	class, err := g.Classify(ctx, dependsOn)
	if err != nil {
		return "", err
	}

	switch class {
	case Ready:
		ok, err := g.Store.CASTaskStatus(ctx, taskID, types.TaskWaiting, types.TaskQueued, storage.TaskMutation{
			QueuedAt: timePtr(time.Now()),
		})
		if err != nil {
			return "", err
		}
		if !ok {
			logger.Debug().Msg("waiting->queued CAS lost race, skipping")
			return StillPending, nil
		}
		g.Emitter.Broadcast("task.dependencies_satisfied", map[string]any{
			"taskId":    taskID,
			"dependsOn": dependsOn,
		})
		return Promoted, nil

	case Pending:
		return StillPending, nil

	case Blocked:
		summary := blockedReason
		ok, err := g.Store.CASTaskStatus(ctx, taskID, types.TaskWaiting, types.TaskCancelled, storage.TaskMutation{
			Summary: &summary,
		})
		if err != nil {
			return "", err
		}
		if !ok {
			return StillPending, nil
		}
		logger.Info().Msg("task blocked by failed/cancelled/missing dependency, cancelling")
		return WaitingBlocked, nil

	default:
		return StillPending, nil
	}
}

// HandleQueued evaluates a queued task's dependencies and applies the
// queued-entry row of the transition table.
func (g *Gate) HandleQueued(ctx context.Context, taskID string, dependsOn []string) (QueuedOutcome, error) {
	logger := log.WithTaskID(taskID)

	class, err := g.Classify(ctx, dependsOn)
	if err != nil {
		return "", err
	}

	switch class {
	case Ready:
		return QueuedReady, nil

	case Pending:
		ok, err := g.Store.CASTaskStatus(ctx, taskID, types.TaskQueued, types.TaskWaiting, storage.TaskMutation{})
		if err != nil {
			return "", err
		}
		if !ok {
			return QueuedReady, nil
		}
		logger.Info().Msg("dependencies regressed, demoting queued task back to waiting")
		return QueuedWaiting, nil

	case Blocked:
		summary := blockedReason
		ok, err := g.Store.CASTaskStatus(ctx, taskID, types.TaskQueued, types.TaskCancelled, storage.TaskMutation{
			Summary: &summary,
		})
		if err != nil {
			return "", err
		}
		if !ok {
			return QueuedReady, nil
		}
		logger.Info().Msg("task blocked by failed/cancelled/missing dependency, cancelling")
		return QueuedBlocked, nil

	default:
		return QueuedReady, nil
	}
}

func timePtr(t time.Time) *time.Time { return &t }
