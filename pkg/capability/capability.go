// Package capability answers read-only questions about the current set of
// worker rows: which are eligible to take work, which support a given agent,
// and which environment variable names they collectively report. It holds no
// state of its own and makes no store calls — callers pass in the worker
// rows they already loaded.
package capability

import (
	"time"

	"github.com/campipeline/cam/pkg/types"
)

// Policy parameterizes eligibility: the current time and the heartbeat
// staleness threshold, matching the same WORKER_STALE_TIMEOUT_MS the
// heartbeat monitor and startup recovery use.
type Policy struct {
	NowMs         int64
	StaleTimeoutMs int64
}

func (p Policy) now() time.Time {
	return time.UnixMilli(p.NowMs)
}

func (p Policy) staleTimeout() time.Duration {
	return time.Duration(p.StaleTimeoutMs) * time.Millisecond
}

// IsEligible reports whether a worker can currently be offered work: it must
// be a self-registering daemon worker (container-launched workers are
// claimed by the scheduler directly, not offered), in idle or busy state,
// and heartbeating within the staleness threshold.
func IsEligible(worker *types.Worker, policy Policy) bool {
	if worker.Mode != types.ModeDaemon {
		return false
	}
	if worker.Status != types.WorkerIdle && worker.Status != types.WorkerBusy {
		return false
	}
	return policy.now().Sub(worker.LastHeartbeatAt) < policy.staleTimeout()
}

// SupportsAgent reports whether a worker declares support for an agent definition.
func SupportsAgent(worker *types.Worker, agentDefinitionID string) bool {
	for _, id := range worker.SupportedAgentIDs {
		if id == agentDefinitionID {
			return true
		}
	}
	return false
}

// CollectEnvVarsForAgent unions the reported env-var names across every
// eligible worker that supports agentDefinitionID. This lets the external
// task-creation admission check treat a secret missing on the server as
// available if some daemon worker reports it locally.
func CollectEnvVarsForAgent(workers []*types.Worker, agentDefinitionID string, policy Policy) map[string]struct{} {
	names := make(map[string]struct{})
	for _, w := range workers {
		if !IsEligible(w, policy) || !SupportsAgent(w, agentDefinitionID) {
			continue
		}
		for _, name := range w.ReportedEnvVars {
			names[name] = struct{}{}
		}
	}
	return names
}
