// Package launcher turns a claimed task into a running worker container:
// it provisions a shared artifact volume for pipeline cohorts, assembles the
// worker's environment, and creates and starts the container.
package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/runtime"
	"github.com/campipeline/cam/pkg/secrets"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

const pipelineArtifactDir = "/cam-pipeline-artifacts"

// Config carries the launcher's process-wide settings.
type Config struct {
	APIServerURL  string
	APIAuthToken  string
	WorkDir       string
	NetworkMode   string // defaults to "host"
}

// Launcher assembles and starts a worker for a claimed task.
type Launcher struct {
	Runtime  runtime.Runtime
	Store    storage.Store
	Secrets  *secrets.Resolver
	Emitter  events.Broadcaster
	Config   Config
}

// New constructs a Launcher.
func New(rt runtime.Runtime, store storage.Store, resolver *secrets.Resolver, emitter events.Broadcaster, cfg Config) *Launcher {
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "host"
	}
	return &Launcher{Runtime: rt, Store: store, Secrets: resolver, Emitter: emitter, Config: cfg}
}

// Launch creates and starts a container for task on workerID, using def's
// image and command. The worker row is upserted as container-mode/busy
// before the container is started, so a crash between create and start still
// leaves a worker row the heartbeat monitor can reap.
func (l *Launcher) Launch(ctx context.Context, task *types.Task, def *types.AgentDefinition, workerID string) error {
	logger := log.WithTaskID(task.ID).With().Str("worker_id", workerID).Logger()

	var mounts []runtime.Mount
	env := l.baseEnv(task, def, workerID)

	if task.IsPipeline() {
		volName := pipelineVolumeName(task.GroupID)
		if err := l.Runtime.CreateVolume(ctx, runtime.VolumeSpec{Name: volName}); err != nil {
			return fmt.Errorf("launcher: create pipeline volume: %w", err)
		}
		mounts = append(mounts, runtime.Mount{Source: volName, Target: pipelineArtifactDir})
		env = append(env,
			"CAM_PIPELINE_ARTIFACT_DIR="+pipelineArtifactDir,
			"CAM_PIPELINE_GROUP_ID="+task.GroupID,
		)
	}

	scope := types.EnvVarScope{RepoURL: task.RepoURL, AgentDefinitionID: task.AgentDefinitionID}
	seen := make(map[string]bool, len(env))
	for _, kv := range env {
		seen[kv] = true
	}
	for _, spec := range def.RequiredEnvVars {
		if v, ok := l.Secrets.Resolve(spec.Name, scope); ok {
			kv := spec.Name + "=" + v
			if !seen[kv] {
				env = append(env, kv)
				seen[kv] = true
			}
		} else if spec.Required {
			// The scheduler already verified required env vars are
			// available before calling Launch; this is a defensive log
			// only, not a failure path.
			logger.Warn().Str("env_var", spec.Name).Msg("required env var unresolved at launch time")
		}
	}

	if token, ok := l.Secrets.Resolve("GITHUB_TOKEN", scope); ok {
		env = append(env, "GITHUB_TOKEN="+token)
	} else if token, ok := l.Secrets.ResolveGitHubToken(); ok {
		env = append(env, "GITHUB_TOKEN="+token)
	}

	labels := map[string]string{
		"cam.task-id":           task.ID,
		"cam.agent-def-id":      task.AgentDefinitionID,
		"cam.worker-id":         workerID,
		"cam.pipeline-group-id": task.GroupID,
	}

	spec := runtime.ContainerSpec{
		Image:         def.DockerImage,
		Command:       def.Command,
		Args:          def.Args,
		Env:           env,
		Labels:        labels,
		Mounts:        mounts,
		NetworkMode:   l.Config.NetworkMode,
		MemoryLimitMb: def.DefaultResourceLimits.MemoryLimitMb,
		AutoRemove:    true,
	}

	containerName := "cam-worker-" + workerID
	containerID, err := l.Runtime.CreateContainer(ctx, containerName, spec)
	if err != nil {
		return fmt.Errorf("launcher: create container: %w", err)
	}

	now := time.Now()
	worker := &types.Worker{
		ID:              workerID,
		SupportedAgentIDs: []string{task.AgentDefinitionID},
		Status:          types.WorkerBusy,
		CurrentTaskID:   task.ID,
		LastHeartbeatAt: now,
		Mode:            types.ModeContainer,
		CreatedAt:       now,
	}
	if err := l.Store.UpsertWorker(ctx, worker); err != nil {
		return fmt.Errorf("launcher: upsert worker row: %w", err)
	}

	if err := l.Runtime.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("launcher: start container %s: %w", containerID, err)
	}

	l.Emitter.Broadcast("task.started", map[string]any{
		"taskId":      task.ID,
		"workerId":    workerID,
		"containerId": containerID,
	})
	logger.Info().Str("container_id", containerID).Msg("worker container started")
	return nil
}

func (l *Launcher) baseEnv(task *types.Task, def *types.AgentDefinition, workerID string) []string {
	env := []string{
		"WORKER_ID=" + workerID,
		"TASK_ID=" + task.ID,
		"AGENT_DEF_ID=" + def.ID,
		"REPO_URL=" + task.RepoURL,
		"BASE_BRANCH=" + task.BaseBranch,
		"WORK_BRANCH=" + task.WorkBranch,
		"TASK_DESCRIPTION=" + task.Description,
	}
	if l.Config.APIServerURL != "" {
		env = append(env, "API_SERVER_URL="+l.Config.APIServerURL)
	}
	if l.Config.WorkDir != "" {
		env = append(env, "WORK_DIR="+l.Config.WorkDir)
	}
	if l.Config.APIAuthToken != "" {
		env = append(env, "API_AUTH_TOKEN="+l.Config.APIAuthToken)
	}
	return env
}

// pipelineVolumeName derives a stable, filesystem-safe volume name from a
// pipeline group id so every task in the same cohort mounts the same volume.
func pipelineVolumeName(groupID string) string {
	sum := sha256.Sum256([]byte(groupID))
	return "cam-pipeline-" + hex.EncodeToString(sum[:])[:16]
}

// MintWorkerID derives a deterministic worker id for a claimed task.
func MintWorkerID(taskID string) string {
	if len(taskID) >= 8 {
		return "worker-" + taskID[:8]
	}
	return "worker-" + taskID
}
