/*
Package log provides structured logging for the control plane using zerolog.

It wraps zerolog with a single package-level Logger, configurable level and
output, and helper constructors for attaching component, task, and worker
context to a child logger.

# Usage

Initializing the logger:

	import "github.com/campipeline/cam/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("scheduler started")
	log.Warn("worker heartbeat missed")
	log.Error("failed to launch container")

Structured and component logging:

	log.Logger.Info().Str("task_id", "task-123").Msg("task claimed")

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Debug().Int("batch_size", 20).Msg("draining queued tasks")

	taskLog := log.WithTaskID("task-123")
	taskLog.Info().Msg("task started")

# Design

A single global Logger instance, set once by Init and read everywhere,
avoids threading a logger through every constructor. Context loggers
(WithComponent, WithTaskID, WithWorkerID) attach fields once and are then
passed down a call chain instead of repeating Str(...) at every call site.

Never log secret values: env var resolution only ever logs names.
*/
package log
