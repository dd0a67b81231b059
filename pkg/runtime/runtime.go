// Package runtime defines the container-runtime contract the Worker
// Launcher depends on, and a Docker-backed implementation.
package runtime

import (
	"context"
	"io"
)

// VolumeSpec describes a named volume the launcher wants available before
// a container starts.
type VolumeSpec struct {
	Name string
}

// Mount is a single bind or named-volume mount into a container.
type Mount struct {
	Source   string // host path or volume name
	Target   string
	ReadOnly bool
}

// ContainerSpec is the runtime-agnostic description of a worker container.
type ContainerSpec struct {
	Image       string
	Command     []string
	Args        []string
	Env         []string // "KEY=VALUE" pairs
	Labels      map[string]string
	Mounts      []Mount
	NetworkMode string
	MemoryLimitMb int64
	AutoRemove  bool
}

// Runtime is the container-execution contract the launcher depends on. It
// is satisfied by DockerRuntime; tests satisfy it with a fake.
type Runtime interface {
	// Available reports whether the runtime can currently accept work. The
	// scheduler treats an unavailable runtime as a reason to skip a task
	// rather than fail it.
	Available(ctx context.Context) bool

	// CreateVolume creates a named volume if it does not already exist.
	// Implementations must treat "already exists" as success.
	CreateVolume(ctx context.Context, spec VolumeSpec) error

	// CreateContainer creates (but does not start) a container and returns
	// its runtime-assigned id.
	CreateContainer(ctx context.Context, name string, spec ContainerSpec) (containerID string, err error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, containerID string) error

	// Logs returns the tail of a container's combined stdout/stderr, best
	// effort, for failure diagnostics.
	Logs(ctx context.Context, containerID string, tailLines int) (io.ReadCloser, error)
}
