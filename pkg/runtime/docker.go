package runtime

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerRuntime launches workers as ephemeral Docker containers through a
// ContainerCreate/ContainerStart sequence; it does not wait on them.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon at socketPath (empty means
// the client's default, DOCKER_HOST-aware resolution).
func NewDockerRuntime(socketPath string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// DockerSocketPath resolves the socket path from DOCKER_SOCKET_PATH, or the
// conventional default.
func DockerSocketPath() string {
	if v := os.Getenv("DOCKER_SOCKET_PATH"); v != "" {
		return v
	}
	return "/var/run/docker.sock"
}

func (d *DockerRuntime) Available(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

func (d *DockerRuntime) CreateVolume(ctx context.Context, spec VolumeSpec) error {
	existing, err := d.cli.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", spec.Name)),
	})
	if err != nil {
		return fmt.Errorf("runtime: list volumes: %w", err)
	}
	for _, v := range existing.Volumes {
		if v.Name == spec.Name {
			return nil
		}
	}

	_, err = d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: spec.Name})
	if err != nil {
		// A concurrent launcher may have won the race between our list and
		// create calls; docker reports that as a conflict, not fatal here.
		if errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("runtime: create volume: %w", err)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   append(append([]string{}, spec.Command...), spec.Args...),
		Env:   spec.Env,
		Labels: spec.Labels,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mt := mount.TypeBind
		if len(m.Source) > 0 && m.Source[0] != '/' {
			mt = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  spec.AutoRemove,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Mounts:      mounts,
	}
	if spec.MemoryLimitMb > 0 {
		hostCfg.Resources = container.Resources{
			Memory: spec.MemoryLimitMb * 1024 * 1024,
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("runtime: start container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, containerID string, tailLines int) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
}
