package runtime_test

import (
	"os"
	"testing"

	"github.com/campipeline/cam/pkg/runtime"
	"github.com/stretchr/testify/require"
)

func TestDockerSocketPath_DefaultsWhenEnvUnset(t *testing.T) {
	os.Unsetenv("DOCKER_SOCKET_PATH")
	require.Equal(t, "/var/run/docker.sock", runtime.DockerSocketPath())
}

func TestDockerSocketPath_UsesEnvOverride(t *testing.T) {
	t.Setenv("DOCKER_SOCKET_PATH", "/custom/docker.sock")
	require.Equal(t, "/custom/docker.sock", runtime.DockerSocketPath())
}
