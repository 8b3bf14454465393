package agentadapter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// runContainerized runs command inside a throwaway container built from
// Config.ContainerImage, bind-mounting workspace at /workspace, and blocks
// until the container exits or ctx is cancelled. It returns the container's
// stdout, stderr, and exit code.
func (a *Adapter) runContainerized(ctx context.Context, workspace, command string) (string, string, int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: failed to initialize docker client: %v", ErrAgentInvocation, err)
	}
	defer cli.Close()

	sessionName := fmt.Sprintf("taskorch-test-%d", time.Now().UnixNano())

	containerConfig := &container.Config{
		Image:      a.Config.ContainerImage,
		Cmd:        []string{"sh", "-c", command},
		Tty:        false,
		WorkingDir: "/workspace",
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspace, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sessionName)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: failed to create test container: %v", ErrAgentInvocation, err)
	}
	defer cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", "", 0, fmt.Errorf("%w: failed to start test container: %v", ErrAgentInvocation, err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	exitCode := -1
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				exitCode = 124
			} else {
				return "", "", 0, fmt.Errorf("%w: error waiting for test container: %v", ErrAgentInvocation, err)
			}
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs, err := cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("%w: failed to read test container logs: %v", ErrAgentInvocation, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)

	return stdout.String(), stderr.String(), exitCode, nil
}
