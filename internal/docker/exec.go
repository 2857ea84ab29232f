// Package docker runs commands inside the containers of a docker compose project.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"tb-go/internal/tb"
)

const (
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"
)

// ErrServiceNotRunning is returned when no running container backs a compose service.
var ErrServiceNotRunning = errors.New("service not running")

// ExitError reports a command that ran in a container and exited non-zero.
type ExitError struct {
	Service  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Service, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Exec implements tb.ContainerExec over the Docker Engine API.
type Exec struct {
	client  *client.Client
	project string
	logger  tb.Logger
}

// NewExec connects to the daemon configured by the DOCKER_* environment.
func NewExec(project string, logger tb.Logger) (*Exec, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewExecWithClient(cli, project, logger), nil
}

// NewExecWithClient creates an Exec over an existing client.
func NewExecWithClient(cli *client.Client, project string, logger tb.Logger) *Exec {
	return &Exec{client: cli, project: project, logger: logger}
}

func (e *Exec) Close() error {
	return e.client.Close()
}

// Exec runs cmd in the running container of service and waits for it to finish.
func (e *Exec) Exec(ctx context.Context, service string, cmd []string, env []string) (*tb.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	id, err := e.containerFor(ctx, service)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("exec in container", "service", service, "container", shortID(id), "cmd", cmd[0])

	created, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", service, err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec in %s: %w", service, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output from %s: %w", service, err)
	}

	inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec in %s: %w", service, err)
	}

	result := &tb.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}
	if inspect.ExitCode != 0 {
		return result, &ExitError{Service: service, ExitCode: inspect.ExitCode, Stderr: tail(stderr.String(), 512)}
	}
	return result, nil
}

// containerFor finds the running container of service in the compose project.
func (e *Exec) containerFor(ctx context.Context, service string) (string, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", projectLabel+"="+e.project),
			filters.Arg("label", serviceLabel+"="+service),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return "", fmt.Errorf("listing containers: %w", err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("%w: %s/%s", ErrServiceNotRunning, e.project, service)
	}
	return containers[0].ID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

var _ tb.ContainerExec = (*Exec)(nil)
