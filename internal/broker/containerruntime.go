package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"sessiond/internal/logging"
)

// ContainerRuntime creates and starts a per-user isolation container on
// demand and opens an interactive exec stream against it, using the
// standard ContainerExecCreate / ContainerExecAttach / ContainerExecResize
// sequence.
type ContainerRuntime interface {
	// EnsureUserContainer returns the id of a running, long-lived
	// container for userId, creating one if none exists yet.
	EnsureUserContainer(ctx context.Context, userID string) (containerID string, err error)
	// OpenExec starts an interactive exec session inside containerID and
	// returns the hijacked duplex stream plus the runtime-assigned exec id
	// (needed for later resize calls).
	OpenExec(ctx context.Context, containerID string, opts ExecOptions) (*ExecStream, error)
	// ResizeExec invokes the runtime's exec-resize API.
	ResizeExec(ctx context.Context, execID string, cols, rows int) error
}

// ExecOptions parametrizes an interactive exec session.
type ExecOptions struct {
	User       string
	WorkingDir string
	Cmd        []string
	Cols, Rows int
}

// ExecStream is the hijacked duplex connection returned by ContainerExecAttach,
// plus the runtime-assigned exec id needed for later resize calls.
type ExecStream struct {
	ExecID string
	Reader interface{ Read([]byte) (int, error) }
	Conn   interface {
		Write([]byte) (int, error)
		Close() error
	}
}

// DockerImage is the image used for per-user long-lived containers.
const DockerImage = "sessiond-workspace:latest"

// DockerContainerRuntime implements ContainerRuntime against a real Docker
// daemon via the Docker SDK, keeping one long-lived "sleep infinity"
// container per user and running each session as an exec inside it.
type DockerContainerRuntime struct {
	client *client.Client

	mu         sync.Mutex
	containers map[string]string // userID -> containerID
}

// NewDockerContainerRuntime dials the Docker daemon using env-driven
// client options (DOCKER_HOST, DOCKER_API_VERSION, etc).
func NewDockerContainerRuntime() (*DockerContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	return &DockerContainerRuntime{client: cli, containers: make(map[string]string)}, nil
}

func (r *DockerContainerRuntime) EnsureUserContainer(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	id, ok := r.containers[userID]
	r.mu.Unlock()
	if ok && r.isRunning(ctx, id) {
		return id, nil
	}

	name := "sessiond-user-" + userID
	created, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      DockerImage,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/home/developer",
		Tty:        false,
	}, &container.HostConfig{}, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("ensure user container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start user container: %w", err)
	}

	r.mu.Lock()
	r.containers[userID] = created.ID
	r.mu.Unlock()
	logging.S().Infow("user container started", "userId", userID, "containerId", created.ID)
	return created.ID, nil
}

func (r *DockerContainerRuntime) isRunning(ctx context.Context, containerID string) bool {
	info, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (r *DockerContainerRuntime) OpenExec(ctx context.Context, containerID string, opts ExecOptions) (*ExecStream, error) {
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash"}
	}
	user := opts.User
	if user == "" {
		user = "developer"
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = "/home/developer"
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   workingDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
	}

	resp, err := r.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := r.client.ContainerExecResize(ctx, resp.ID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	}); err != nil {
		return nil, fmt.Errorf("exec resize: %w", err)
	}

	return &ExecStream{
		ExecID: resp.ID,
		Reader: attach.Reader,
		Conn:   attach.Conn,
	}, nil
}

func (r *DockerContainerRuntime) ResizeExec(ctx context.Context, execID string, cols, rows int) error {
	return r.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}
