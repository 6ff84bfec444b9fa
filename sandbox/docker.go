// Package sandbox provides isolation backends for worker shell
// execution. The Docker backend wraps commands to run inside a
// long-lived container with the workspace bind-mounted.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	arbor "github.com/okvist/arbor"
)

// DockerOption configures a Docker sandbox.
type DockerOption func(*Docker)

// WithImage sets the container image (default "debian:bookworm-slim").
func WithImage(image string) DockerOption {
	return func(d *Docker) { d.image = image }
}

// WithDockerLogger sets the structured logger.
func WithDockerLogger(l *slog.Logger) DockerOption {
	return func(d *Docker) { d.logger = l }
}

// Docker implements arbor.Sandbox by running commands inside a
// container via `docker exec`. Ensure starts (or reuses) one container
// per workspace with the workspace bind-mounted at the same path, so
// relative paths behave identically inside and out.
type Docker struct {
	cli           *client.Client
	image         string
	containerName string
	workspace     string
	logger        *slog.Logger
	ready         bool
}

var _ arbor.Sandbox = (*Docker)(nil)

// NewDocker creates a Docker sandbox for one workspace. The client uses
// environment configuration (DOCKER_HOST etc.).
func NewDocker(workspace, containerName string, opts ...DockerOption) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	d := &Docker{
		cli:           cli,
		image:         "debian:bookworm-slim",
		containerName: containerName,
		workspace:     workspace,
		logger:        arbor.NopLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Ensure creates and starts the sandbox container if it is not already
// running. Idempotent.
func (d *Docker) Ensure(ctx context.Context) error {
	if d.ready {
		return nil
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("sandbox: list containers: %w", err)
	}
	for _, c := range containers {
		for _, name := range c.Names {
			if name == "/"+d.containerName {
				if c.State != "running" {
					if err := d.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
						return fmt.Errorf("sandbox: start container: %w", err)
					}
				}
				d.ready = true
				return nil
			}
		}
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      d.image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: d.workspace,
			ExposedPorts: nat.PortSet{},
		},
		&container.HostConfig{
			Binds:       []string{d.workspace + ":" + d.workspace},
			NetworkMode: "bridge",
		},
		nil, nil, d.containerName)
	if err != nil {
		return fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start container: %w", err)
	}

	d.logger.Info("sandbox container started", "name", d.containerName, "image", d.image)
	d.ready = true
	return nil
}

// Wrap rewrites an invocation to run inside the sandbox container.
func (d *Docker) Wrap(cmd string, args []string, cwd string) (string, []string) {
	wrapped := []string{"exec", "--workdir", cwd, d.containerName, cmd}
	wrapped = append(wrapped, args...)
	return "docker", wrapped
}

// Close shuts down the Docker client. The container is left running for
// reuse across restarts.
func (d *Docker) Close() error {
	return d.cli.Close()
}
