// Package docker implements the container runtime on the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/homeport-sh/homeport/internal/runtime"
)

// Runtime drives containers through the Docker daemon.
type Runtime struct {
	client *client.Client
}

// New creates a Docker runtime from the environment (DOCKER_HOST etc).
func New() (*Runtime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Close releases the underlying client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping checks connectivity with the Docker daemon.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return err
}

// PullImage pulls the image and drains the progress stream so the pull runs
// to completion before returning.
func (r *Runtime) PullImage(ctx context.Context, image string) error {
	resp, err := r.client.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer resp.Close()

	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", image, err)
	}
	return nil
}

// CreateContainer creates a container from the spec and returns its ID.
func (r *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	exposedPorts := make(network.PortSet)
	portBindings := make(network.PortMap)
	for hostPort, containerPort := range spec.Ports {
		port := network.MustParsePort(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []network.PortBinding{
			{HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}

	opts := client.ContainerCreateOptions{
		Name:  spec.Name,
		Image: spec.Image,
		Config: &container.Config{
			Env:          spec.Env,
			ExposedPorts: exposedPorts,
		},
		HostConfig: &container.HostConfig{
			Binds:         spec.Volumes,
			PortBindings:  portBindings,
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
	}

	result, err := r.client.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return result.ID, nil
}

// StartContainer starts a created container.
func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	_, err := r.client.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the daemon default timeout.
func (r *Runtime) StopContainer(ctx context.Context, containerID string) error {
	_, err := r.client.ContainerStop(ctx, containerID, client.ContainerStopOptions{})
	return err
}

// RemoveContainer removes a container.
func (r *Runtime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := r.client.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	return err
}

// ContainerStatus reports the daemon state of a container.
func (r *Runtime) ContainerStatus(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	result, err := r.client.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.StateUnknown, runtime.ErrContainerNotFound
		}
		return runtime.StateUnknown, err
	}
	return mapContainerState(string(result.Container.State.Status)), nil
}

func mapContainerState(status string) runtime.ContainerState {
	switch status {
	case "created":
		return runtime.StateCreated
	case "running", "restarting":
		return runtime.StateRunning
	case "paused", "dead":
		return runtime.StateStopped
	case "exited":
		return runtime.StateExited
	default:
		return runtime.StateUnknown
	}
}
