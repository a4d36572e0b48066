// Package runtime abstracts the container engine the install worker drives.
// The docker subpackage is the real implementation; Mock backs demo mode and
// tests. The driver is selected once at process startup.
package runtime

import (
	"context"
	"errors"
)

// ErrContainerNotFound is returned when an operation references a container
// the engine does not know.
var ErrContainerNotFound = errors.New("container not found")

// ContainerState is the engine-reported state of a container.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateExited  ContainerState = "exited"
	StateUnknown ContainerState = "unknown"
)

// ContainerSpec describes the container an install creates.
type ContainerSpec struct {
	Name  string
	Image string
	// Env is KEY=VALUE pairs.
	Env []string
	// Ports maps host ports to container ports.
	Ports map[int]int
	// Volumes lists host:container mount pairs.
	Volumes []string
}

// Runtime is the container engine interface the install worker uses.
type Runtime interface {
	// PullImage fetches the image, blocking until the pull finishes.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates a container from spec and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer removes a container.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// ContainerStatus reports the engine state of a container. A missing
	// container returns ErrContainerNotFound.
	ContainerStatus(ctx context.Context, containerID string) (ContainerState, error)

	// Ping checks connectivity with the engine.
	Ping(ctx context.Context) error
}
