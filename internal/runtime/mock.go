package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Runtime. Demo mode runs on it, and worker tests use
// it to drive installs without a container engine.
type Mock struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*mockContainer

	// PullErr, when set, is returned by PullImage. The other *Err fields
	// work the same way, letting tests inject failures at each phase.
	PullErr   error
	CreateErr error
	StartErr  error
}

type mockContainer struct {
	spec  ContainerSpec
	state ContainerState
}

// NewMock creates an empty mock runtime.
func NewMock() *Mock {
	return &Mock{containers: make(map[string]*mockContainer)}
}

// PullImage pretends to pull. It always succeeds unless PullErr is set.
func (m *Mock) PullImage(ctx context.Context, image string) error {
	return m.PullErr
}

// CreateContainer records the spec and returns a generated ID.
func (m *Mock) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if m.CreateErr != nil {
		return "", m.CreateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.containers[id] = &mockContainer{spec: spec, state: StateCreated}
	return id, nil
}

// StartContainer moves a created container to running.
func (m *Mock) StartContainer(ctx context.Context, containerID string) error {
	if m.StartErr != nil {
		return m.StartErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return ErrContainerNotFound
	}
	c.state = StateRunning
	return nil
}

// StopContainer moves a running container to stopped.
func (m *Mock) StopContainer(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return ErrContainerNotFound
	}
	c.state = StateStopped
	return nil
}

// RemoveContainer forgets a container.
func (m *Mock) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[containerID]; !ok {
		return ErrContainerNotFound
	}
	delete(m.containers, containerID)
	return nil
}

// ContainerStatus reports the recorded state.
func (m *Mock) ContainerStatus(ctx context.Context, containerID string) (ContainerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return StateUnknown, ErrContainerNotFound
	}
	return c.state, nil
}

// Ping always succeeds.
func (m *Mock) Ping(ctx context.Context) error {
	return nil
}

// Spec returns the spec a container was created with, for test assertions.
func (m *Mock) Spec(containerID string) (ContainerSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[containerID]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}
