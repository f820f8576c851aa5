package domain

import (
	"context"
	"time"
)

// ExerciseMountPath is where the exercise file appears inside every correction container.
// Correction images depend on it; changing it is a breaking change.
const ExerciseMountPath = "/tmp/exercise"

// Labels attached to every correction container.
const (
	LabelManaged = "correctomatic.managed"
	LabelWorkID  = "correctomatic.work_id"
)

// ContainerSpec describes a correction container to create.
type ContainerSpec struct {
	Image string
	// File is the host path bind-mounted read-only at ExerciseMountPath.
	File string
	// Env holds KEY=VALUE strings.
	Env    []string
	Labels map[string]string
}

// ContainerState is the engine's view of a container.
type ContainerState struct {
	ID        string
	Status    string
	ExitCode  int
	StartedAt time.Time
}

// Exited reports whether the container process has finished.
func (s ContainerState) Exited() bool {
	return s.Status == "exited" || s.Status == "dead"
}

// ExitStatus is the result of waiting on a container.
type ExitStatus struct {
	ExitCode int
}

// Container lifecycle actions the completer reacts to.
const (
	EventDie     = "die"
	EventKill    = "kill"
	EventDestroy = "destroy"
)

// ContainerEvent is a lifecycle notification from the engine.
type ContainerEvent struct {
	ContainerID string
	Action      string
	Time        time.Time
}

// Abnormal reports whether the event signals an external kill or destroy.
func (e ContainerEvent) Abnormal() bool {
	return e.Action == EventKill || e.Action == EventDestroy
}

// ContainerRuntime defines the contract for managing correction containers.
// Implementations handle the low-level container lifecycle; they know nothing about queues.
type ContainerRuntime interface {
	// EnsurePulled makes the image available locally, pulling it if missing.
	EnsurePulled(ctx context.Context, image string) error

	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, containerID string) error

	// Inspect returns the current state of a container.
	Inspect(ctx context.Context, containerID string) (ContainerState, error)

	// AwaitExit waits for the container to stop. When maxRuntime elapses first
	// the container is killed and a ContainerTimeoutError is returned.
	AwaitExit(ctx context.Context, containerID string, maxRuntime time.Duration) (ExitStatus, error)

	// CaptureLogs returns stdout followed by stderr, each right-trimmed.
	CaptureLogs(ctx context.Context, containerID string) (string, error)

	// Kill forcibly stops a running container.
	Kill(ctx context.Context, containerID string) error

	// Remove deletes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, containerID string) error

	// Events streams die/kill/destroy events for managed containers since the given time.
	Events(ctx context.Context, since time.Time) (<-chan ContainerEvent, <-chan error)
}
