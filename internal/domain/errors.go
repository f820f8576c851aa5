package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLeaseLost is returned when a lease is no longer held by its consumer,
	// typically because the stall checker reclaimed it.
	ErrLeaseLost = errors.New("lease lost")

	// ErrContainerNotFound is returned when the engine does not know the container.
	ErrContainerNotFound = errors.New("container not found")

	// ErrAbnormalTermination marks containers ended by an external kill or destroy.
	ErrAbnormalTermination = errors.New("container was killed or destroyed")
)

// ConnectionTimeoutError is returned when the engine does not answer in time.
type ConnectionTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("%s: engine did not respond within %s", e.Op, e.Timeout)
}

// ContainerCreationError wraps a failed container creation.
type ContainerCreationError struct {
	Image string
	Err   error
}

func (e *ContainerCreationError) Error() string {
	return fmt.Sprintf("failed to create container for image %s: %v", e.Image, e.Err)
}

func (e *ContainerCreationError) Unwrap() error { return e.Err }

// ContainerStartError wraps a failed container start.
type ContainerStartError struct {
	ContainerID string
	Err         error
}

func (e *ContainerStartError) Error() string {
	return fmt.Sprintf("failed to start container %s: %v", e.ContainerID, e.Err)
}

func (e *ContainerStartError) Unwrap() error { return e.Err }

// ContainerTimeoutError is returned when a container outlives its max runtime.
type ContainerTimeoutError struct {
	ContainerID string
	MaxRuntime  time.Duration
}

func (e *ContainerTimeoutError) Error() string {
	return fmt.Sprintf("container %s timed out after %s", e.ContainerID, e.MaxRuntime)
}

// ResponseTooLargeError is returned when a log channel exceeds the size ceiling.
type ResponseTooLargeError struct {
	Limit int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response size limit exceeded (%d bytes)", e.Limit)
}

// InvalidResponseFormatError is returned when the container output is not a valid response.
// Logs keeps the raw output for local diagnostics; it is never part of Error().
type InvalidResponseFormatError struct {
	Reason string
	Logs   string
}

func (e *InvalidResponseFormatError) Error() string {
	return "invalid response format: " + e.Reason
}

// NotificationError is returned when the callback could not be delivered.
type NotificationError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to send notification to %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to send notification to %s. Status: %d", e.URL, e.StatusCode)
}

func (e *NotificationError) Unwrap() error { return e.Err }
