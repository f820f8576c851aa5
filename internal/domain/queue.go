package domain

import (
	"context"
	"time"
)

// Lease is a job held by one consumer for a bounded time.
// Until it is completed or failed, the queue considers the job active;
// a lease left idle past the lock duration is picked up by the stall checker.
type Lease struct {
	// ID identifies this delivery; a redelivered job gets a new one.
	ID string
	// JobID identifies the job across redeliveries and retries.
	JobID        string
	Queue        string
	Name         string
	Data         []byte
	Token        string
	AttemptsMade int
	StalledCount int
	AcquiredAt   time.Time
}

// QueueCounts is a snapshot of a queue's job states.
type QueueCounts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// LeaseQueue defines the contract for a lock-based job queue.
// It decouples the pipeline from the backend (Redis streams, in-memory, ...).
type LeaseQueue interface {
	// Name identifies the queue in logs and metrics.
	Name() string

	// Add enqueues a payload under the given job name and returns the job id.
	Add(ctx context.Context, name string, payload []byte) (string, error)

	// GetNextJob blocks until a job is available or the poll interval elapses.
	// It returns a nil lease (and nil error) when nothing was available.
	GetNextJob(ctx context.Context, token string) (*Lease, error)

	// MoveToCompleted releases the lease and drops the job.
	MoveToCompleted(ctx context.Context, lease *Lease) error

	// MoveToFailed releases the lease and applies the queue's retry policy:
	// the job is retried after a backoff until its attempts are exhausted.
	MoveToFailed(ctx context.Context, lease *Lease, cause error) error

	// Counts reports the number of jobs in each state.
	Counts(ctx context.Context) (QueueCounts, error)
}

// StatusPublisher broadcasts correction progress.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
}

// StatusSubscriber streams correction progress from all components.
type StatusSubscriber interface {
	SubscribeStatus(ctx context.Context) (<-chan StatusEvent, error)
}
