package queue

import (
	"encoding/json"
	"math"
	"time"
)

// BackoffType selects how the delay between retries grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the delay before a failed job is retried.
type Backoff struct {
	Type   BackoffType
	Delay  time.Duration
	Factor float64
}

// Next returns the delay before the retry following attemptsMade failures.
// Exponential backoff waits Delay * Factor^(attemptsMade-1).
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}
	return time.Duration(float64(b.Delay) * math.Pow(factor, float64(attemptsMade-1)))
}

// Options configures the lease and retry policy of a queue.
type Options struct {
	// LockDuration is how long a lease stays valid without being completed.
	LockDuration time.Duration
	// MaxStalledCount is how many times an expired lease is redelivered before the job fails.
	MaxStalledCount int
	// StalledInterval is how often expired leases are looked for.
	StalledInterval time.Duration
	// Attempts is the total number of tries a job gets (1 means no retry).
	Attempts int
	Backoff  Backoff
	// PollInterval bounds how long GetNextJob blocks when the queue is empty.
	PollInterval time.Duration
}

// Default policy values.
const (
	DefaultLockDuration    = 30 * time.Second
	DefaultStalledInterval = 30 * time.Second
	DefaultPollInterval    = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = DefaultStalledInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	return o
}

// retryDelay decides whether a job that has now failed attemptsMade times gets another try.
func (o Options) retryDelay(attemptsMade int) (time.Duration, bool) {
	if attemptsMade >= o.Attempts {
		return 0, false
	}
	return o.Backoff.Next(attemptsMade), true
}

// stalledTooOften reports whether a job exceeded its allowed number of stalls.
func (o Options) stalledTooOften(stalledCount int) bool {
	return stalledCount > o.MaxStalledCount
}

const stalledReason = "job stalled more than allowable limit"

// record is the stored form of a job, shared by every backend.
type record struct {
	JobID    string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
	Stalled  int             `json:"stalled"`
	Reason   string          `json:"failed_reason,omitempty"`
}
