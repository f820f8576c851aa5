package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/google/uuid"
)

type memoryJob struct {
	rec     record
	leaseID string
	token   string
	since   time.Time // acquisition time while active, due time while delayed
}

// FailedJob is a job that exhausted its attempts or stalled too often.
type FailedJob struct {
	JobID    string
	Data     []byte
	Attempts int
	Reason   string
}

// MemoryQueue is an in-process domain.LeaseQueue with the same lease, retry and
// stall semantics as RedisQueue. Jobs do not survive the process.
type MemoryQueue struct {
	name string
	opts Options

	mu        sync.Mutex
	seq       int
	waiting   []*memoryJob
	active    map[string]*memoryJob
	delayed   []*memoryJob
	completed [][]byte
	failed    []FailedJob
	wake      chan struct{}
}

var _ domain.LeaseQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue(name string, opts Options) *MemoryQueue {
	return &MemoryQueue{
		name:   name,
		opts:   opts.withDefaults(),
		active: make(map[string]*memoryJob),
		wake:   make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.name }

// signal wakes every blocked GetNextJob. Callers hold q.mu.
func (q *MemoryQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Add(ctx context.Context, name string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := record{JobID: uuid.NewString(), Name: name, Data: append([]byte(nil), payload...)}
	q.waiting = append(q.waiting, &memoryJob{rec: rec})
	q.signal()
	return rec.JobID, nil
}

func (q *MemoryQueue) GetNextJob(ctx context.Context, token string) (*domain.Lease, error) {
	deadline := time.Now().Add(q.opts.PollInterval)

	for {
		q.mu.Lock()
		now := time.Now()
		q.promoteLocked(now)
		if len(q.waiting) > 0 {
			job := q.waiting[0]
			q.waiting = q.waiting[1:]
			q.seq++
			job.leaseID = strconv.Itoa(q.seq)
			job.token = token
			job.since = now
			q.active[job.leaseID] = job
			q.mu.Unlock()
			return &domain.Lease{
				ID:           job.leaseID,
				JobID:        job.rec.JobID,
				Queue:        q.name,
				Name:         job.rec.Name,
				Data:         job.rec.Data,
				Token:        token,
				AttemptsMade: job.rec.Attempts,
				StalledCount: job.rec.Stalled,
				AcquiredAt:   now,
			}, nil
		}

		wait := deadline.Sub(now)
		if len(q.delayed) > 0 && q.delayed[0].since.Sub(now) < wait {
			wait = q.delayed[0].since.Sub(now)
		}
		wake := q.wake
		q.mu.Unlock()

		if deadline.Sub(now) <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteLocked moves due delayed jobs to the waiting list. Callers hold q.mu.
func (q *MemoryQueue) promoteLocked(now time.Time) {
	n := 0
	for n < len(q.delayed) && !q.delayed[n].since.After(now) {
		q.waiting = append(q.waiting, q.delayed[n])
		n++
	}
	q.delayed = q.delayed[n:]
}

func (q *MemoryQueue) takeLocked(lease *domain.Lease) (*memoryJob, error) {
	job, ok := q.active[lease.ID]
	if !ok || job.token != lease.Token {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrLeaseLost, q.name, lease.ID)
	}
	delete(q.active, lease.ID)
	return job, nil
}

func (q *MemoryQueue) MoveToCompleted(ctx context.Context, lease *domain.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.takeLocked(lease)
	if err != nil {
		return err
	}
	q.completed = append(q.completed, job.rec.Data)
	return nil
}

func (q *MemoryQueue) MoveToFailed(ctx context.Context, lease *domain.Lease, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.takeLocked(lease)
	if err != nil {
		return err
	}
	job.rec.Attempts++
	if cause != nil {
		job.rec.Reason = cause.Error()
	}

	delay, retry := q.opts.retryDelay(job.rec.Attempts)
	if !retry {
		q.failLocked(job)
		return nil
	}
	job.since = time.Now().Add(delay)
	q.delayed = append(q.delayed, job)
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].since.Before(q.delayed[j].since) })
	q.signal()
	return nil
}

func (q *MemoryQueue) failLocked(job *memoryJob) {
	q.failed = append(q.failed, FailedJob{
		JobID:    job.rec.JobID,
		Data:     job.rec.Data,
		Attempts: job.rec.Attempts,
		Reason:   job.rec.Reason,
	})
}

// RunStalledChecker reclaims expired leases until ctx is done.
func (q *MemoryQueue) RunStalledChecker(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.CheckStalled(ctx)
		}
	}
}

// CheckStalled redelivers or fails every lease older than the lock duration.
func (q *MemoryQueue) CheckStalled(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	recovered := 0
	for id, job := range q.active {
		if now.Sub(job.since) < q.opts.LockDuration {
			continue
		}
		delete(q.active, id)
		job.rec.Stalled++
		recovered++

		if q.opts.stalledTooOften(job.rec.Stalled) {
			job.rec.Reason = stalledReason
			q.failLocked(job)
			slog.Warn("Stalled job failed", "queue", q.name, "jobID", job.rec.JobID, "stalled", job.rec.Stalled)
			continue
		}
		q.waiting = append(q.waiting, job)
	}
	if recovered > 0 {
		q.signal()
	}
	return recovered, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return domain.QueueCounts{
		Waiting: int64(len(q.waiting)),
		Active:  int64(len(q.active)),
		Delayed: int64(len(q.delayed)),
		Failed:  int64(len(q.failed)),
	}, nil
}

// Completed returns the payloads of completed jobs, oldest first.
func (q *MemoryQueue) Completed() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.completed...)
}

// Failed returns the permanently failed jobs, oldest first.
func (q *MemoryQueue) Failed() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedJob(nil), q.failed...)
}

// Waiting returns the payloads of jobs ready to be leased.
func (q *MemoryQueue) Waiting() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.waiting))
	for _, job := range q.waiting {
		out = append(out, job.rec.Data)
	}
	return out
}
