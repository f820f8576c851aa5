package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Handler processes one leased job. A nil error completes the lease,
// anything else fails it and hands the job to the queue's retry policy.
type Handler func(ctx context.Context, lease *domain.Lease) error

// Pool implements a fixed-size worker pool over a lease queue.
// Each worker holds at most one lease at a time, so the worker count bounds
// the number of jobs processed concurrently.
type Pool struct {
	name string
	// workerCount determines how many leases can be held at once.
	workerCount int
	queue       domain.LeaseQueue
	handler     Handler
	// limiter, when set, throttles how fast leased jobs are handled.
	limiter *rate.Limiter
	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(name string, concurrency int, queue domain.LeaseQueue, handler Handler, limiter *rate.Limiter) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		name:        name,
		workerCount: concurrency,
		queue:       queue,
		handler:     handler,
		limiter:     limiter,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	slog.Info("Starting worker pool", "pool", p.name, "concurrency", p.workerCount)

	prefix := ConsumerName(p.name)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, fmt.Sprintf("%s-%d", prefix, i))
	}
}

// Stop stops leasing new jobs and blocks until every worker finished its current job.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for jobs to drain...", "pool", p.name)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped", "pool", p.name)
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int, token string) {
	defer p.wg.Done()
	slog.Debug("Worker started", "pool", p.name, "workerID", id, "token", token)

	for ctx.Err() == nil {
		lease, err := p.queue.GetNextJob(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("Failed to lease job", "pool", p.name, "error", err)
			sleep(ctx, time.Second) // Backoff
			continue
		}
		if lease == nil {
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				// Shutting down: leave the lease to the stall checker.
				break
			}
		}

		// In-flight jobs finish even when the pool is stopping.
		p.process(context.WithoutCancel(ctx), lease)
	}

	slog.Debug("Worker stopped", "pool", p.name, "workerID", id)
}

func (p *Pool) process(ctx context.Context, lease *domain.Lease) {
	logger := slog.With("pool", p.name, "jobID", lease.JobID, "attempt", lease.AttemptsMade+1)

	err := p.safeHandle(ctx, lease)
	if err == nil {
		if err := p.queue.MoveToCompleted(ctx, lease); err != nil {
			logger.Error("Failed to complete job", "error", err)
		}
		return
	}

	logger.Warn("Job failed", "error", err)
	if err := p.queue.MoveToFailed(ctx, lease, err); err != nil {
		logger.Error("Failed to mark job as failed", "error", err)
	}
}

func (p *Pool) safeHandle(ctx context.Context, lease *domain.Lease) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, lease)
}

// ConsumerName names this process's consumers, e.g. notifier-host1-4821.
func ConsumerName(name string) string {
	host, _ := os.Hostname()
	if host == "" {
		host = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%s-%d", name, host, os.Getpid())
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
