// Package correction implements the three pipeline stages: the starter that
// launches correction containers, the completer that detects their end and
// collects results, and the notifier that delivers them to callers.
package correction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/metrics"
	"github.com/dontdude/correctomatic/internal/response"
	"github.com/dontdude/correctomatic/internal/worker"
)

// CompleterConfig tunes the completer.
type CompleterConfig struct {
	// MaxRuntime bounds how long a container may run before it is killed.
	MaxRuntime time.Duration
	// ReconnectDelay is the pause before resubscribing to container events.
	ReconnectDelay time.Duration
}

func (c CompleterConfig) withDefaults() CompleterConfig {
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = 10 * time.Minute
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// Completer turns exited containers into finished jobs.
//
// Two loops run concurrently. The lease loop consumes the running queue and
// either completes a job whose container already exited or parks it in the
// registry. The event loop follows the engine's die/kill/destroy events and
// completes (or fails) the parked jobs. Both go through Registry.Claim, so
// each job is completed once whatever the interleaving.
type Completer struct {
	runtime  domain.ContainerRuntime
	running  domain.LeaseQueue
	finished domain.LeaseQueue
	status   domain.StatusPublisher
	metrics  *metrics.Collector
	registry *Registry
	cfg      CompleterConfig
	token    string

	// completions tracks in-progress completion procedures.
	completions sync.WaitGroup
}

// NewCompleter wires a completer. status and collector may be nil.
func NewCompleter(
	runtime domain.ContainerRuntime,
	running, finished domain.LeaseQueue,
	status domain.StatusPublisher,
	collector *metrics.Collector,
	cfg CompleterConfig,
) *Completer {
	return &Completer{
		runtime:  runtime,
		running:  running,
		finished: finished,
		status:   status,
		metrics:  collector,
		registry: NewRegistry(),
		cfg:      cfg.withDefaults(),
		token:    worker.ConsumerName("completer") + "-0",
	}
}

// Run runs both loops until ctx is done. Jobs still parked in the registry
// keep their leases; the stall checker hands them to the next completer.
func (c *Completer) Run(ctx context.Context) {
	slog.Info("Completer started", "maxRuntime", c.cfg.MaxRuntime)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.watchEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		c.consumeRunning(ctx)
	}()
	wg.Wait()

	c.Wait()
	slog.Info("Completer stopped", "inFlight", c.registry.Len())
}

// Wait blocks until every started completion procedure has finished.
func (c *Completer) Wait() {
	c.completions.Wait()
}

// InFlight returns the number of containers awaiting completion detection.
func (c *Completer) InFlight() int {
	return c.registry.Len()
}

func (c *Completer) consumeRunning(ctx context.Context) {
	for ctx.Err() == nil {
		lease, err := c.running.GetNextJob(ctx, c.token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to lease running job", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if lease == nil {
			continue
		}
		c.handleLease(ctx, lease)
	}
}

// handleLease is the lease loop's step for one running job.
func (c *Completer) handleLease(ctx context.Context, lease *domain.Lease) {
	var job domain.RunningJob
	if err := json.Unmarshal(lease.Data, &job); err != nil || job.ContainerID == "" {
		if err == nil {
			err = errors.New("missing container id")
		}
		slog.Error("Discarding malformed running job", "leaseID", lease.ID, "error", err)
		if err := c.running.MoveToFailed(ctx, lease, fmt.Errorf("malformed running job: %w", err)); err != nil {
			slog.Error("Failed to fail running job", "leaseID", lease.ID, "error", err)
		}
		return
	}

	logger := slog.With("containerID", job.ContainerID, "workID", job.WorkID)
	t := Tracked{Lease: lease, Job: job}

	state, err := c.runtime.Inspect(ctx, job.ContainerID)
	if errors.Is(err, domain.ErrContainerNotFound) && lease.StalledCount > 0 {
		c.dropCollected(ctx, lease, err)
		return
	}
	if err != nil {
		logger.Error("Failed to inspect container", "error", err)
		c.spawn(ctx, func(ctx context.Context) { c.finish(ctx, t, err) })
		return
	}
	if state.Exited() {
		logger.Debug("Container already finished, completing job")
		c.spawn(ctx, func(ctx context.Context) { c.finish(ctx, t, nil) })
		return
	}

	c.registry.Register(job.ContainerID, t)
	c.registry.Watch(job.ContainerID, c.remaining(state), c.expire)
	c.metrics.SetInFlight(c.registry.Len())
	c.publish(ctx, job, domain.StatusRunning, "")
	logger.Debug("Container running, waiting for it to finish")

	// A die event seen before Register was ignored; check again now that
	// the event loop can find the job.
	state, err = c.runtime.Inspect(ctx, job.ContainerID)
	switch {
	case errors.Is(err, domain.ErrContainerNotFound):
		t, ok := c.claim(job.ContainerID)
		if !ok {
			break
		}
		if t.Lease.StalledCount > 0 {
			c.dropCollected(ctx, t.Lease, err)
			break
		}
		c.spawn(ctx, func(ctx context.Context) { c.finish(ctx, t, err) })
	case err != nil:
		logger.Warn("Failed to re-inspect container", "error", err)
	case state.Exited():
		if t, ok := c.claim(job.ContainerID); ok {
			c.spawn(ctx, func(ctx context.Context) { c.finish(ctx, t, nil) })
		}
	}
}

// dropCollected fails a redelivered running job whose container is gone.
// The holder of the expired lease already collected and removed it, so no
// second finished job is sent.
func (c *Completer) dropCollected(ctx context.Context, lease *domain.Lease, cause error) {
	slog.Warn("Container already collected, dropping redelivered running job",
		"leaseID", lease.ID, "stalled", lease.StalledCount, "error", cause)
	if err := c.running.MoveToFailed(ctx, lease, cause); err != nil {
		slog.Error("Failed to fail running job", "leaseID", lease.ID, "error", err)
	}
}

// remaining is how long the container may still run.
func (c *Completer) remaining(state domain.ContainerState) time.Duration {
	if state.StartedAt.IsZero() {
		return c.cfg.MaxRuntime
	}
	d := c.cfg.MaxRuntime - time.Since(state.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Completer) watchEvents(ctx context.Context) {
	since := time.Now()

	for ctx.Err() == nil {
		events, errs := c.runtime.Events(ctx, since)
		slog.Debug("Listening for container events", "since", since)

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					// The error channel says why.
					events = nil
					continue
				}
				if !ev.Time.IsZero() {
					since = ev.Time
				}
				c.handleEvent(ctx, ev)
			case err := <-errs:
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Container event stream interrupted, reconnecting", "error", err)
				break stream
			}
		}
		sleep(ctx, c.cfg.ReconnectDelay)
	}
}

// handleEvent is the event loop's step for one engine event.
func (c *Completer) handleEvent(ctx context.Context, ev domain.ContainerEvent) {
	t, ok := c.claim(ev.ContainerID)
	if !ok {
		// Not parked: either unknown, already completed, or the lease loop
		// will find it exited when it inspects it.
		slog.Debug("Ignoring container event", "containerID", ev.ContainerID, "action", ev.Action)
		return
	}

	if ev.Abnormal() {
		slog.Warn("Container terminated abnormally", "containerID", ev.ContainerID, "action", ev.Action)
		c.spawn(ctx, func(ctx context.Context) {
			c.finish(ctx, t, fmt.Errorf("%w (%s)", domain.ErrAbnormalTermination, ev.Action))
		})
		return
	}
	c.spawn(ctx, func(ctx context.Context) { c.finish(ctx, t, nil) })
}

// expire is the watchdog callback for a container past its max runtime.
func (c *Completer) expire(containerID string) {
	t, ok := c.claim(containerID)
	if !ok {
		return
	}
	slog.Warn("Container exceeded max runtime, killing it", "containerID", containerID, "maxRuntime", c.cfg.MaxRuntime)
	c.spawn(context.Background(), func(ctx context.Context) {
		if err := c.runtime.Kill(ctx, containerID); err != nil {
			slog.Error("Failed to kill container", "containerID", containerID, "error", err)
		}
		c.finish(ctx, t, &domain.ContainerTimeoutError{ContainerID: containerID, MaxRuntime: c.cfg.MaxRuntime})
	})
}

func (c *Completer) claim(containerID string) (Tracked, bool) {
	t, ok := c.registry.Claim(containerID)
	if ok {
		c.metrics.SetInFlight(c.registry.Len())
	}
	return t, ok
}

// spawn runs a completion procedure in its own goroutine. It outlives ctx
// cancellation so that a claimed job always reaches a terminal state.
func (c *Completer) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.completions.Add(1)
	go func() {
		defer c.completions.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Completion panicked", "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// finish is the completion procedure. A nil cause means the container
// exited on its own and its output is collected; otherwise the job fails
// with cause without looking at the logs.
func (c *Completer) finish(ctx context.Context, t Tracked, cause error) {
	job := t.Job
	logger := slog.With("containerID", job.ContainerID, "workID", job.WorkID)

	var finished domain.FinishedJob
	stepErr := cause
	if stepErr == nil {
		finished, stepErr = c.collect(ctx, job)
	}
	if stepErr != nil {
		finished = domain.NewFailedFinishedJob(job, stepErr)
	}

	if err := c.runtime.Remove(ctx, job.ContainerID); err != nil {
		logger.Error("Failed to remove container", "error", err)
		if stepErr == nil {
			stepErr = err
		}
	}

	payload, err := json.Marshal(finished)
	if err == nil {
		_, err = c.finished.Add(ctx, job.ContainerID, payload)
	}
	if err != nil {
		logger.Error("Failed to enqueue finished job", "error", err)
		if stepErr == nil {
			stepErr = err
		}
	} else {
		c.metrics.RecordEnqueued(c.finished.Name())
	}

	if stepErr != nil {
		if err := c.running.MoveToFailed(ctx, t.Lease, stepErr); err != nil {
			logger.Error("Failed to fail running job", "error", err)
		}
	} else if err := c.running.MoveToCompleted(ctx, t.Lease); err != nil {
		logger.Error("Failed to complete running job", "error", err)
	}

	outcome := metrics.OutcomeSuccess
	status := domain.StatusFinished
	detail := ""
	switch {
	case finished.Error:
		outcome = metrics.OutcomeError
		status = domain.StatusFailed
		detail = finished.ErrorMessage()
	case !workloadSucceeded(finished):
		outcome = metrics.OutcomeWorkloadFailure
	}
	c.metrics.RecordCorrection(outcome, time.Since(t.Lease.AcquiredAt))
	c.publish(ctx, job, status, detail)

	if stepErr != nil {
		logger.Warn("Correction failed", "error", stepErr)
		return
	}
	logger.Info("Correction finished")
}

// collect reads the container output and turns it into a finished job.
func (c *Completer) collect(ctx context.Context, job domain.RunningJob) (domain.FinishedJob, error) {
	logs, err := c.runtime.CaptureLogs(ctx, job.ContainerID)
	if err != nil {
		return domain.FinishedJob{}, err
	}

	resp, data, err := response.Extract(logs)
	if err != nil {
		var invalid *domain.InvalidResponseFormatError
		if errors.As(err, &invalid) {
			slog.Warn("Container returned an invalid response",
				"containerID", job.ContainerID, "reason", invalid.Reason, "logs", invalid.Logs)
		}
		return domain.FinishedJob{}, err
	}
	slog.Debug("Collected correction response", "containerID", job.ContainerID, "success", resp.Success)
	return domain.NewFinishedJob(job, data), nil
}

func (c *Completer) publish(ctx context.Context, job domain.RunningJob, status, detail string) {
	publishStatus(ctx, c.status, domain.StatusEvent{
		WorkID:      job.WorkID,
		ContainerID: job.ContainerID,
		Status:      status,
		Detail:      detail,
	})
}

func workloadSucceeded(finished domain.FinishedJob) bool {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(finished.CorrectionData, &resp); err != nil {
		return false
	}
	return resp.Success
}
