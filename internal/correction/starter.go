package correction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/metrics"
)

// ErrServerOverloaded is returned when the host refuses more corrections for now.
var ErrServerOverloaded = errors.New("server overloaded")

// StarterConfig tunes the starter.
type StarterConfig struct {
	// Pull makes sure the image is present before creating the container.
	Pull bool
	// DontStart creates containers without starting them, for debugging.
	DontStart bool
	// Attempts is the pending queue's attempt ceiling. On the last attempt a
	// failure is also reported to the caller as an error FinishedJob.
	Attempts int
}

// Starter launches a correction container for each pending job.
type Starter struct {
	runtime  domain.ContainerRuntime
	running  domain.LeaseQueue
	finished domain.LeaseQueue
	status   domain.StatusPublisher
	metrics  *metrics.Collector
	cfg      StarterConfig

	// checkServerLoad reports whether the host can take another container.
	checkServerLoad func(ctx context.Context) bool
}

// NewStarter wires a starter. status and collector may be nil.
func NewStarter(
	runtime domain.ContainerRuntime,
	running, finished domain.LeaseQueue,
	status domain.StatusPublisher,
	collector *metrics.Collector,
	cfg StarterConfig,
) *Starter {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Starter{
		runtime:         runtime,
		running:         running,
		finished:        finished,
		status:          status,
		metrics:         collector,
		cfg:             cfg,
		checkServerLoad: func(context.Context) bool { return true },
	}
}

// Handle is the worker.Handler for the pending queue. Any error fails the
// pending lease and leaves the retry decision to the queue.
func (s *Starter) Handle(ctx context.Context, lease *domain.Lease) error {
	var job domain.PendingJob
	err := json.Unmarshal(lease.Data, &job)
	if err == nil {
		err = ValidatePendingJob(job)
	}
	if err == nil {
		err = s.start(ctx, job)
	}
	if err != nil && lease.AttemptsMade+1 >= s.cfg.Attempts {
		s.reportFailure(ctx, job, err)
	}
	return err
}

func (s *Starter) start(ctx context.Context, job domain.PendingJob) error {
	logger := slog.With("workID", job.WorkID, "image", job.Image)

	if !s.checkServerLoad(ctx) {
		return ErrServerOverloaded
	}

	if s.cfg.Pull {
		if err := s.runtime.EnsurePulled(ctx, job.Image); err != nil {
			return fmt.Errorf("failed to pull image %s: %w", job.Image, err)
		}
	}

	labels := map[string]string{}
	if job.WorkID != "" {
		labels[domain.LabelWorkID] = job.WorkID
	}
	containerID, err := s.runtime.Create(ctx, domain.ContainerSpec{
		Image:  job.Image,
		File:   job.File,
		Env:    job.Params,
		Labels: labels,
	})
	if err != nil {
		return err
	}
	logger = logger.With("containerID", containerID)

	if s.cfg.DontStart {
		logger.Warn("Container created but not started")
	} else if err := s.runtime.Start(ctx, containerID); err != nil {
		s.discard(ctx, containerID, false)
		return err
	}

	running := domain.RunningJob{WorkID: job.WorkID, ContainerID: containerID, Callback: job.Callback}
	payload, err := json.Marshal(running)
	if err == nil {
		_, err = s.running.Add(ctx, containerID, payload)
	}
	if err != nil {
		// Nobody would ever collect this container.
		s.discard(ctx, containerID, !s.cfg.DontStart)
		return fmt.Errorf("failed to enqueue running job: %w", err)
	}

	s.metrics.RecordContainerStarted()
	s.metrics.RecordEnqueued(s.running.Name())
	publishStatus(ctx, s.status, domain.StatusEvent{
		WorkID:      job.WorkID,
		ContainerID: containerID,
		Status:      domain.StatusStarted,
	})
	logger.Info("Correction started")
	return nil
}

func (s *Starter) discard(ctx context.Context, containerID string, kill bool) {
	if kill {
		if err := s.runtime.Kill(ctx, containerID); err != nil {
			slog.Warn("Failed to kill container", "containerID", containerID, "error", err)
		}
	}
	if err := s.runtime.Remove(ctx, containerID); err != nil {
		slog.Warn("Failed to remove container", "containerID", containerID, "error", err)
	}
}

// reportFailure tells the caller that the correction could not be started.
func (s *Starter) reportFailure(ctx context.Context, job domain.PendingJob, cause error) {
	if job.Callback == "" {
		return
	}
	finished := domain.NewErrorFinishedJob(job.WorkID, job.Callback, "Error starting correction", cause)
	payload, err := json.Marshal(finished)
	if err == nil {
		_, err = s.finished.Add(ctx, job.WorkID, payload)
	}
	if err != nil {
		slog.Error("Failed to report start failure", "workID", job.WorkID, "error", err)
		return
	}
	s.metrics.RecordEnqueued(s.finished.Name())
	publishStatus(ctx, s.status, domain.StatusEvent{
		WorkID: job.WorkID,
		Status: domain.StatusFailed,
		Detail: finished.ErrorMessage(),
	})
}

// ValidatePendingJob checks the fields a correction cannot start without.
func ValidatePendingJob(job domain.PendingJob) error {
	switch {
	case job.Image == "":
		return errors.New("missing image")
	case job.File == "":
		return errors.New("missing file")
	case job.Callback == "":
		return errors.New("missing callback")
	}
	for _, p := range job.Params {
		key, _, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid param %q, expected KEY=VALUE", p)
		}
	}
	return nil
}
