// Package app holds the start-up code shared by the correctomatic binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/correctomatic/internal/config"
	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/metrics"
	"github.com/dontdude/correctomatic/internal/platform/docker"
	"github.com/dontdude/correctomatic/internal/platform/logging"
	"github.com/dontdude/correctomatic/internal/platform/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Queue names.
const (
	PendingQueue  = "pending_corrections"
	RunningQueue  = "running_corrections"
	FinishedQueue = "finished_corrections"
)

// App is the set of process-wide dependencies of one binary.
type App struct {
	Name    string
	Config  *config.Config
	Redis   *redis.Client
	Metrics *metrics.Collector
	Status  *queue.StatusBus

	logCloser io.Closer
}

// Setup loads the configuration, installs the default logger and connects
// to Redis. Callers must Close the returned App.
func Setup(ctx context.Context, name string) (*App, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	logger, closer := logging.New(logging.Options{
		Development: cfg.IsDevelopment(),
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	logger = logger.With("component", name)
	slog.SetDefault(logger)
	slog.Info("Starting "+name, "config", logging.Redact(cfg.Fields(), "signing_key"))

	client, err := queue.NewRedisClient(ctx, queue.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{
		Name:      name,
		Config:    cfg,
		Redis:     client,
		Metrics:   metrics.NewCollector(reg),
		Status:    queue.NewStatusBus(client, cfg.QueuePrefix),
		logCloser: closer,
	}, nil
}

// Close releases Redis and the log file.
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		slog.Warn("Failed to close redis", "error", err)
	}
	a.logCloser.Close()
}

// Queue opens the named queue with its configured policy.
func (a *App) Queue(name string) *queue.RedisQueue {
	return queue.NewRedisQueue(a.Redis, a.Config.QueuePrefix, name, QueueOptions(a.queueConfig(name)))
}

func (a *App) queueConfig(name string) config.QueueConfig {
	switch name {
	case RunningQueue:
		return a.Config.Running
	case FinishedQueue:
		return a.Config.Finished
	default:
		return a.Config.Pending
	}
}

// Limiter returns the rate limiter of the named queue, nil when unlimited.
func (a *App) Limiter(name string) *rate.Limiter {
	return Limiter(a.queueConfig(name))
}

// Docker connects to the container engine with the configured limits.
func (a *App) Docker(ctx context.Context) (*docker.Client, error) {
	d := a.Config.Docker
	return docker.NewClient(ctx, docker.Options{
		ConnectTimeout:  d.ConnectTimeout,
		PullTimeout:     d.PullTimeout,
		MaxRuntime:      d.MaxRuntime,
		MaxResponseSize: d.MaxResponseSize,
		MemoryLimit:     d.MemoryLimit,
		Credentials:     d.Credentials,
	})
}

// Background starts the stalled checkers of queues, the metrics endpoint
// and queue sampling. Everything stops with ctx.
func (a *App) Background(ctx context.Context, queues ...*queue.RedisQueue) {
	sampled := make(map[string]domain.LeaseQueue, len(queues))
	for _, q := range queues {
		go q.RunStalledChecker(ctx)
		sampled[q.Name()] = q
	}
	if a.Config.MetricsAddr != "" {
		go a.Metrics.Serve(ctx, a.Config.MetricsAddr)
		go a.Metrics.SampleQueues(ctx, 15*time.Second, sampled)
	}
}

// QueueOptions maps a queue configuration to the queue's lease and retry policy.
func QueueOptions(qc config.QueueConfig) queue.Options {
	return queue.Options{
		LockDuration:    qc.LockDuration,
		MaxStalledCount: qc.MaxStalled,
		Attempts:        qc.Attempts,
		Backoff: queue.Backoff{
			Type:   queue.BackoffExponential,
			Delay:  qc.BackoffDelay,
			Factor: qc.BackoffFactor,
		},
	}
}

// Limiter allows RateMax jobs per RateDuration, or returns nil when RateMax is zero.
func Limiter(qc config.QueueConfig) *rate.Limiter {
	if qc.RateMax <= 0 || qc.RateDuration <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(qc.RateDuration/time.Duration(qc.RateMax)), qc.RateMax)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Fatal logs err and exits.
func Fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}
