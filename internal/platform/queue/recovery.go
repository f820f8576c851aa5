package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const stalledConsumer = "stalled-checker"

// RunStalledChecker reclaims leases idle longer than the lock duration until ctx is done.
func (r *RedisQueue) RunStalledChecker(ctx context.Context) {
	ticker := time.NewTicker(r.opts.StalledInterval)
	defer ticker.Stop()

	slog.Info("Starting stalled job checker", "queue", r.name, "interval", r.opts.StalledInterval, "lockDuration", r.opts.LockDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CheckStalled(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Stalled check failed", "queue", r.name, "error", err)
			}
		}
	}
}

// CheckStalled runs one pass: every expired lease is either redelivered with its
// stalled counter increased, or dead-lettered once the counter passes MaxStalledCount.
func (r *RedisQueue) CheckStalled(ctx context.Context) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	recovered := 0
	start := "-" // Start from beginning of stream
	for {
		// XAUTOCLAIM: finds entries pending for longer than the lock duration
		// and claims them, which also invalidates the previous owner's lease.
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    consumerGroup,
			MinIdle:  r.opts.LockDuration,
			Start:    start,
			Count:    10,
			Consumer: stalledConsumer,
		}).Result()
		if err != nil {
			return recovered, err
		}

		for _, msg := range messages {
			if err := r.recoverStalled(ctx, msg); err != nil {
				slog.Error("Failed to recover stalled job", "queue", r.name, "msgID", msg.ID, "error", err)
				continue
			}
			recovered++
		}

		start = nextStart
		if len(messages) == 0 || start == "0-0" {
			return recovered, nil
		}
	}
}

func (r *RedisQueue) recoverStalled(ctx context.Context, msg redis.XMessage) error {
	rec, err := decodeMessage(msg)
	if err != nil {
		// Unreadable entries are dropped, they can never be processed.
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, r.stream, consumerGroup, msg.ID)
			pipe.XDel(ctx, r.stream, msg.ID)
			return nil
		})
		return err
	}

	rec.Stalled++
	target := r.stream
	if r.opts.stalledTooOften(rec.Stalled) {
		rec.Reason = stalledReason
		target = r.failed
		slog.Warn("Stalled job failed", "queue", r.name, "jobID", rec.JobID, "stalled", rec.Stalled)
	} else {
		slog.Warn("Stalled job moved back to wait", "queue", r.name, "jobID", rec.JobID, "stalled", rec.Stalled)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, r.stream, consumerGroup, msg.ID)
		pipe.XDel(ctx, r.stream, msg.ID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: map[string]interface{}{"job": data}})
		return nil
	})
	return err
}
