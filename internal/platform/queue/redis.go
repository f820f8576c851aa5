package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const consumerGroup = "correctomatic"

// RedisOptions holds the connection settings shared by all queues.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and pings it (fail-fast).
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisQueue implements domain.LeaseQueue on a Redis stream with a consumer group.
// A lease is an entry of the group's pending list owned by the consumer named by the token;
// failed jobs wait in a sorted set until their retry is due, and exhausted ones land in a
// dead-letter stream.
type RedisQueue struct {
	client  *redis.Client
	name    string
	stream  string
	delayed string
	failed  string
	opts    Options

	groupMu    sync.Mutex
	groupReady bool
}

// Ensure RedisQueue satisfies the interface
var _ domain.LeaseQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a lease queue stored under prefix:name.
func NewRedisQueue(client *redis.Client, prefix, name string, opts Options) *RedisQueue {
	key := prefix + ":" + name
	return &RedisQueue{
		client:  client,
		name:    name,
		stream:  key,
		delayed: key + ":delayed",
		failed:  key + ":failed",
		opts:    opts.withDefaults(),
	}
}

// Name returns the queue name.
func (r *RedisQueue) Name() string { return r.name }

func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady {
		return nil
	}

	// MkStream guarantees the stream exists even if empty; "0" keeps jobs added before the group.
	err := r.client.XGroupCreateMkStream(ctx, r.stream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	r.groupReady = true
	return nil
}

// Add enqueues a job using XADD.
func (r *RedisQueue) Add(ctx context.Context, name string, payload []byte) (string, error) {
	rec := record{
		JobID: uuid.NewString(),
		Name:  name,
		Data:  payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"job": data},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("redis add to %s failed: %w", r.name, err)
	}
	return rec.JobID, nil
}

// GetNextJob leases the next job using XREADGROUP, blocking up to the poll interval.
func (r *RedisQueue) GetNextJob(ctx context.Context, token string) (*domain.Lease, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if err := r.promoteDelayed(ctx); err != nil {
		slog.Warn("Failed to promote delayed jobs", "queue", r.name, "error", err)
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: token,
		Streams:  []string{r.stream, ">"}, // ">" means never delivered to this group
		Count:    1,
		Block:    r.opts.PollInterval,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis read from %s failed: %w", r.name, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			rec, err := decodeMessage(msg)
			if err != nil {
				slog.Error("Invalid message format, dropping", "queue", r.name, "msgID", msg.ID, "error", err)
				r.client.XAck(ctx, r.stream, consumerGroup, msg.ID)
				r.client.XDel(ctx, r.stream, msg.ID)
				continue
			}
			return &domain.Lease{
				ID:           msg.ID,
				JobID:        rec.JobID,
				Queue:        r.name,
				Name:         rec.Name,
				Data:         rec.Data,
				Token:        token,
				AttemptsMade: rec.Attempts,
				StalledCount: rec.Stalled,
				AcquiredAt:   time.Now(),
			}, nil
		}
	}
	return nil, nil
}

// MoveToCompleted acknowledges and deletes the leased entry.
func (r *RedisQueue) MoveToCompleted(ctx context.Context, lease *domain.Lease) error {
	return r.release(ctx, lease, "complete", "", 0)
}

// MoveToFailed releases the lease and schedules a retry or dead-letters the job.
func (r *RedisQueue) MoveToFailed(ctx context.Context, lease *domain.Lease, cause error) error {
	rec := leaseRecord(lease)
	rec.Attempts++
	if cause != nil {
		rec.Reason = cause.Error()
	}

	delay, retry := r.opts.retryDelay(rec.Attempts)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if retry {
		due := time.Now().Add(delay).UnixMilli()
		slog.Debug("Scheduling retry", "queue", r.name, "jobID", rec.JobID, "attempts", rec.Attempts, "delay", delay)
		return r.release(ctx, lease, "retry", string(data), due)
	}
	slog.Warn("Job failed permanently", "queue", r.name, "jobID", rec.JobID, "attempts", rec.Attempts, "reason", rec.Reason)
	return r.release(ctx, lease, "fail", string(data), 0)
}

// releaseScript acks and deletes a pending entry only if the consumer still owns it,
// then optionally schedules a retry (ZADD) or dead-letters the job (XADD).
var releaseScript = redis.NewScript(`
local owned = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1, ARGV[3])
if #owned == 0 then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
if ARGV[4] == 'retry' then
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[5])
elseif ARGV[4] == 'fail' then
  redis.call('XADD', KEYS[3], '*', 'job', ARGV[5])
end
return 1
`)

func (r *RedisQueue) release(ctx context.Context, lease *domain.Lease, action, data string, score int64) error {
	owned, err := releaseScript.Run(ctx, r.client,
		[]string{r.stream, r.delayed, r.failed},
		consumerGroup, lease.ID, lease.Token, action, data, score,
	).Int()
	if err != nil {
		return fmt.Errorf("redis release on %s failed: %w", r.name, err)
	}
	if owned == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrLeaseLost, r.name, lease.ID)
	}
	return nil
}

// promoteScript moves due retries from the delayed set back into the stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, job in ipairs(due) do
  redis.call('XADD', KEYS[2], '*', 'job', job)
  redis.call('ZREM', KEYS[1], job)
end
return #due
`)

func (r *RedisQueue) promoteDelayed(ctx context.Context) error {
	return promoteScript.Run(ctx, r.client, []string{r.delayed, r.stream}, time.Now().UnixMilli()).Err()
}

// Counts reports waiting, active (leased), delayed and dead-lettered jobs.
func (r *RedisQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	var counts domain.QueueCounts

	pipe := r.client.Pipeline()
	length := pipe.XLen(ctx, r.stream)
	delayed := pipe.ZCard(ctx, r.delayed)
	failed := pipe.XLen(ctx, r.failed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return counts, fmt.Errorf("redis counts on %s failed: %w", r.name, err)
	}

	pending, err := r.client.XPending(ctx, r.stream, consumerGroup).Result()
	if err == nil {
		counts.Active = pending.Count
	} else if !strings.HasPrefix(err.Error(), "NOGROUP") {
		return counts, fmt.Errorf("redis pending on %s failed: %w", r.name, err)
	}

	counts.Waiting = length.Val() - counts.Active
	counts.Delayed = delayed.Val()
	counts.Failed = failed.Val()
	return counts, nil
}

func decodeMessage(msg redis.XMessage) (record, error) {
	var rec record
	val, ok := msg.Values["job"].(string)
	if !ok {
		return rec, errors.New("missing job field")
	}
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func leaseRecord(lease *domain.Lease) record {
	return record{
		JobID:    lease.JobID,
		Name:     lease.Name,
		Data:     lease.Data,
		Attempts: lease.AttemptsMade,
		Stalled:  lease.StalledCount,
	}
}
