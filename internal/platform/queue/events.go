package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StatusBus broadcasts correction status events over Redis Pub/Sub.
type StatusBus struct {
	client  *redis.Client
	channel string
}

var (
	_ domain.StatusPublisher  = (*StatusBus)(nil)
	_ domain.StatusSubscriber = (*StatusBus)(nil)
)

// NewStatusBus returns a bus publishing on prefix:status.
func NewStatusBus(client *redis.Client, prefix string) *StatusBus {
	return &StatusBus{client: client, channel: prefix + ":status"}
}

// PublishStatus publishes the event to the status channel.
func (b *StatusBus) PublishStatus(ctx context.Context, event domain.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// SubscribeStatus subscribes to the status channel and streams events to a Go channel.
func (b *StatusBus) SubscribeStatus(ctx context.Context) (<-chan domain.StatusEvent, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to status: %w", err)
	}

	outCh := make(chan domain.StatusEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event domain.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Error("Failed to unmarshal status", "error", err)
					continue
				}

				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
