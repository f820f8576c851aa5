package docker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/dontdude/correctomatic/internal/domain"
)

var errStreamClosed = errors.New("docker event stream closed")

// Events subscribes to die/kill/destroy events of correction containers.
// The error channel receives at most one error, after which both channels stop.
func (c *Client) Events(ctx context.Context, since time.Time) (<-chan domain.ContainerEvent, <-chan error) {
	opts := events.ListOptions{Filters: eventFilters()}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}

	msgs, errs := c.cli.Events(ctx, opts)

	outCh := make(chan domain.ContainerEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				errCh <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					errCh <- errStreamClosed
					return
				}
				event, ok := toContainerEvent(msg)
				if !ok {
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

	return outCh, errCh
}

func eventFilters() filters.Args {
	return filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("event", domain.EventDie),
		filters.Arg("event", domain.EventKill),
		filters.Arg("event", domain.EventDestroy),
		filters.Arg("label", domain.LabelManaged+"=true"),
	)
}

func toContainerEvent(msg events.Message) (domain.ContainerEvent, bool) {
	if msg.Type != events.ContainerEventType {
		return domain.ContainerEvent{}, false
	}
	action := string(msg.Action)
	switch action {
	case domain.EventDie, domain.EventKill, domain.EventDestroy:
	default:
		return domain.ContainerEvent{}, false
	}

	at := time.Unix(0, msg.TimeNano)
	if msg.TimeNano == 0 {
		at = time.Unix(msg.Time, 0)
	}
	return domain.ContainerEvent{
		ContainerID: msg.Actor.ID,
		Action:      action,
		Time:        at,
	}, true
}
