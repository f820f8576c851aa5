package correction

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
)

// publishStatus broadcasts event when a publisher is configured.
// Status events are informational; a failed publish never fails a job.
func publishStatus(ctx context.Context, pub domain.StatusPublisher, event domain.StatusEvent) {
	if pub == nil || event.WorkID == "" {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := pub.PublishStatus(ctx, event); err != nil {
		slog.Warn("Failed to publish status", "workID", event.WorkID, "status", event.Status, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
