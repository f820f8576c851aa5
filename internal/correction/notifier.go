package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/metrics"
	"github.com/dontdude/correctomatic/internal/platform/signing"
)

const userAgent = "correctomatic-notifier"

// NotifierConfig tunes the notifier.
type NotifierConfig struct {
	// Timeout bounds a single callback request.
	Timeout time.Duration
}

// Notifier delivers finished corrections to their callback URL. It makes a
// single attempt per lease; retries belong to the finished queue.
type Notifier struct {
	client  *http.Client
	signer  signing.Signer
	status  domain.StatusPublisher
	metrics *metrics.Collector
}

// NewNotifier wires a notifier. A nil signer only canonicalizes the body;
// status and collector may be nil.
func NewNotifier(signer signing.Signer, status domain.StatusPublisher, collector *metrics.Collector, cfg NotifierConfig) *Notifier {
	if signer == nil {
		signer = signing.CanonicalSigner{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		client:  &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		status:  status,
		metrics: collector,
	}
}

// Handle is the worker.Handler for the finished queue.
func (n *Notifier) Handle(ctx context.Context, lease *domain.Lease) error {
	var job domain.FinishedJob
	if err := json.Unmarshal(lease.Data, &job); err != nil {
		return fmt.Errorf("malformed finished job: %w", err)
	}
	logger := slog.With("workID", job.WorkID, "callback", job.Callback, "attempt", lease.AttemptsMade+1)

	payload, err := BuildPayload(job)
	if err != nil {
		return err
	}
	body, err := n.signer.Sign(payload)
	if err != nil {
		return err
	}

	if err := n.post(ctx, job.Callback, body); err != nil {
		n.metrics.RecordNotification(false)
		logger.Warn("Notification failed", "error", err)
		return err
	}

	n.metrics.RecordNotification(true)
	publishStatus(ctx, n.status, domain.StatusEvent{WorkID: job.WorkID, Status: domain.StatusNotified})
	logger.Info("Notification sent")
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &domain.NotificationError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return &domain.NotificationError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.NotificationError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// BuildPayload builds the callback body of a finished job: the error text
// for orchestrator failures, the correction response otherwise. work_id is
// always present, null when the request had none.
func BuildPayload(job domain.FinishedJob) (map[string]any, error) {
	payload := map[string]any{}

	if job.Error {
		payload["success"] = false
		payload["error"] = job.ErrorMessage()
	} else {
		dec := json.NewDecoder(bytes.NewReader(job.CorrectionData))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("invalid correction data: %w", err)
		}
	}

	payload["work_id"] = nil
	if job.WorkID != "" {
		payload["work_id"] = job.WorkID
	}
	return payload, nil
}
