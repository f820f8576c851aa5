package correction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/platform/queue"
	"github.com/dontdude/correctomatic/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedPayload(t *testing.T, callback string) domain.FinishedJob {
	t.Helper()
	return domain.FinishedJob{
		WorkID:         "w1",
		CorrectionData: json.RawMessage(gradedOutput),
		Callback:       callback,
	}
}

func TestBuildPayload(t *testing.T) {
	payload, err := BuildPayload(domain.FinishedJob{WorkID: "w1", CorrectionData: json.RawMessage(gradedOutput)})
	require.NoError(t, err)
	assert.Equal(t, "w1", payload["work_id"])
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, json.Number("95"), payload["grade"])

	payload, err = BuildPayload(domain.NewFailedFinishedJob(domain.RunningJob{}, domain.ErrAbnormalTermination))
	require.NoError(t, err)
	require.Contains(t, payload, "work_id")
	assert.Nil(t, payload["work_id"])
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "Error getting container results: container was killed or destroyed", payload["error"])

	_, err = BuildPayload(domain.FinishedJob{CorrectionData: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
}

func TestNotifier_Handle(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := &MockPublisher{}
	n := NewNotifier(nil, pub, nil, NotifierConfig{Timeout: time.Second})

	err := n.Handle(context.Background(), lease(t, testQueue("finished"), finishedPayload(t, srv.URL)))
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "correctomatic-notifier", gotHeader.Get("User-Agent"))
	assert.Equal(t, `{"comments":["ok"],"grade":95,"success":true,"work_id":"w1"}`, string(gotBody))
	assert.Equal(t, []string{domain.StatusNotified}, pub.Statuses())
}

func TestNotifier_HandleWithoutWorkID(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	job := domain.NewFailedFinishedJob(domain.RunningJob{Callback: srv.URL}, domain.ErrAbnormalTermination)
	n := NewNotifier(nil, nil, nil, NotifierConfig{Timeout: time.Second})

	require.NoError(t, n.Handle(context.Background(), lease(t, testQueue("finished"), job)))
	assert.Equal(t, `{"error":"Error getting container results: container was killed or destroyed","success":false,"work_id":null}`, string(gotBody))
}

func TestNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(nil, nil, nil, NotifierConfig{})
	err := n.Handle(context.Background(), lease(t, testQueue("finished"), finishedPayload(t, srv.URL)))

	var notifyErr *domain.NotificationError
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, http.StatusBadGateway, notifyErr.StatusCode)
}

func TestNotifier_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	n := NewNotifier(nil, nil, nil, NotifierConfig{Timeout: time.Second})
	err := n.Handle(context.Background(), lease(t, testQueue("finished"), finishedPayload(t, url)))

	var notifyErr *domain.NotificationError
	require.ErrorAs(t, err, &notifyErr)
	assert.Error(t, errors.Unwrap(err))
}

func notifierQueue() *queue.MemoryQueue {
	return queue.NewMemoryQueue("finished", queue.Options{
		PollInterval: 10 * time.Millisecond,
		Attempts:     5,
		Backoff:      queue.Backoff{Type: queue.BackoffExponential, Delay: time.Millisecond, Factor: 2},
	})
}

func TestNotifier_RetriedByQueueUntilDelivered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	finished := notifierQueue()
	data, err := json.Marshal(finishedPayload(t, srv.URL))
	require.NoError(t, err)
	_, err = finished.Add(context.Background(), "w1", data)
	require.NoError(t, err)

	n := NewNotifier(nil, nil, nil, NotifierConfig{Timeout: time.Second})
	pool := worker.NewPool("notifier", 2, finished, n.Handle, nil)
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return len(finished.Completed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	assert.Equal(t, int32(4), calls.Load())
	assert.Empty(t, finished.Failed())
}

func TestNotifier_FailsAfterLastAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	finished := notifierQueue()
	data, err := json.Marshal(finishedPayload(t, srv.URL))
	require.NoError(t, err)
	_, err = finished.Add(context.Background(), "w1", data)
	require.NoError(t, err)

	n := NewNotifier(nil, nil, nil, NotifierConfig{Timeout: time.Second})
	pool := worker.NewPool("notifier", 2, finished, n.Handle, nil)
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return len(finished.Failed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	failed := finished.Failed()[0]
	assert.Equal(t, 5, failed.Attempts)
	assert.Contains(t, failed.Reason, "Status: 503")
	assert.Equal(t, int32(5), calls.Load())
	assert.Empty(t, finished.Completed())
}
