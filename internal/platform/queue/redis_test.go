package queue

import (
	"encoding/json"
	"testing"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	data, err := json.Marshal(record{JobID: "j1", Name: "correction", Data: json.RawMessage(`{"a":1}`), Attempts: 2, Stalled: 1})
	require.NoError(t, err)

	rec, err := decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"job": string(data)}})
	require.NoError(t, err)
	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, rec.Stalled)
	assert.JSONEq(t, `{"a":1}`, string(rec.Data))
}

func TestDecodeMessage_Invalid(t *testing.T) {
	_, err := decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"other": "x"}})
	assert.Error(t, err)

	_, err = decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"job": "{"}})
	assert.Error(t, err)
}

func TestLeaseRecord(t *testing.T) {
	rec := leaseRecord(&domain.Lease{JobID: "j", Name: "n", Data: []byte(`{}`), AttemptsMade: 3, StalledCount: 1})
	assert.Equal(t, record{JobID: "j", Name: "n", Data: json.RawMessage(`{}`), Attempts: 3, Stalled: 1}, rec)
}

func TestNewRedisQueue_Keys(t *testing.T) {
	q := NewRedisQueue(nil, "correctomatic", "finished_corrections", Options{Attempts: 5})
	assert.Equal(t, "correctomatic:finished_corrections", q.stream)
	assert.Equal(t, "correctomatic:finished_corrections:delayed", q.delayed)
	assert.Equal(t, "correctomatic:finished_corrections:failed", q.failed)
	assert.Equal(t, 5, q.opts.Attempts)
	assert.Equal(t, DefaultPollInterval, q.opts.PollInterval)
}
