package correction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/platform/queue"
	"github.com/stretchr/testify/require"
)

// MockRuntime implements domain.ContainerRuntime for testing.
type MockRuntime struct {
	mu sync.Mutex

	// States and Logs are keyed by container id.
	States map[string]domain.ContainerState
	Logs   map[string]string

	// Func fields override the default behavior per test.
	PullFunc    func(ctx context.Context, image string) error
	CreateFunc  func(ctx context.Context, spec domain.ContainerSpec) (string, error)
	StartFunc   func(ctx context.Context, id string) error
	InspectFunc func(ctx context.Context, id string) (domain.ContainerState, error)

	// Track method calls
	Pulled       []string
	Created      []domain.ContainerSpec
	Started      []string
	Inspected    []string
	LogsCaptured []string
	Killed       []string
	Removed      []string

	events chan domain.ContainerEvent
	errs   chan error
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		States: make(map[string]domain.ContainerState),
		Logs:   make(map[string]string),
		events: make(chan domain.ContainerEvent, 16),
		errs:   make(chan error, 1),
	}
}

// SetState changes what Inspect reports for id.
func (m *MockRuntime) SetState(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States[id] = domain.ContainerState{ID: id, Status: status}
}

// Emit queues an engine event for the subscriber.
func (m *MockRuntime) Emit(id, action string) {
	m.events <- domain.ContainerEvent{ContainerID: id, Action: action, Time: time.Now()}
}

func (m *MockRuntime) EnsurePulled(ctx context.Context, image string) error {
	m.mu.Lock()
	m.Pulled = append(m.Pulled, image)
	m.mu.Unlock()
	if m.PullFunc != nil {
		return m.PullFunc(ctx, image)
	}
	return nil
}

func (m *MockRuntime) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	m.mu.Lock()
	m.Created = append(m.Created, spec)
	m.mu.Unlock()
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, spec)
	}
	return "container-1", nil
}

func (m *MockRuntime) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	m.Started = append(m.Started, id)
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx, id)
	}
	return nil
}

func (m *MockRuntime) Inspect(ctx context.Context, id string) (domain.ContainerState, error) {
	m.mu.Lock()
	m.Inspected = append(m.Inspected, id)
	state, ok := m.States[id]
	m.mu.Unlock()
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, id)
	}
	if !ok {
		return domain.ContainerState{}, domain.ErrContainerNotFound
	}
	return state, nil
}

func (m *MockRuntime) AwaitExit(ctx context.Context, id string, maxRuntime time.Duration) (domain.ExitStatus, error) {
	return domain.ExitStatus{}, nil
}

func (m *MockRuntime) CaptureLogs(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LogsCaptured = append(m.LogsCaptured, id)
	logs, ok := m.Logs[id]
	if !ok {
		return "", errors.New("no logs")
	}
	return logs, nil
}

func (m *MockRuntime) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Killed = append(m.Killed, id)
	m.States[id] = domain.ContainerState{ID: id, Status: "exited", ExitCode: 137}
	return nil
}

func (m *MockRuntime) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, id)
	delete(m.States, id)
	return nil
}

func (m *MockRuntime) Events(ctx context.Context, since time.Time) (<-chan domain.ContainerEvent, <-chan error) {
	return m.events, m.errs
}

// Calls returns a copy of a tracked call list under the lock.
func (m *MockRuntime) Calls(list *[]string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), (*list)...)
}

func testQueue(name string) *queue.MemoryQueue {
	return queue.NewMemoryQueue(name, queue.Options{
		PollInterval: 10 * time.Millisecond,
		LockDuration: time.Minute,
	})
}

// lease adds payload to q and leases it back.
func lease(t *testing.T, q *queue.MemoryQueue, payload any) *domain.Lease {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "job", data)
	require.NoError(t, err)

	l, err := q.GetNextJob(context.Background(), "test-consumer")
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func finishedJobs(t *testing.T, q *queue.MemoryQueue) []domain.FinishedJob {
	t.Helper()
	var out []domain.FinishedJob
	for _, data := range q.Waiting() {
		var f domain.FinishedJob
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

// MockPublisher records status events.
type MockPublisher struct {
	mu     sync.Mutex
	Events []domain.StatusEvent
}

func (m *MockPublisher) PublishStatus(ctx context.Context, event domain.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockPublisher) Statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Events {
		out = append(out, e.Status)
	}
	return out
}
