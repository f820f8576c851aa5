package correction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/platform/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gradedOutput = `{"success":true,"grade":95,"comments":["ok"]}`

func runningJob(id string) domain.RunningJob {
	return domain.RunningJob{WorkID: "work-" + id, ContainerID: id, Callback: "http://callback.test"}
}

type completerFixture struct {
	rt       *MockRuntime
	running  *queue.MemoryQueue
	finished *queue.MemoryQueue
	pub      *MockPublisher
	c        *Completer
}

func newCompleterFixture(cfg CompleterConfig) *completerFixture {
	f := &completerFixture{
		rt:       NewMockRuntime(),
		running:  testQueue("running"),
		finished: testQueue("finished"),
		pub:      &MockPublisher{},
	}
	f.c = NewCompleter(f.rt, f.running, f.finished, f.pub, nil, cfg)
	return f
}

func TestCompleter_AlreadyExited(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "exited")
	f.rt.Logs["c1"] = gradedOutput

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.Equal(t, "work-c1", jobs[0].WorkID)
	assert.Equal(t, "http://callback.test", jobs[0].Callback)
	assert.JSONEq(t, gradedOutput, string(jobs[0].CorrectionData))

	assert.Len(t, f.running.Completed(), 1)
	assert.Empty(t, f.running.Failed())
	assert.Equal(t, []string{"c1"}, f.rt.Calls(&f.rt.Removed))
	assert.Equal(t, 0, f.c.InFlight())
	assert.Equal(t, []string{domain.StatusFinished}, f.pub.Statuses())
}

func TestCompleter_DieAfterRegistration(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "running")
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	require.Equal(t, 1, f.c.InFlight())
	assert.Empty(t, finishedJobs(t, f.finished))

	f.rt.SetState("c1", "exited")
	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie})
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.Len(t, f.running.Completed(), 1)
	assert.Equal(t, 0, f.c.InFlight())
	assert.Equal(t, []string{domain.StatusRunning, domain.StatusFinished}, f.pub.Statuses())
}

func TestCompleter_DieBeforeRunningRecord(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "exited")
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie})
	f.c.Wait()
	assert.Empty(t, finishedJobs(t, f.finished), "unregistered die event must be ignored")

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	assert.Len(t, finishedJobs(t, f.finished), 1)
	assert.Len(t, f.rt.Calls(&f.rt.LogsCaptured), 1)
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_ExitBetweenInspectAndRegister(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	calls := 0
	f.rt.InspectFunc = func(ctx context.Context, id string) (domain.ContainerState, error) {
		calls++
		if calls == 1 {
			// The die event fires right after this answer and is ignored.
			f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: id, Action: domain.EventDie})
			return domain.ContainerState{ID: id, Status: "running"}, nil
		}
		return domain.ContainerState{ID: id, Status: "exited"}, nil
	}

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	assert.Equal(t, 2, calls)
	assert.Len(t, finishedJobs(t, f.finished), 1)
	assert.Len(t, f.running.Completed(), 1)
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_DuplicateDie(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "running")
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	f.rt.SetState("c1", "exited")
	die := domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie}
	f.c.handleEvent(ctx, die)
	f.c.handleEvent(ctx, die)
	f.c.Wait()

	assert.Len(t, finishedJobs(t, f.finished), 1)
	assert.Len(t, f.rt.Calls(&f.rt.LogsCaptured), 1)
	assert.Len(t, f.running.Completed(), 1)
}

func TestCompleter_ConcurrentOrderings(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	ctx := context.Background()

	const n = 50
	leases := make([]*domain.Lease, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		f.rt.SetState(id, "running")
		f.rt.Logs[id] = gradedOutput
		leases[i] = lease(t, f.running, runningJob(id))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(2)
		go func(l *domain.Lease) {
			defer wg.Done()
			f.c.handleLease(ctx, l)
		}(leases[i])
		go func() {
			defer wg.Done()
			f.rt.SetState(id, "exited")
			f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: id, Action: domain.EventDie})
		}()
	}
	wg.Wait()
	f.c.Wait()

	assert.Len(t, finishedJobs(t, f.finished), n)
	assert.Len(t, f.rt.Calls(&f.rt.LogsCaptured), n)
	assert.Len(t, f.running.Completed(), n)
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_KilledWhileInFlight(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "running")
	ctx := context.Background()

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventKill})
	// The die that follows a kill finds nothing to do.
	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie})
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Error)
	assert.Contains(t, jobs[0].ErrorMessage(), "killed or destroyed")
	assert.Empty(t, f.rt.Calls(&f.rt.LogsCaptured))

	failed := f.running.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts, "abnormal termination is not retried")
	assert.Empty(t, f.running.Completed())
	assert.Equal(t, []string{domain.StatusRunning, domain.StatusFailed}, f.pub.Statuses())
}

func TestCompleter_MaxRuntimeExceeded(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{MaxRuntime: 30 * time.Millisecond})
	f.rt.SetState("c1", "running")

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("c1")))

	require.Eventually(t, func() bool {
		return len(f.running.Failed()) == 1
	}, time.Second, 5*time.Millisecond)
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Error)
	assert.Contains(t, jobs[0].ErrorMessage(), "timed out after 30ms")
	assert.Equal(t, []string{"c1"}, f.rt.Calls(&f.rt.Killed))
	assert.Equal(t, []string{"c1"}, f.rt.Calls(&f.rt.Removed))
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_InvalidResponse(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "exited")
	f.rt.Logs["c1"] = "Segmentation fault"

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Error)
	assert.Contains(t, jobs[0].ErrorMessage(), "invalid response format")
	assert.NotContains(t, jobs[0].ErrorMessage(), "Segmentation fault", "raw logs stay local")
	assert.Len(t, f.running.Failed(), 1)
	assert.Equal(t, []string{"c1"}, f.rt.Calls(&f.rt.Removed))
}

func TestCompleter_KeepsUnknownResponseFields(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "exited")
	f.rt.Logs["c1"] = "compiling\n-----BEGIN CORRECTOMATIC RESPONSE-----\n" +
		`{"success": true, "grade": 6, "feedback": {"failed": ["test_bounds"]}}` +
		"\n-----END CORRECTOMATIC RESPONSE-----\n"

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.JSONEq(t, `{"success":true,"grade":6,"feedback":{"failed":["test_bounds"]}}`, string(jobs[0].CorrectionData))
}

func TestCompleter_WorkloadFailureIsNotAnError(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})
	f.rt.SetState("c1", "exited")
	f.rt.Logs["c1"] = `{"success":false,"error":"does not compile"}`

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("c1")))
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.JSONEq(t, `{"success":false,"error":"does not compile"}`, string(jobs[0].CorrectionData))
	assert.Len(t, f.running.Completed(), 1)
}

func TestCompleter_ContainerNotFound(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})

	f.c.handleLease(context.Background(), lease(t, f.running, runningJob("gone")))
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Error)
	assert.Contains(t, jobs[0].ErrorMessage(), "container not found")
	assert.Len(t, f.running.Failed(), 1)
}

// stallAndRedeliver lets the lease on the running record expire, runs stall
// recovery and leases the record again.
func stallAndRedeliver(t *testing.T, f *completerFixture) *domain.Lease {
	t.Helper()
	ctx := context.Background()

	time.Sleep(30 * time.Millisecond)
	n, err := f.running.CheckStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	l, err := f.running.GetNextJob(ctx, "test-consumer")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Equal(t, 1, l.StalledCount)
	return l
}

func newStallingFixture() *completerFixture {
	f := newCompleterFixture(CompleterConfig{})
	f.running = queue.NewMemoryQueue("running", queue.Options{
		PollInterval:    10 * time.Millisecond,
		LockDuration:    20 * time.Millisecond,
		MaxStalledCount: 1,
	})
	f.c = NewCompleter(f.rt, f.running, f.finished, f.pub, nil, CompleterConfig{})
	return f
}

func TestCompleter_RedeliveredAfterCollection(t *testing.T) {
	f := newStallingFixture()
	f.rt.SetState("c1", "running")
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	require.Equal(t, 1, f.c.InFlight())

	time.Sleep(30 * time.Millisecond)
	_, err := f.running.CheckStalled(ctx)
	require.NoError(t, err)

	// The container ends while the record waits for redelivery. Its result
	// is sent even though the expired lease can no longer be completed.
	f.rt.SetState("c1", "exited")
	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie})
	f.c.Wait()
	assert.Empty(t, f.running.Completed())

	redelivered, err := f.running.GetNextJob(ctx, "test-consumer")
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, 1, redelivered.StalledCount)

	f.c.handleLease(ctx, redelivered)
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.JSONEq(t, gradedOutput, string(jobs[0].CorrectionData))
	assert.Len(t, f.running.Failed(), 1)
	assert.Equal(t, 0, f.c.InFlight())
	assert.Equal(t, []string{"c1"}, f.rt.Calls(&f.rt.Removed))
}

func TestCompleter_RedeliveredWhileRunningReplacesLease(t *testing.T) {
	f := newStallingFixture()
	f.rt.SetState("c1", "running")
	f.rt.Logs["c1"] = gradedOutput
	ctx := context.Background()

	first := lease(t, f.running, runningJob("c1"))
	f.c.handleLease(ctx, first)
	require.Equal(t, 1, f.c.InFlight())

	redelivered := stallAndRedeliver(t, f)
	f.c.handleLease(ctx, redelivered)
	assert.Equal(t, 1, f.c.InFlight())

	err := f.running.MoveToCompleted(ctx, first)
	require.ErrorIs(t, err, domain.ErrLeaseLost)

	f.rt.SetState("c1", "exited")
	f.c.handleEvent(ctx, domain.ContainerEvent{ContainerID: "c1", Action: domain.EventDie})
	f.c.Wait()

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Error)
	assert.Len(t, f.running.Completed(), 1)
	assert.Empty(t, f.running.Failed())
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_RedeliveredContainerVanishesOnReinspect(t *testing.T) {
	f := newStallingFixture()
	f.rt.SetState("c1", "running")
	ctx := context.Background()

	f.c.handleLease(ctx, lease(t, f.running, runningJob("c1")))
	redelivered := stallAndRedeliver(t, f)

	// Running on the first inspection, gone on the second.
	var inspections int
	var mu sync.Mutex
	f.rt.InspectFunc = func(ctx context.Context, id string) (domain.ContainerState, error) {
		mu.Lock()
		defer mu.Unlock()
		inspections++
		if inspections == 1 {
			return domain.ContainerState{Status: "running"}, nil
		}
		return domain.ContainerState{}, domain.ErrContainerNotFound
	}

	f.c.handleLease(ctx, redelivered)
	f.c.Wait()

	assert.Empty(t, finishedJobs(t, f.finished))
	assert.Len(t, f.running.Failed(), 1)
	assert.Equal(t, 0, f.c.InFlight())
}

func TestCompleter_MalformedRunningJob(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{})

	f.c.handleLease(context.Background(), lease(t, f.running, "not a running job"))
	f.c.Wait()

	assert.Empty(t, finishedJobs(t, f.finished))
	assert.Len(t, f.running.Failed(), 1)
	assert.Empty(t, f.rt.Calls(&f.rt.Inspected))
}

func TestCompleter_Run(t *testing.T) {
	f := newCompleterFixture(CompleterConfig{ReconnectDelay: 10 * time.Millisecond})
	f.rt.SetState("c1", "running")
	f.rt.Logs["c1"] = gradedOutput

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.c.Run(ctx)
	}()

	data := `{"work_id":"w1","container_id":"c1","callback":"http://callback.test"}`
	_, err := f.running.Add(ctx, "c1", []byte(data))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.c.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	// A broken event stream is resubscribed.
	f.rt.errs <- fmt.Errorf("connection reset")
	f.rt.SetState("c1", "exited")
	f.rt.Emit("c1", domain.EventDie)

	require.Eventually(t, func() bool { return len(f.running.Completed()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completer did not stop")
	}

	jobs := finishedJobs(t, f.finished)
	require.Len(t, jobs, 1)
	assert.Equal(t, "w1", jobs[0].WorkID)
	assert.JSONEq(t, gradedOutput, string(jobs[0].CorrectionData))
}
