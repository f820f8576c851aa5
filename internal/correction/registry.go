package correction

import (
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
)

// Tracked is a running job whose container has not been seen to exit yet.
// Its lease stays open until the completion procedure releases it.
type Tracked struct {
	Lease *domain.Lease
	Job   domain.RunningJob
}

type entry struct {
	tracked Tracked
	timer   *time.Timer
}

// Registry maps container ids to the jobs awaiting completion detection.
// Claim is the only way out of the registry, so for a given container
// exactly one caller gets to complete its job.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register tracks the job for containerID. A container that is already
// tracked (a redelivered running record) gets its lease replaced and its
// watchdog disarmed. It reports whether the container was new.
func (r *Registry) Register(containerID string, t Tracked) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[containerID]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		r.entries[containerID] = &entry{tracked: t}
		return false
	}
	r.entries[containerID] = &entry{tracked: t}
	return true
}

// Watch calls expire with containerID once d elapses, unless the container
// is claimed first. It reports false when the container is not tracked.
func (r *Registry) Watch(containerID string, d time.Duration, expire func(containerID string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() { expire(containerID) })
	return true
}

// Claim removes and returns the job tracked for containerID.
// Concurrent claims of the same id succeed at most once.
func (r *Registry) Claim(containerID string) (Tracked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok {
		return Tracked{}, false
	}
	delete(r.entries, containerID)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.tracked, true
}

// Len returns the number of tracked containers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
