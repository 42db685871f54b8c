// Package cancel implements cooperative run cancellation: an in-process
// signal registry plus a bridge from the database flag the API sets.
package cancel

import (
	"context"
	"sync"
)

// Checker reads the persisted cancellation flag.
type Checker interface {
	CancellationRequested(ctx context.Context, runID string) (bool, error)
}

// Registry is the process-wide run_id -> signal map. Constructed once at
// startup and shared by the worker and the executors.
type Registry struct {
	mu        sync.RWMutex
	cancelled map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancelled: make(map[string]bool)}
}

// Register tracks a run at execution start with a clear signal.
func (r *Registry) Register(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[runID] = false
}

// Unregister drops a run after its job finishes.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, runID)
}

// Signal marks a run cancelled. Signalling an untracked run is a no-op
// that still records the intent for a later probe.
func (r *Registry) Signal(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[runID] = true
}

// IsCancelled reports the in-process signal. Probed between steps.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled[runID]
}

// CheckAndSignal bridges the database flag into the in-process signal
// and reports the combined state. Called on job claim and on each step
// entry.
func (r *Registry) CheckAndSignal(ctx context.Context, runID string, checker Checker) (bool, error) {
	if r.IsCancelled(runID) {
		return true, nil
	}
	flagged, err := checker.CancellationRequested(ctx, runID)
	if err != nil {
		return false, err
	}
	if flagged {
		r.Signal(runID)
	}
	return flagged, nil
}
