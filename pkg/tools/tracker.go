package tools

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/easel-ai/easel-engine/pkg/models"
)

// Tracker records invocation lifecycles for the process lifetime.
// It is the single writer of invocation status and enforces monotonic
// transitions: pending -> running -> exactly one terminal state.
type Tracker struct {
	mu          sync.RWMutex
	invocations map[uuid.UUID]*models.Invocation
}

// NewTracker creates an empty invocation tracker.
func NewTracker() *Tracker {
	return &Tracker{invocations: make(map[uuid.UUID]*models.Invocation)}
}

// Add registers a new invocation.
func (t *Tracker) Add(inv *models.Invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invocations[inv.ID] = inv
}

// Get returns a copy of the invocation with the given id.
func (t *Tracker) Get(id uuid.UUID) (models.Invocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.invocations[id]
	if !ok {
		return models.Invocation{}, false
	}
	return *inv, true
}

// Transition attempts to move inv to the given status. It returns false if
// the transition would violate monotonicity (a terminal invocation never
// re-enters pending or running, and never changes terminal state).
func (t *Tracker) Transition(inv *models.Invocation, to models.InvocationStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case inv.Status == models.StatusPending && to == models.StatusRunning:
	case inv.Status == models.StatusRunning && to.Terminal():
	case inv.Status == models.StatusPending && to.Terminal():
		// a pre-flight failure terminates without ever running
	default:
		return false
	}

	inv.Status = to
	if to.Terminal() {
		now := time.Now()
		inv.FinishedAt = &now
	}
	return true
}
