package session

import (
	"log/slog"
	"sync"

	"github.com/maestro-agent/maestro/pkg/models"
)

// confirmRegistry holds the session's pending confirmation slots keyed
// by step_id. Every confirm-emitting site generates a fresh UUID step_id
// so concurrent agents never collide.
type confirmRegistry struct {
	mu      sync.Mutex
	pending map[string]chan models.ConfirmResult
}

func newConfirmRegistry() *confirmRegistry {
	return &confirmRegistry{pending: make(map[string]chan models.ConfirmResult)}
}

// register creates the slot for stepID. The channel has capacity 1 so
// resolution never blocks the command loop.
func (r *confirmRegistry) register(stepID string) chan models.ConfirmResult {
	ch := make(chan models.ConfirmResult, 1)
	r.mu.Lock()
	r.pending[stepID] = ch
	r.mu.Unlock()
	return ch
}

// remove discards the slot, used when the waiter times out or unwinds.
func (r *confirmRegistry) remove(stepID string) {
	r.mu.Lock()
	delete(r.pending, stepID)
	r.mu.Unlock()
}

// resolve delivers the user's response to the waiting slot. A response
// with no matching slot (expired, duplicate, or bogus step_id) is
// dropped with a warning.
func (r *confirmRegistry) resolve(stepID string, result models.ConfirmResult) bool {
	r.mu.Lock()
	ch, ok := r.pending[stepID]
	if ok {
		delete(r.pending, stepID)
	}
	r.mu.Unlock()

	if !ok {
		slog.Warn("Dropping unmatched confirmation response", "step_id", stepID)
		return false
	}
	ch <- result
	return true
}

// drainCancel resolves every pending slot with a denial. Called on
// session cancel and destroy so no waiter hangs.
func (r *confirmRegistry) drainCancel() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan models.ConfirmResult)
	r.mu.Unlock()

	for stepID, ch := range pending {
		slog.Debug("Cancelling pending confirmation", "step_id", stepID)
		ch <- models.Denied
	}
}
