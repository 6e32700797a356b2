package models

// ConfirmResult is the resolved outcome of a user confirmation request.
// Tasks is only populated for plan confirmations where the client supplied
// an edited task list alongside approval.
type ConfirmResult struct {
	Confirmed bool   `json:"confirmed"`
	Tasks     []Task `json:"tasks,omitempty"`
	TimedOut  bool   `json:"-"`
}

// Denied is the canonical denial result used for timeouts and drains.
var Denied = ConfirmResult{Confirmed: false}
