package pending

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an operation.
type Status string

const (
	// StatusPending means the operation is awaiting a decision.
	StatusPending Status = "pending"
	// StatusConfirmed means the operation was approved; if its executor
	// failed the record stays confirmed with ExecError set.
	StatusConfirmed Status = "confirmed"
	// StatusCancelled means the operation was declined or timed out with a
	// cancel default.
	StatusCancelled Status = "cancelled"
	// StatusExpired labels a pending operation discovered past its deadline
	// before its timer has run. It never hits durable storage; such records
	// resolve through the normal timer path.
	StatusExpired Status = "expired"
	// StatusExecuted means the executor ran and succeeded.
	StatusExecuted Status = "executed"
)

// DefaultAction is the transition applied automatically when an operation's
// hold time elapses unanswered.
type DefaultAction string

const (
	// DefaultConfirm confirms the operation on timeout.
	DefaultConfirm DefaultAction = "confirm"
	// DefaultCancel cancels the operation on timeout.
	DefaultCancel DefaultAction = "cancel"
)

// Operation is one confirmable, deferred action. The engine owns its
// lifecycle; executors and UI channels interpret the payload.
type Operation struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        Status         `json:"status"`
	DefaultAction DefaultAction  `json:"default_action"`

	// BoundUIRefs are opaque handles supplied by UI channels so they can
	// locate the rendered confirmation affordance later. The engine stores
	// them and never interprets them.
	BoundUIRefs []string `json:"bound_ui_refs,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// LastNotifiedAt throttles countdown pushes. It is bookkeeping and may
	// change after the record is otherwise terminal.
	LastNotifiedAt time.Time `json:"last_notified_at,omitempty"`

	// ExecError holds the executor failure detail for operations that were
	// confirmed but whose side effect did not succeed.
	ExecError string `json:"exec_error,omitempty"`
}

// Terminal reports whether the operation can no longer change state.
func (o *Operation) Terminal() bool {
	switch o.Status {
	case StatusConfirmed, StatusCancelled, StatusExecuted:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand to executors and notifiers.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Payload != nil {
		clone.Payload = make(map[string]any, len(o.Payload))
		for k, v := range o.Payload {
			clone.Payload[k] = v
		}
	}
	if o.BoundUIRefs != nil {
		clone.BoundUIRefs = append([]string(nil), o.BoundUIRefs...)
	}
	return &clone
}

// newOperationID composes a stable, globally unique handle from the operation
// type, the owning user, and the creation time. The uuid suffix keeps ids
// unique when one owner creates several operations of the same type within a
// clock tick.
func newOperationID(opType, ownerID string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d-%s", opType, ownerID, now.UnixNano(), uuid.NewString()[:8])
}
