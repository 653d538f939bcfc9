package models

import (
	"fmt"
	"time"
)

type ActionState string

const (
	ActionStatePending   ActionState = "pending"
	ActionStateSucceeded ActionState = "succeeded"
	ActionStateFailed    ActionState = "failed"
	// ActionStateSkipped means there was nothing to do, e.g. no phone on file.
	ActionStateSkipped ActionState = "skipped"
)

func (s ActionState) Done() bool {
	return s == ActionStateSucceeded || s == ActionStateSkipped
}

type DispatchKey struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

func (k DispatchKey) String() string {
	return fmt.Sprintf("%s/%s", k.OrderID, k.Status)
}

type ActionRecord struct {
	Name      string      `json:"name"`
	State     ActionState `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// DispatchRecord is the durable marker written with every status transition.
type DispatchRecord struct {
	Key          DispatchKey             `json:"key"`
	Actions      map[string]ActionRecord `json:"actions"`
	CreatedAt    time.Time               `json:"created_at"`
	ClaimedUntil *time.Time              `json:"claimed_until,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

func (r DispatchRecord) Action(name string) ActionRecord {
	if a, ok := r.Actions[name]; ok {
		return a
	}
	return ActionRecord{Name: name, State: ActionStatePending}
}

func (r DispatchRecord) HasFailures() bool {
	for _, a := range r.Actions {
		if a.State == ActionStateFailed {
			return true
		}
	}
	return false
}
