package domain

import (
	"encoding/json"
	"time"
)

// TaskKind names one of the two independently completable halves of a work item.
type TaskKind string

const (
	TaskProp TaskKind = "prop"
	TaskTax  TaskKind = "tax"
)

// ParseTaskKind validates a kind received from a caller.
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case TaskProp, TaskTax:
		return TaskKind(s), nil
	}
	return "", &ValidationError{Field: "kind", Reason: "must be one of: prop, tax"}
}

// PubSubRecord is one work item owing a prop sub-task, a tax sub-task, or both.
// A record exists only while at least one flag is 1.
type PubSubRecord struct {
	ID        string          `json:"id"`
	Prop      int             `json:"prop"`
	Tax       int             `json:"tax"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Flag returns the pending flag for kind.
func (r PubSubRecord) Flag(kind TaskKind) int {
	if kind == TaskTax {
		return r.Tax
	}
	return r.Prop
}

// Done reports whether both sub-tasks are complete.
func (r PubSubRecord) Done() bool {
	return r.Prop == 0 && r.Tax == 0
}

const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
)

// Order is the persisted entity a PubSubRecord shadows. The two share an id.
type Order struct {
	ID         string          `json:"id"`
	PropStatus string          `json:"propStatus"`
	TaxStatus  string          `json:"taxStatus"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
