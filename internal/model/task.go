package model

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusActive  TaskStatus = "active"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusDeleted TaskStatus = "deleted"
)

// Normalized priority constants (lower number = higher priority).
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
	PriorityLowest   = 5
)

// Task is the unified to-do projection of a ThirdPartyItem. There is at
// most one Task per (user, source item).
type Task struct {
	// ID is the internal unique identifier for this task.
	ID string `json:"id" db:"id"`

	UserID string `json:"user_id" db:"user_id"`

	// Kind is the kind of the source item this task was built from.
	Kind ThirdPartyItemKind `json:"kind" db:"kind"`

	// Title is the human-readable summary of the task.
	Title string `json:"title" db:"title"`

	// Body is the full description text.
	Body string `json:"body" db:"body"`

	Status TaskStatus `json:"status" db:"status"`

	// Priority is the provider's priority on the normalized scale.
	Priority int `json:"priority" db:"priority"`

	// PriorityOverride is set by the user and survives refreshes.
	PriorityOverride *int `json:"priority_override,omitempty" db:"priority_override"`

	DueAt   *time.Time `json:"due_at,omitempty" db:"due_at"`
	Project string     `json:"project" db:"project"`

	// SourceItemID is the ThirdPartyItem this task projects.
	SourceItemID string `json:"source_item_id" db:"source_item_id"`

	// SinkItemID is the item mirrored into a task-management provider.
	SinkItemID *string `json:"sink_item_id,omitempty" db:"sink_item_id"`

	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// EffectivePriority returns the user's override when present.
func (t *Task) EffectivePriority() int {
	if t.PriorityOverride != nil {
		return *t.PriorityOverride
	}
	return t.Priority
}

// TaskPatch carries user edits. Nil fields are left unchanged.
type TaskPatch struct {
	Status           *TaskStatus
	PriorityOverride *int
	ClearOverride    bool
}

// ParseTaskStatus validates a task status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	switch st {
	case TaskStatusActive, TaskStatusDone, TaskStatusDeleted:
		return st, nil
	}
	return "", &ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("unknown task status %q", s),
	}
}
