// Package models defines the core domain types for the Ryvr task engine.
package models

import (
	"errors"
	"time"
)

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

const (
	TaskStatusDraft            TaskStatus = "draft"
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusApprovalRequired TaskStatus = "approval_required"
	TaskStatusProcessing       TaskStatus = "processing"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCanceled         TaskStatus = "canceled"
)

// Terminal reports whether no further transitions are possible from the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// DefaultPriority is the mid-range priority assigned when the caller does not set one.
const DefaultPriority = 50

// Inputs is the opaque structured payload a processor consumes.
type Inputs map[string]any

// Outputs is the opaque structured result a processor produces.
type Outputs map[string]any

// Task represents a single billable, asynchronous unit of work routed to a processor.
type Task struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Type         string     `json:"task_type"`
	Status       TaskStatus `json:"status"`
	Title        string     `json:"title"`
	Inputs       Inputs     `json:"inputs,omitempty"`
	Outputs      Outputs    `json:"outputs,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	CreditCost   int        `json:"credit_cost"`
	Priority     int        `json:"priority"`
	Dependencies []string   `json:"dependencies,omitempty"`
	// ExternalRef tracks an in-flight job at an external service while the
	// task is processing (pending external result sub-state).
	ExternalRef string     `json:"external_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogLevel classifies a task log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// TaskLogEntry is an append-only log line owned by a task.
type TaskLogEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerKind is the business reason for a credit ledger entry.
type LedgerKind string

const (
	LedgerKindReserve LedgerKind = "reserve"
	LedgerKindDebit   LedgerKind = "debit"
	LedgerKindRefund  LedgerKind = "refund"
	LedgerKindTopup   LedgerKind = "topup"
)

// CreditLedgerEntry is a single append-only row in an account's credit ledger.
// Balance for an account is the sum of deltas: a reserve carries the negative
// hold amount, a debit converts the hold with delta zero, a refund returns it.
type CreditLedgerEntry struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Delta     int        `json:"delta"`
	Kind      LedgerKind `json:"kind"`
	RefTaskID string     `json:"ref_task_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Outcome is the result a processor invocation feeds back into the lifecycle.
type Outcome struct {
	Success bool
	Outputs Outputs
	Err     error
}

// LifecycleEvent is emitted to the notification bus on every status transition.
type LifecycleEvent struct {
	TaskID    string         `json:"task_id"`
	OwnerID   string         `json:"owner_id"`
	TaskType  string         `json:"task_type"`
	OldStatus TaskStatus     `json:"old_status"`
	NewStatus TaskStatus     `json:"new_status"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// ErrValidation marks bad caller input, rejected before any credit is touched.
var ErrValidation = errors.New("validation failed")
