// Package lifecycle owns the task state machine: every legal status
// transition, its side effects, and the single emission point for
// notification events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schuttebj/ryvr-sub001/internal/approval"
	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/logging"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/notify"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// Sentinel errors for lifecycle operations.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotReady          = errors.New("dependencies not satisfied")
)

// Machine applies lifecycle transitions. It is the sole writer of the task
// status field; per-task mutexes serialize transitions so a task can never be
// admitted or finalized twice.
type Machine struct {
	store     *store.Store
	ledger    *ledger.Ledger
	resolver  *graph.Resolver
	registry  *processor.Registry
	bus       notify.Bus
	approvals approval.Authority

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// New constructs a Machine with its collaborators injected.
func New(s *store.Store, l *ledger.Ledger, r *graph.Resolver, reg *processor.Registry, bus notify.Bus, auth approval.Authority) *Machine {
	if bus == nil {
		bus = notify.Nop()
	}
	if auth == nil {
		auth = approval.None()
	}
	return &Machine{
		store:     s,
		ledger:    l,
		resolver:  r,
		registry:  reg,
		bus:       bus,
		approvals: auth,
		taskLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Machine) lockTask(id string) func() {
	m.mu.Lock()
	l, ok := m.taskLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.taskLocks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateRequest describes a task to be created.
type CreateRequest struct {
	OwnerID      string         `json:"owner_id"`
	Type         string         `json:"task_type"`
	Title        string         `json:"title"`
	Inputs       models.Inputs  `json:"inputs"`
	CreditCost   int            `json:"credit_cost"`
	Priority     *int           `json:"priority,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Draft        bool           `json:"draft,omitempty"`
}

// Create validates the request, reserves credit and persists the task. Any
// rejection happens before the task row exists: validation and dependency
// errors are returned before credit is touched, and a failed insert refunds
// the reservation.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if req.OwnerID == "" || req.Type == "" || req.Title == "" {
		return nil, fmt.Errorf("%w: owner_id, task_type and title are required", models.ErrValidation)
	}
	if req.CreditCost < 0 {
		return nil, fmt.Errorf("%w: credit_cost must not be negative", models.ErrValidation)
	}

	proc, err := m.registry.Resolve(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := proc.ValidateInputs(req.Inputs); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := m.resolver.Validate(id, req.Dependencies); err != nil {
		return nil, err
	}

	status := models.TaskStatusPending
	if req.Draft {
		status = models.TaskStatusDraft
	} else {
		required, err := m.approvals.RequiresApproval(ctx, req.OwnerID, req.Type)
		if err != nil {
			return nil, fmt.Errorf("approval check: %w", err)
		}
		if required {
			status = models.TaskStatusApprovalRequired
		}
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	if err := m.ledger.Reserve(req.OwnerID, req.CreditCost, id); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:           id,
		OwnerID:      req.OwnerID,
		Type:         req.Type,
		Status:       status,
		Title:        req.Title,
		Inputs:       req.Inputs,
		CreditCost:   req.CreditCost,
		Priority:     priority,
		Dependencies: req.Dependencies,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.CreateTask(task, fmt.Sprintf("task created as %s (cost %d)", status, req.CreditCost)); err != nil {
		// No task row may exist with a live hold against it.
		if rerr := m.ledger.Refund(req.OwnerID, req.CreditCost, id); rerr != nil {
			logging.Log("create rollback: refund of hold "+id+" for "+req.OwnerID+" failed: "+rerr.Error(), slog.LevelError)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	m.publish(ctx, task, "", status, nil)
	return task, nil
}

// Submit moves a draft task into the pending pool, applying the same approval
// decision create applies for non-draft tasks.
func (m *Machine) Submit(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusDraft {
		return nil, transitionErr(task.Status, models.TaskStatusPending)
	}

	to := models.TaskStatusPending
	required, err := m.approvals.RequiresApproval(ctx, task.OwnerID, task.Type)
	if err != nil {
		return nil, fmt.Errorf("approval check: %w", err)
	}
	if required {
		to = models.TaskStatusApprovalRequired
	}

	err = m.store.TransitionTask(store.TransitionParams{
		TaskID:     taskID,
		From:       models.TaskStatusDraft,
		To:         to,
		LogMessage: "task submitted",
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, task, models.TaskStatusDraft, to, nil)
	return m.load(taskID)
}

// Approve releases a task from approval_required into pending.
func (m *Machine) Approve(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusApprovalRequired {
		return nil, transitionErr(task.Status, models.TaskStatusPending)
	}

	err = m.store.TransitionTask(store.TransitionParams{
		TaskID:     taskID,
		From:       models.TaskStatusApprovalRequired,
		To:         models.TaskStatusPending,
		LogMessage: "task approved",
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, task, models.TaskStatusApprovalRequired, models.TaskStatusPending, map[string]any{"approved": true})
	return m.load(taskID)
}

// Admit moves a ready pending task into processing and stamps started_at.
// Losing the compare-and-set to a concurrent admit surfaces as
// store.ErrStatusConflict; callers treat that as "another worker won".
func (m *Machine) Admit(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending {
		return nil, transitionErr(task.Status, models.TaskStatusProcessing)
	}

	ready, err := m.resolver.Ready(task)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, ErrNotReady
	}

	err = m.store.TransitionTask(store.TransitionParams{
		TaskID:       taskID,
		From:         models.TaskStatusPending,
		To:           models.TaskStatusProcessing,
		SetStartedAt: true,
		LogMessage:   "task admitted for processing",
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, task, models.TaskStatusPending, models.TaskStatusProcessing, nil)
	return m.load(taskID)
}

// Finalize settles a processing task. Success debits the reservation and
// stores outputs; failure refunds it and records the error. The ledger row,
// the log entry and the status change commit in one transaction.
func (m *Machine) Finalize(ctx context.Context, taskID string, outcome models.Outcome) (*models.Task, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusProcessing {
		return nil, transitionErr(task.Status, models.TaskStatusCompleted)
	}

	// A success with no outputs would break the outputs<=>completed
	// invariant, so it is treated as a processor failure.
	if outcome.Success && len(outcome.Outputs) == 0 {
		outcome = models.Outcome{Err: fmt.Errorf("processor returned no outputs")}
	}

	if outcome.Success {
		err = m.ledger.Settle(models.LedgerKindDebit, task.OwnerID, task.CreditCost, taskID, func(entry *models.CreditLedgerEntry) error {
			return m.store.TransitionTask(store.TransitionParams{
				TaskID:       taskID,
				From:         models.TaskStatusProcessing,
				To:           models.TaskStatusCompleted,
				Outputs:      outcome.Outputs,
				SetCompleted: true,
				LogMessage:   fmt.Sprintf("task completed, %d credits charged", task.CreditCost),
				Ledger:       entry,
			})
		})
		if err != nil {
			return nil, err
		}
		m.publish(ctx, task, models.TaskStatusProcessing, models.TaskStatusCompleted, nil)
		return m.load(taskID)
	}

	msg := "processing failed"
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	err = m.ledger.Settle(models.LedgerKindRefund, task.OwnerID, task.CreditCost, taskID, func(entry *models.CreditLedgerEntry) error {
		return m.store.TransitionTask(store.TransitionParams{
			TaskID:       taskID,
			From:         models.TaskStatusProcessing,
			To:           models.TaskStatusFailed,
			ErrorMessage: msg,
			LogLevel:     models.LogLevelError,
			LogMessage:   fmt.Sprintf("task failed: %s (reservation refunded)", msg),
			Ledger:       entry,
		})
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, task, models.TaskStatusProcessing, models.TaskStatusFailed, map[string]any{"error": msg})
	return m.load(taskID)
}

// Cancel aborts a task before admission and refunds its reservation. A
// processing task cannot be canceled: there is no preemption of in-flight
// external calls.
func (m *Machine) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusDraft, models.TaskStatusPending, models.TaskStatusApprovalRequired:
	default:
		return nil, transitionErr(task.Status, models.TaskStatusCanceled)
	}

	from := task.Status
	err = m.ledger.Settle(models.LedgerKindRefund, task.OwnerID, task.CreditCost, taskID, func(entry *models.CreditLedgerEntry) error {
		return m.store.TransitionTask(store.TransitionParams{
			TaskID:     taskID,
			From:       from,
			To:         models.TaskStatusCanceled,
			LogMessage: "task canceled, reservation refunded",
			Ledger:     entry,
		})
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, task, from, models.TaskStatusCanceled, nil)
	return m.load(taskID)
}

func (m *Machine) load(taskID string) (*models.Task, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// publish emits the lifecycle event. This is the only place events leave the
// machine, and a bus failure never affects the committed transition.
func (m *Machine) publish(ctx context.Context, task *models.Task, from, to models.TaskStatus, payload map[string]any) {
	m.bus.Publish(ctx, models.LifecycleEvent{
		TaskID:    task.ID,
		OwnerID:   task.OwnerID,
		TaskType:  task.Type,
		OldStatus: from,
		NewStatus: to,
		Payload:   payload,
		At:        time.Now().UTC(),
	})
}

func transitionErr(from, to models.TaskStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
