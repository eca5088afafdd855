// Package controlplane provides the HTTP API and service layer for the
// Ryvr task engine.
package controlplane

import (
	"context"
	"fmt"

	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// StatsFunc reports execution engine statistics for the status endpoint.
type StatsFunc func() map[string]interface{}

// Service provides the control plane business logic over the engine.
type Service struct {
	store    *store.Store
	machine  *lifecycle.Machine
	ledger   *ledger.Ledger
	resolver *graph.Resolver
	stats    StatsFunc
}

// NewService creates a new control plane service.
func NewService(s *store.Store, m *lifecycle.Machine, l *ledger.Ledger, r *graph.Resolver, stats StatsFunc) *Service {
	return &Service{store: s, machine: m, ledger: l, resolver: r, stats: stats}
}

// --- Task Operations ---

// CreateTask creates a new task through the lifecycle machine.
func (s *Service) CreateTask(ctx context.Context, req lifecycle.CreateRequest) (*models.Task, error) {
	return s.machine.Create(ctx, req)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status and owner.
func (s *Service) ListTasks(status models.TaskStatus, ownerID string) ([]models.Task, error) {
	return s.store.ListTasks(status, ownerID)
}

// SubmitTask promotes a draft task into the pending pool.
func (s *Service) SubmitTask(ctx context.Context, id string) (*models.Task, error) {
	return s.machine.Submit(ctx, id)
}

// ApproveTask releases a task awaiting approval.
func (s *Service) ApproveTask(ctx context.Context, id string) (*models.Task, error) {
	return s.machine.Approve(ctx, id)
}

// CancelTask cancels a task that has not been admitted.
func (s *Service) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	return s.machine.Cancel(ctx, id)
}

// TaskLogs returns a task's log entries.
func (s *Service) TaskLogs(id string) ([]models.TaskLogEntry, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	return s.store.TaskLogs(task.ID)
}

// SetPriority changes a task's priority while it has not been admitted.
func (s *Service) SetPriority(id string, priority int) (*models.Task, error) {
	if err := s.store.UpdateTaskPriority(id, priority); err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// SetDependencies replaces a task's dependency set after graph validation.
func (s *Service) SetDependencies(id string, deps []string) (*models.Task, error) {
	if _, err := s.GetTask(id); err != nil {
		return nil, err
	}
	if err := s.resolver.Validate(id, deps); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTaskDependencies(id, deps); err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// --- Credit Operations ---

// Topup credits an account.
func (s *Service) Topup(accountID string, amount int) (*models.CreditLedgerEntry, error) {
	if accountID == "" {
		return nil, ErrAccountMissing
	}
	return s.ledger.Topup(accountID, amount)
}

// Balance returns an account's current credit balance.
func (s *Service) Balance(accountID string) (int, error) {
	if accountID == "" {
		return 0, ErrAccountMissing
	}
	return s.ledger.Balance(accountID)
}

// LedgerEntries returns an account's ledger in append order.
func (s *Service) LedgerEntries(accountID string) ([]models.CreditLedgerEntry, error) {
	if accountID == "" {
		return nil, ErrAccountMissing
	}
	return s.ledger.Entries(accountID)
}

// Stats returns engine statistics, if an engine is attached.
func (s *Service) Stats() map[string]interface{} {
	if s.stats == nil {
		return map[string]interface{}{}
	}
	return s.stats()
}
