// Package scheduler selects the next runnable task from the pending pool.
package scheduler

import (
	"context"
	"sort"

	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// Picker implements the selection policy: among pending tasks whose
// dependencies are all completed and whose reservation is still held, pick
// the highest priority; ties go to the earliest created (FIFO). The ordering
// is deterministic and starvation-free.
type Picker struct {
	store    *store.Store
	resolver *graph.Resolver
	ledger   *ledger.Ledger
}

// New creates a Picker over the given collaborators.
func New(s *store.Store, r *graph.Resolver, l *ledger.Ledger) *Picker {
	return &Picker{store: s, resolver: r, ledger: l}
}

// Next returns the next task to admit, or nil when nothing is runnable. The
// scan operates on a snapshot of task state; it never blocks behind processor
// I/O.
func (p *Picker) Next(ctx context.Context) (*models.Task, error) {
	ready, err := p.Ready(ctx)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	ordered := Order(ready)
	return &ordered[0], nil
}

// Ready returns the runnable subset of the pending pool, unordered.
func (p *Picker) Ready(ctx context.Context) ([]models.Task, error) {
	pending, err := p.store.ListTasks(models.TaskStatusPending, "")
	if err != nil {
		return nil, err
	}

	var ready []models.Task
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task := pending[i]

		ok, err := p.resolver.Ready(&task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		held, err := p.ledger.HasActiveReservation(task.OwnerID, task.ID)
		if err != nil {
			return nil, err
		}
		if !held {
			continue
		}
		ready = append(ready, task)
	}
	return ready, nil
}

// Order sorts tasks by descending priority, breaking ties by earliest
// created_at. Pure function over a snapshot, exported so the policy itself
// is testable.
func Order(tasks []models.Task) []models.Task {
	out := make([]models.Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
