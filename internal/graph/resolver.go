// Package graph validates and evaluates task dependency sets.
package graph

import (
	"errors"
	"fmt"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// ErrCycleDetected indicates the proposed edges would make a task depend,
// directly or transitively, on itself.
var ErrCycleDetected = errors.New("dependency cycle detected")

// ErrUnknownDependency indicates a proposed dependency references a task id
// that does not exist.
var ErrUnknownDependency = errors.New("unknown dependency")

// Resolver checks dependency graphs against the task store.
type Resolver struct {
	store *store.Store
}

// New creates a Resolver over the given store.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Validate checks that the proposed dependency set for taskID references only
// existing tasks and introduces no cycle. It only reads the store, so a
// rejection leaves the graph unchanged.
func (r *Resolver) Validate(taskID string, proposed []string) error {
	seen := make(map[string]bool, len(proposed))
	for _, dep := range proposed {
		if dep == taskID {
			return fmt.Errorf("%w: task %s depends on itself", ErrCycleDetected, taskID)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true

		exists, err := r.store.TaskExists(dep)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	// Depth-first reachability: if taskID is reachable from any proposed
	// dependency through stored edges, the new edges close a cycle.
	visited := make(map[string]bool)
	for dep := range seen {
		reach, err := r.reaches(dep, taskID, visited)
		if err != nil {
			return err
		}
		if reach {
			return fmt.Errorf("%w: %s transitively depends on %s", ErrCycleDetected, dep, taskID)
		}
	}
	return nil
}

func (r *Resolver) reaches(from, target string, visited map[string]bool) (bool, error) {
	if from == target {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true

	task, err := r.store.GetTask(from)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	for _, dep := range task.Dependencies {
		reach, err := r.reaches(dep, target, visited)
		if err != nil {
			return false, err
		}
		if reach {
			return true, nil
		}
	}
	return false, nil
}

// Ready reports whether every dependency of the task has completed. A failed
// or canceled dependency blocks readiness permanently; the dependent task must
// be canceled or have its dependency list edited.
func (r *Resolver) Ready(task *models.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := r.store.GetTask(dep)
		if err != nil {
			return false, err
		}
		if depTask == nil || depTask.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
