// Package processor defines the processor capability contract and the
// registry mapping task types to implementations.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/schuttebj/ryvr-sub001/internal/models"
)

// Processor handles validation and execution for one task type.
type Processor interface {
	// Type returns the task-type tag this processor serves.
	Type() string

	// ValidateInputs rejects a payload before any credit is touched.
	ValidateInputs(in models.Inputs) error

	// Process executes the task and returns its outputs. A processor whose
	// external service runs jobs asynchronously returns ErrExternalPending
	// after submitting; the engine then drives Poller.PollExternal.
	Process(ctx context.Context, task *models.Task) (models.Outputs, error)
}

// Poller is implemented by processors whose external service completes work
// asynchronously. The execution engine polls from its own loop so no worker
// blocks on a sleep.
type Poller interface {
	// PollExternal checks the external job identified by task.ExternalRef.
	PollExternal(ctx context.Context, task *models.Task) (out models.Outputs, done bool, err error)
}

// ErrExternalPending signals that a processor submitted an external job and
// the result must be collected later via Poller.PollExternal.
type ErrExternalPending struct {
	JobRef string
}

func (e *ErrExternalPending) Error() string {
	return fmt.Sprintf("external job pending: %s", e.JobRef)
}

// ErrUnknownTaskType indicates no processor is registered for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Registry maps task-type tags to processors. Registration happens once at
// startup; Resolve is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

// Register adds a processor. Registering the same type twice is an error.
func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.Type()]; ok {
		return fmt.Errorf("processor already registered for type %q", p.Type())
	}
	r.procs[p.Type()] = p
	return nil
}

// Resolve returns the processor for a task type.
func (r *Registry) Resolve(taskType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return p, nil
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.procs))
	for t := range r.procs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
