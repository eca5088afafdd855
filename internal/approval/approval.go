// Package approval decides whether a task needs human approval before it may
// enter the pending pool.
package approval

import "context"

// Authority decides, at task-creation time, whether a given (owner, task type)
// pair requires approval.
type Authority interface {
	RequiresApproval(ctx context.Context, ownerID, taskType string) (bool, error)
}

// Policy is a static rule set: approval is required when the task type or the
// owner is listed, or when All is set.
type Policy struct {
	All       bool
	TaskTypes map[string]bool
	Owners    map[string]bool
}

// NewPolicy builds a Policy from lists of task types and owners.
func NewPolicy(taskTypes, owners []string) *Policy {
	p := &Policy{
		TaskTypes: make(map[string]bool, len(taskTypes)),
		Owners:    make(map[string]bool, len(owners)),
	}
	for _, t := range taskTypes {
		p.TaskTypes[t] = true
	}
	for _, o := range owners {
		p.Owners[o] = true
	}
	return p
}

// RequiresApproval applies the policy.
func (p *Policy) RequiresApproval(_ context.Context, ownerID, taskType string) (bool, error) {
	if p.All {
		return true, nil
	}
	return p.TaskTypes[taskType] || p.Owners[ownerID], nil
}

// None returns an authority that never requires approval.
func None() Authority {
	return &Policy{}
}
