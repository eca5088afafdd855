// Package keyword implements the keyword-research processor.
package keyword

import (
	"context"
	"fmt"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
)

// TaskType is the task-type tag this processor registers under.
const TaskType = "keyword_research"

// Processor runs keyword research through the external SEO service. Research
// runs as a job on the service side: Process submits and returns
// ErrExternalPending; the engine collects the result via PollExternal.
type Processor struct {
	client processor.Client
}

// New creates a keyword-research processor.
func New(client processor.Client) *Processor {
	return &Processor{client: client}
}

// Type returns the task-type tag.
func (p *Processor) Type() string { return TaskType }

// ValidateInputs requires at least one seed keyword.
func (p *Processor) ValidateInputs(in models.Inputs) error {
	seeds, ok := in["seed_keywords"].([]any)
	if !ok || len(seeds) == 0 {
		return fmt.Errorf("%w: seed_keywords is required", models.ErrValidation)
	}
	for _, s := range seeds {
		if kw, ok := s.(string); !ok || kw == "" {
			return fmt.Errorf("%w: seed_keywords must be non-empty strings", models.ErrValidation)
		}
	}
	return nil
}

// Process submits the research job and reports it pending.
func (p *Processor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	resp, err := p.client.Do(ctx, processor.Request{
		Operation: "keyword_research",
		Params:    map[string]any(task.Inputs),
	})
	if err != nil {
		return nil, fmt.Errorf("keyword research: %w", err)
	}
	if resp.Done {
		return models.Outputs(resp.Data), nil
	}
	if resp.JobRef == "" {
		return nil, fmt.Errorf("keyword research: service returned neither result nor job ref")
	}
	return nil, &processor.ErrExternalPending{JobRef: resp.JobRef}
}

// PollExternal checks the research job recorded on the task.
func (p *Processor) PollExternal(ctx context.Context, task *models.Task) (models.Outputs, bool, error) {
	resp, err := p.client.Do(ctx, processor.Request{
		Operation: "keyword_research_status",
		Params:    map[string]any{"job_ref": task.ExternalRef},
	})
	if err != nil {
		return nil, false, fmt.Errorf("keyword research status: %w", err)
	}
	if !resp.Done {
		return nil, false, nil
	}
	return models.Outputs(resp.Data), true, nil
}
