// Package contentgen implements the content-generation processor.
package contentgen

import (
	"context"
	"fmt"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
)

// TaskType is the task-type tag this processor registers under.
const TaskType = "content_generation"

// Processor generates content through the external AI service. The service
// answers inline, so Process completes in one call.
type Processor struct {
	client processor.Client
}

// New creates a content-generation processor.
func New(client processor.Client) *Processor {
	return &Processor{client: client}
}

// Type returns the task-type tag.
func (p *Processor) Type() string { return TaskType }

// ValidateInputs requires a non-empty topic; tone and word_count are optional.
func (p *Processor) ValidateInputs(in models.Inputs) error {
	topic, ok := in["topic"].(string)
	if !ok || topic == "" {
		return fmt.Errorf("%w: topic is required", models.ErrValidation)
	}
	if wc, ok := in["word_count"]; ok {
		// JSON numbers decode as float64
		n, ok := wc.(float64)
		if !ok || n <= 0 {
			return fmt.Errorf("%w: word_count must be a positive number", models.ErrValidation)
		}
	}
	return nil
}

// Process requests generated content for the task's inputs.
func (p *Processor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	resp, err := p.client.Do(ctx, processor.Request{
		Operation: "generate_content",
		Params:    map[string]any(task.Inputs),
	})
	if err != nil {
		return nil, fmt.Errorf("content generation: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("content generation: empty response")
	}
	return models.Outputs(resp.Data), nil
}
