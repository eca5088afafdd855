// Package seoaudit implements the site-audit processor.
package seoaudit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
)

// TaskType is the task-type tag this processor registers under.
const TaskType = "seo_audit"

// Processor runs a site audit through the external SEO service. Audits are
// crawl jobs on the service side, so Process submits and the engine polls.
type Processor struct {
	client processor.Client
}

// New creates a site-audit processor.
func New(client processor.Client) *Processor {
	return &Processor{client: client}
}

// Type returns the task-type tag.
func (p *Processor) Type() string { return TaskType }

// ValidateInputs requires a parseable absolute site_url.
func (p *Processor) ValidateInputs(in models.Inputs) error {
	raw, ok := in["site_url"].(string)
	if !ok || raw == "" {
		return fmt.Errorf("%w: site_url is required", models.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: site_url must be an absolute URL", models.ErrValidation)
	}
	if pages, ok := in["max_pages"]; ok {
		n, ok := pages.(float64)
		if !ok || n <= 0 {
			return fmt.Errorf("%w: max_pages must be a positive number", models.ErrValidation)
		}
	}
	return nil
}

// Process submits the audit crawl and reports it pending.
func (p *Processor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	resp, err := p.client.Do(ctx, processor.Request{
		Operation: "site_audit",
		Params:    map[string]any(task.Inputs),
	})
	if err != nil {
		return nil, fmt.Errorf("site audit: %w", err)
	}
	if resp.Done {
		return models.Outputs(resp.Data), nil
	}
	if resp.JobRef == "" {
		return nil, fmt.Errorf("site audit: service returned neither result nor job ref")
	}
	return nil, &processor.ErrExternalPending{JobRef: resp.JobRef}
}

// PollExternal checks the audit crawl recorded on the task.
func (p *Processor) PollExternal(ctx context.Context, task *models.Task) (models.Outputs, bool, error) {
	resp, err := p.client.Do(ctx, processor.Request{
		Operation: "site_audit_status",
		Params:    map[string]any{"job_ref": task.ExternalRef},
	})
	if err != nil {
		return nil, false, fmt.Errorf("site audit status: %w", err)
	}
	if !resp.Done {
		return nil, false, nil
	}
	return models.Outputs(resp.Data), true, nil
}
