package seoaudit

import (
	"context"
	"errors"
	"testing"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
)

type fakeClient struct {
	resp *processor.Response
	err  error
	last processor.Request
}

func (c *fakeClient) Do(_ context.Context, req processor.Request) (*processor.Response, error) {
	c.last = req
	return c.resp, c.err
}

func TestValidateInputs(t *testing.T) {
	p := New(&fakeClient{})

	cases := []struct {
		name   string
		inputs models.Inputs
		ok     bool
	}{
		{"valid", models.Inputs{"site_url": "https://example.com"}, true},
		{"with max pages", models.Inputs{"site_url": "https://example.com", "max_pages": float64(50)}, true},
		{"missing url", models.Inputs{}, false},
		{"relative url", models.Inputs{"site_url": "/about"}, false},
		{"no host", models.Inputs{"site_url": "https://"}, false},
		{"url wrong type", models.Inputs{"site_url": 1}, false},
		{"negative max pages", models.Inputs{"site_url": "https://example.com", "max_pages": float64(-1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.ValidateInputs(tc.inputs)
			if tc.ok && err != nil {
				t.Errorf("Expected valid inputs, got %v", err)
			}
			if !tc.ok && !errors.Is(err, models.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestProcess_SubmitsCrawl(t *testing.T) {
	client := &fakeClient{resp: &processor.Response{JobRef: "crawl-3"}}
	p := New(client)

	_, err := p.Process(context.Background(), &models.Task{
		ID:     "t1",
		Inputs: models.Inputs{"site_url": "https://example.com"},
	})
	var pending *processor.ErrExternalPending
	if !errors.As(err, &pending) {
		t.Fatalf("Expected ErrExternalPending, got %v", err)
	}
	if pending.JobRef != "crawl-3" {
		t.Errorf("Expected job ref crawl-3, got %s", pending.JobRef)
	}
	if client.last.Operation != "site_audit" {
		t.Errorf("Expected site_audit operation, got %s", client.last.Operation)
	}
}

func TestPollExternal(t *testing.T) {
	client := &fakeClient{resp: &processor.Response{Done: true, Data: map[string]any{"issues": float64(12)}}}
	p := New(client)

	out, done, err := p.PollExternal(context.Background(), &models.Task{ID: "t1", ExternalRef: "crawl-3"})
	if err != nil || !done {
		t.Fatalf("Expected finished crawl, got done=%v err=%v", done, err)
	}
	if out["issues"] != float64(12) {
		t.Errorf("Expected audit outputs, got %v", out)
	}
	if client.last.Operation != "site_audit_status" {
		t.Errorf("Expected site_audit_status operation, got %s", client.last.Operation)
	}
}
