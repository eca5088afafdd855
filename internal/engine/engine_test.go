package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
	"github.com/schuttebj/ryvr-sub001/internal/scheduler"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// syncProcessor completes inline.
type syncProcessor struct {
	outputs models.Outputs
	err     error
	panics  bool
}

func (p *syncProcessor) Type() string { return "content_generation" }
func (p *syncProcessor) ValidateInputs(in models.Inputs) error { return nil }
func (p *syncProcessor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	if p.panics {
		panic("boom")
	}
	return p.outputs, p.err
}

// asyncProcessor submits an external job and answers status polls.
type asyncProcessor struct {
	mu       sync.Mutex
	polls    int
	pollsMin int
	outputs  models.Outputs
}

func (p *asyncProcessor) Type() string { return "keyword_research" }
func (p *asyncProcessor) ValidateInputs(in models.Inputs) error { return nil }
func (p *asyncProcessor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	return nil, &processor.ErrExternalPending{JobRef: "job-" + task.ID}
}
func (p *asyncProcessor) PollExternal(ctx context.Context, task *models.Task) (models.Outputs, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.polls < p.pollsMin {
		return nil, false, nil
	}
	return p.outputs, true, nil
}

// slowProcessor blocks until its context expires.
type slowProcessor struct{}

func (p *slowProcessor) Type() string                          { return "content_generation" }
func (p *slowProcessor) ValidateInputs(in models.Inputs) error { return nil }
func (p *slowProcessor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stuckProcessor ignores its context entirely and blocks until released.
type stuckProcessor struct {
	release chan struct{}
}

func (p *stuckProcessor) Type() string                          { return "content_generation" }
func (p *stuckProcessor) ValidateInputs(in models.Inputs) error { return nil }
func (p *stuckProcessor) Process(ctx context.Context, task *models.Task) (models.Outputs, error) {
	<-p.release
	return models.Outputs{"late": "result"}, nil
}

type engineFixture struct {
	engine  *Engine
	machine *lifecycle.Machine
	store   *store.Store
	ledger  *ledger.Ledger
}

func newEngineFixture(t *testing.T, procs ...processor.Processor) *engineFixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l := ledger.New(s)
	r := graph.New(s)
	reg := processor.NewRegistry()
	for _, p := range procs {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Failed to register processor: %v", err)
		}
	}
	m := lifecycle.New(s, l, r, reg, nil, nil)
	pick := scheduler.New(s, r, l)

	cfg := &Config{
		Workers:              2,
		PollInterval:         10 * time.Millisecond,
		ProcessTimeout:       250 * time.Millisecond,
		ExternalPollInterval: 20 * time.Millisecond,
	}
	return &engineFixture{
		engine:  New(m, pick, reg, s, cfg),
		machine: m,
		store:   s,
		ledger:  l,
	}
}

func (f *engineFixture) createTask(t *testing.T, taskType string, cost int) *models.Task {
	t.Helper()
	f.ledger.Topup("acct-1", 100)
	task, err := f.machine.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID:    "acct-1",
		Type:       taskType,
		Title:      "engine test task",
		Inputs:     models.Inputs{"topic": "x"},
		CreditCost: cost,
	})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func (f *engineFixture) waitForStatus(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			task, _ := f.store.GetTask(taskID)
			t.Fatalf("Timeout waiting for status %s, task is %+v", want, task)
		case <-ticker.C:
			task, err := f.store.GetTask(taskID)
			if err != nil {
				t.Fatalf("Failed to get task: %v", err)
			}
			if task != nil && task.Status == want {
				return task
			}
		}
	}
}

func TestEngine_CompletesTask(t *testing.T) {
	f := newEngineFixture(t, &syncProcessor{outputs: models.Outputs{"content": "done"}})
	task := f.createTask(t, "content_generation", 10)

	f.engine.Start()
	defer f.engine.Stop()

	done := f.waitForStatus(t, task.ID, models.TaskStatusCompleted)
	if done.Outputs["content"] != "done" {
		t.Errorf("Expected outputs stored, got %v", done.Outputs)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("Expected started_at and completed_at to be set")
	}

	balance, _ := f.ledger.Balance("acct-1")
	if balance != 90 {
		t.Errorf("Expected balance 90 after debit, got %d", balance)
	}
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	f := newEngineFixture(t, &syncProcessor{panics: true})
	task := f.createTask(t, "content_generation", 10)

	f.engine.Start()
	defer f.engine.Stop()

	failed := f.waitForStatus(t, task.ID, models.TaskStatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("Expected panic to be recorded as error message")
	}

	// The pool survives a panicking task and refunds its hold.
	balance, _ := f.ledger.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected refund after panic, got balance %d", balance)
	}
	// The worker slot is released shortly after the failure commits.
	deadline := time.After(time.Second)
	for {
		if f.engine.Stats()["active_workers"].(int) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Expected no active workers, got %v", f.engine.Stats()["active_workers"])
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_TimeoutFailsTask(t *testing.T) {
	f := newEngineFixture(t, &slowProcessor{})
	task := f.createTask(t, "content_generation", 10)

	f.engine.Start()
	defer f.engine.Stop()

	failed := f.waitForStatus(t, task.ID, models.TaskStatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("Expected deadline error recorded")
	}
	balance, _ := f.ledger.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected refund after timeout, got balance %d", balance)
	}
}

func TestEngine_ExternalJobCompletes(t *testing.T) {
	proc := &asyncProcessor{pollsMin: 2, outputs: models.Outputs{"keywords": []string{"seo"}}}
	f := newEngineFixture(t, proc)
	task := f.createTask(t, "keyword_research", 10)

	f.engine.Start()
	defer f.engine.Stop()

	done := f.waitForStatus(t, task.ID, models.TaskStatusCompleted)
	if done.ExternalRef != "job-"+task.ID {
		t.Errorf("Expected external ref persisted, got %q", done.ExternalRef)
	}
	if done.Outputs == nil {
		t.Error("Expected polled outputs stored")
	}

	proc.mu.Lock()
	polls := proc.polls
	proc.mu.Unlock()
	if polls < 2 {
		t.Errorf("Expected at least 2 polls, got %d", polls)
	}

	balance, _ := f.ledger.Balance("acct-1")
	if balance != 90 {
		t.Errorf("Expected balance 90 after external completion, got %d", balance)
	}
}

func TestEngine_DependencyChain(t *testing.T) {
	f := newEngineFixture(t, &syncProcessor{outputs: models.Outputs{"ok": true}})
	f.ledger.Topup("acct-1", 100)

	first, err := f.machine.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID: "acct-1", Type: "content_generation", Title: "first",
		Inputs: models.Inputs{"topic": "x"}, CreditCost: 10,
	})
	if err != nil {
		t.Fatalf("Failed to create first task: %v", err)
	}
	second, err := f.machine.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID: "acct-1", Type: "content_generation", Title: "second",
		Inputs: models.Inputs{"topic": "y"}, CreditCost: 10,
		Dependencies: []string{first.ID},
	})
	if err != nil {
		t.Fatalf("Failed to create second task: %v", err)
	}

	f.engine.Start()
	defer f.engine.Stop()

	doneFirst := f.waitForStatus(t, first.ID, models.TaskStatusCompleted)
	doneSecond := f.waitForStatus(t, second.ID, models.TaskStatusCompleted)
	if doneSecond.StartedAt.Before(*doneFirst.CompletedAt) {
		t.Error("Expected dependent task to start only after its dependency completed")
	}
}

func TestEngine_RecoversInterruptedTask(t *testing.T) {
	f := newEngineFixture(t, &syncProcessor{outputs: models.Outputs{"ok": true}})
	task := f.createTask(t, "content_generation", 10)

	// Simulate a crash after admission: the task is processing with no worker.
	err := f.store.TransitionTask(store.TransitionParams{
		TaskID: task.ID, From: models.TaskStatusPending, To: models.TaskStatusProcessing,
		SetStartedAt: true, LogMessage: "admitted",
	})
	if err != nil {
		t.Fatalf("Failed to force task into processing: %v", err)
	}

	f.engine.Start()
	defer f.engine.Stop()

	failed := f.waitForStatus(t, task.ID, models.TaskStatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("Expected interruption recorded as error message")
	}
	balance, _ := f.ledger.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected hold released on recovery, got balance %d", balance)
	}
}

func TestEngine_ResumesExternalPollingAfterRestart(t *testing.T) {
	proc := &asyncProcessor{pollsMin: 1, outputs: models.Outputs{"keywords": []string{"seo"}}}
	f := newEngineFixture(t, proc)
	task := f.createTask(t, "keyword_research", 10)

	// Simulate a crash while the external job was in flight.
	if err := f.store.TransitionTask(store.TransitionParams{
		TaskID: task.ID, From: models.TaskStatusPending, To: models.TaskStatusProcessing,
		SetStartedAt: true, LogMessage: "admitted",
	}); err != nil {
		t.Fatalf("Failed to force task into processing: %v", err)
	}
	if err := f.store.SetTaskExternalRef(task.ID, "job-before-crash"); err != nil {
		t.Fatalf("Failed to set external ref: %v", err)
	}

	f.engine.Start()
	defer f.engine.Stop()

	done := f.waitForStatus(t, task.ID, models.TaskStatusCompleted)
	if done.ExternalRef != "job-before-crash" {
		t.Errorf("Expected original job ref kept, got %q", done.ExternalRef)
	}
	balance, _ := f.ledger.Balance("acct-1")
	if balance != 90 {
		t.Errorf("Expected debit after resumed completion, got balance %d", balance)
	}
}

func TestEngine_ContextIgnoringProcessorTimesOut(t *testing.T) {
	proc := &stuckProcessor{release: make(chan struct{})}
	f := newEngineFixture(t, proc)
	task := f.createTask(t, "content_generation", 10)

	f.engine.Start()
	defer f.engine.Stop()

	failed := f.waitForStatus(t, task.ID, models.TaskStatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("Expected timeout recorded as error message")
	}
	balance, _ := f.ledger.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected hold refunded after timeout, got balance %d", balance)
	}

	// A late return must not overwrite the recorded outcome.
	close(proc.release)
	time.Sleep(50 * time.Millisecond)
	got, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Expected task to stay failed, got %s", got.Status)
	}
	if got.Outputs != nil {
		t.Errorf("Expected no outputs from the late return, got %v", got.Outputs)
	}
}

func TestEngine_ExternalJobKeptWhenOutcomeNotCommitted(t *testing.T) {
	proc := &asyncProcessor{pollsMin: 1, outputs: models.Outputs{"keywords": []string{"seo"}}}
	f := newEngineFixture(t, proc)
	task := f.createTask(t, "keyword_research", 10)

	if err := f.store.TransitionTask(store.TransitionParams{
		TaskID: task.ID, From: models.TaskStatusPending, To: models.TaskStatusProcessing,
		SetStartedAt: true, LogMessage: "admitted",
	}); err != nil {
		t.Fatalf("Failed to force task into processing: %v", err)
	}
	parked, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	job := &externalJob{task: parked, poller: proc, nextPoll: time.Now()}
	f.engine.mu.Lock()
	f.engine.external[task.ID] = job
	f.engine.mu.Unlock()

	// With the store down the outcome cannot commit; the job must stay
	// parked so polling resumes instead of stranding the task.
	f.store.Close()
	f.engine.settleExternal(job, models.Outcome{Success: true, Outputs: proc.outputs})

	f.engine.mu.Lock()
	_, kept := f.engine.external[task.ID]
	f.engine.mu.Unlock()
	if !kept {
		t.Error("Expected job kept for retry when the outcome could not be committed")
	}
	if !job.nextPoll.After(time.Now().Add(-time.Second)) {
		t.Error("Expected a fresh poll deadline on the retained job")
	}
}

func TestEngine_ExternalJobDroppedWhenTaskMoved(t *testing.T) {
	proc := &asyncProcessor{pollsMin: 1, outputs: models.Outputs{"keywords": []string{"seo"}}}
	f := newEngineFixture(t, proc)
	task := f.createTask(t, "keyword_research", 10)

	// The task is still pending, so the parked job is stale and the
	// finalize attempt is rejected. The job must not be retried forever.
	parked, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	job := &externalJob{task: parked, poller: proc, nextPoll: time.Now()}
	f.engine.mu.Lock()
	f.engine.external[task.ID] = job
	f.engine.mu.Unlock()

	f.engine.settleExternal(job, models.Outcome{Success: true, Outputs: proc.outputs})

	f.engine.mu.Lock()
	_, kept := f.engine.external[task.ID]
	f.engine.mu.Unlock()
	if kept {
		t.Error("Expected stale job dropped after a rejected transition")
	}

	// The rejected outcome lands in the task log for operators.
	logs, err := f.store.TaskLogs(task.ID)
	if err != nil {
		t.Fatalf("Failed to read task logs: %v", err)
	}
	var hasError bool
	for _, entry := range logs {
		if entry.Level == models.LogLevelError {
			hasError = true
		}
	}
	if !hasError {
		t.Error("Expected an error-level task log entry for the rejected outcome")
	}
}
