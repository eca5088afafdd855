package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/logging"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
	"github.com/schuttebj/ryvr-sub001/internal/scheduler"
	"github.com/schuttebj/ryvr-sub001/internal/store"
	"github.com/schuttebj/ryvr-sub001/internal/tasklog"

	"go.opentelemetry.io/otel/metric"
)

// Engine pulls runnable tasks from the scheduler, runs the matching
// processor, and feeds the outcome back into the lifecycle machine.
type Engine struct {
	machine  *lifecycle.Machine
	picker   *scheduler.Picker
	registry *processor.Registry
	store    *store.Store
	logs     *tasklog.Writer
	config   *Config

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	external      map[string]*externalJob

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched metric.Float64Counter
	succeeded  metric.Float64Counter
	failed     metric.Float64Counter
}

// externalJob tracks a processing task whose result lives at an external
// service; the engine polls it from its own loop instead of parking a worker.
type externalJob struct {
	task     *models.Task
	poller   processor.Poller
	nextPoll time.Time
}

// New creates an execution engine.
func New(m *lifecycle.Machine, p *scheduler.Picker, reg *processor.Registry, s *store.Store, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		machine:    m,
		picker:     p,
		registry:   reg,
		store:      s,
		logs:       tasklog.NewWriter(s),
		config:     cfg,
		external:   make(map[string]*externalJob),
		ctx:        ctx,
		cancel:     cancel,
		dispatched: logging.NewCounter("engine_tasks_dispatched", "Tasks handed to workers", "{task}"),
		succeeded:  logging.NewCounter("engine_tasks_succeeded", "Tasks finalized as completed", "{task}"),
		failed:     logging.NewCounter("engine_tasks_failed", "Tasks finalized as failed", "{task}"),
	}
}

// Start recovers interrupted tasks and begins the dispatch and polling loops.
func (e *Engine) Start() {
	e.recoverInterrupted()

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.externalLoop()
	logging.Log("execution engine started", slog.LevelInfo)
}

// Stop gracefully stops the engine and waits for in-flight workers.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	logging.Log("execution engine stopped", slog.LevelInfo)
}

// dispatchLoop polls for runnable tasks and dispatches them to workers.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollAndDispatch()
		}
	}
}

// pollAndDispatch admits the next runnable task if a worker is free.
func (e *Engine) pollAndDispatch() {
	for {
		e.mu.Lock()
		if e.activeWorkers >= e.config.Workers {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		task, err := e.picker.Next(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				logging.Log("scheduler scan failed: "+err.Error(), slog.LevelError)
			}
			return
		}
		if task == nil {
			return
		}

		admitted, err := e.machine.Admit(e.ctx, task.ID)
		if err != nil {
			// Another worker won the compare-and-set, or the task moved.
			if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrNotReady) {
				continue
			}
			logging.Log("admit failed: "+err.Error(), slog.LevelError)
			return
		}

		logging.Add(e.dispatched, 1)

		e.mu.Lock()
		e.activeWorkers++
		e.mu.Unlock()

		e.wg.Add(1)
		go e.runWorker(admitted)
	}
}

// runWorker executes one admitted task.
func (e *Engine) runWorker(task *models.Task) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.activeWorkers--
		e.mu.Unlock()
	}()

	proc, err := e.registry.Resolve(task.Type)
	if err != nil {
		// Registration is checked at create time, so this means the registry
		// changed underneath a live task.
		e.finalize(task.ID, models.Outcome{Err: err})
		return
	}

	outputs, err := e.invoke(proc, task)

	var pending *processor.ErrExternalPending
	if errors.As(err, &pending) {
		e.parkExternal(task, proc, pending.JobRef)
		return
	}

	if err != nil {
		e.finalize(task.ID, models.Outcome{Err: err})
		return
	}
	e.finalize(task.ID, models.Outcome{Success: true, Outputs: outputs})
}

// invoke runs the processor with a deadline and converts panics into errors
// so one task cannot take down the pool. The deadline is enforced here, not
// just handed down: a processor that ignores its context must not hold the
// worker or leave the task processing forever. A late return is discarded;
// the compare-and-set in Finalize rejects a second outcome anyway.
func (e *Engine) invoke(proc processor.Processor, task *models.Task) (models.Outputs, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.ProcessTimeout)
	defer cancel()

	type result struct {
		out models.Outputs
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{nil, fmt.Errorf("processor panic: %v", r)}
			}
		}()
		out, err := proc.Process(ctx, task)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("processor timed out after %s", e.config.ProcessTimeout)
	}
}

// parkExternal records the external job ref and frees the worker; the
// external loop takes over.
func (e *Engine) parkExternal(task *models.Task, proc processor.Processor, jobRef string) {
	poller, ok := proc.(processor.Poller)
	if !ok {
		e.finalize(task.ID, models.Outcome{Err: fmt.Errorf("processor %s reported a pending job but cannot poll", task.Type)})
		return
	}

	if err := e.store.SetTaskExternalRef(task.ID, jobRef); err != nil {
		e.finalize(task.ID, models.Outcome{Err: fmt.Errorf("record external job ref: %v", err)})
		return
	}
	task.ExternalRef = jobRef
	e.logs.Info(task.ID, "external job %s submitted, awaiting result", jobRef)

	e.mu.Lock()
	e.external[task.ID] = &externalJob{
		task:     task,
		poller:   poller,
		nextPoll: time.Now().Add(e.config.ExternalPollInterval),
	}
	e.mu.Unlock()
}

// externalLoop polls due external jobs without occupying workers.
func (e *Engine) externalLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ExternalPollInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollExternal()
		}
	}
}

func (e *Engine) pollExternal() {
	now := time.Now()

	e.mu.Lock()
	var due []*externalJob
	for _, job := range e.external {
		if !job.nextPoll.After(now) {
			due = append(due, job)
		}
	}
	e.mu.Unlock()

	for _, job := range due {
		ctx, cancel := context.WithTimeout(e.ctx, e.config.ProcessTimeout)
		outputs, done, err := job.poller.PollExternal(ctx, job.task)
		cancel()

		switch {
		case err != nil:
			e.settleExternal(job, models.Outcome{Err: err})
		case done:
			e.settleExternal(job, models.Outcome{Success: true, Outputs: outputs})
		default:
			e.mu.Lock()
			job.nextPoll = time.Now().Add(e.config.ExternalPollInterval)
			e.mu.Unlock()
		}
	}
}

// settleExternal records the outcome of a polled job. The job stays parked
// when the outcome could not be committed so a store hiccup does not strand
// the task; it is dropped once the outcome is recorded, or when the task has
// already moved on without us.
func (e *Engine) settleExternal(job *externalJob, outcome models.Outcome) {
	err := e.finalize(job.task.ID, outcome)
	if err == nil || errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, lifecycle.ErrTaskNotFound) || errors.Is(err, store.ErrStatusConflict) {
		e.dropExternal(job.task.ID)
		return
	}
	e.logs.Warn(job.task.ID, "outcome not committed, retrying: %v", err)
	e.mu.Lock()
	job.nextPoll = time.Now().Add(e.config.ExternalPollInterval)
	e.mu.Unlock()
}

func (e *Engine) dropExternal(taskID string) {
	e.mu.Lock()
	delete(e.external, taskID)
	e.mu.Unlock()
}

func (e *Engine) finalize(taskID string, outcome models.Outcome) error {
	if _, err := e.machine.Finalize(e.ctx, taskID, outcome); err != nil {
		logging.Log("finalize "+taskID+" failed: "+err.Error(), slog.LevelError)
		e.logs.Error(taskID, "could not record outcome: %v", err)
		return err
	}
	if outcome.Success {
		logging.Add(e.succeeded, 1)
	} else {
		logging.Add(e.failed, 1)
	}
	return nil
}

// recoverInterrupted handles tasks left processing by a previous run. Tasks
// with a persisted external job ref resume polling; the rest are failed so
// their reservations are released.
func (e *Engine) recoverInterrupted() {
	stuck, err := e.store.ListTasks(models.TaskStatusProcessing, "")
	if err != nil {
		logging.Log("recovery scan failed: "+err.Error(), slog.LevelError)
		return
	}

	for i := range stuck {
		task := stuck[i]
		if task.ExternalRef != "" {
			if proc, err := e.registry.Resolve(task.Type); err == nil {
				if poller, ok := proc.(processor.Poller); ok {
					e.mu.Lock()
					e.external[task.ID] = &externalJob{task: &task, poller: poller, nextPoll: time.Now()}
					e.mu.Unlock()
					logging.Log("resumed polling external job for task "+task.ID, slog.LevelInfo)
					continue
				}
			}
		}
		e.finalize(task.ID, models.Outcome{Err: fmt.Errorf("worker interrupted before completion")})
		logging.Log("recovered interrupted task "+task.ID+" (marked failed)", slog.LevelInfo)
	}
}

// Stats returns current engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"active_workers": e.activeWorkers,
		"worker_limit":   e.config.Workers,
		"external_jobs":  len(e.external),
	}
}
