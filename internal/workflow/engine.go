// Package workflow runs multi-step pipeline code to completion across process
// restarts. Every side effect happens inside a named activity whose result is
// memoized in the workflow_steps table; on re-entry the recorded result is
// returned instead of re-running the effect, so workflow code re-executes
// deterministically from the top. A workflow may also checkpoint-restart:
// close its instance, discard its step history and continue as a fresh
// instance with carried-forward input, which bounds state at large audiences.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
)

// Func is a registered workflow body. It must be deterministic: all I/O, time
// reads and randomness go through the Context.
type Func func(ctx context.Context, wf *Context, input json.RawMessage) error

// ContinueAsNewError signals a checkpoint restart with new input.
type ContinueAsNewError struct {
	Input json.RawMessage
}

func (e *ContinueAsNewError) Error() string {
	return "workflow checkpoint restart requested"
}

// ContinueAsNew requests a checkpoint restart carrying the given input
// forward into a fresh instance.
func ContinueAsNew(input interface{}) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal continue-as-new input: %w", err)
	}
	return &ContinueAsNewError{Input: raw}
}

type Engine struct {
	store    repository.WorkflowRepository
	logger   *logger.Logger
	metrics  *metrics.Metrics
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	registry map[string]Func
}

// NewEngine creates an engine running at most concurrency workflow instances
// at a time across StartAsync and ResumeRunning.
func NewEngine(store repository.WorkflowRepository, logger *logger.Logger, metrics *metrics.Metrics, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		sem:      make(chan struct{}, concurrency),
		registry: make(map[string]Func),
	}
}

// Register binds a workflow kind to its body. Must happen before Start or
// Resume for that kind.
func (e *Engine) Register(kind string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[kind] = fn
}

// Start creates a new instance and runs it to completion in the calling
// goroutine.
func (e *Engine) Start(ctx context.Context, kind string, input interface{}) error {
	inst, err := e.createInstance(ctx, kind, input)
	if err != nil {
		return err
	}
	return e.Run(ctx, inst)
}

// StartAsync creates a new instance and runs it on the engine's pool. It
// returns once the instance is persisted, blocking only while the pool is
// saturated, so one long-running instance never stalls the next.
func (e *Engine) StartAsync(ctx context.Context, kind string, input interface{}) error {
	inst, err := e.createInstance(ctx, kind, input)
	if err != nil {
		return err
	}
	e.dispatch(ctx, inst)
	return nil
}

func (e *Engine) createInstance(ctx context.Context, kind string, input interface{}) (*model.WorkflowInstance, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow input: %w", err)
	}

	inst := &model.WorkflowInstance{
		ID:        uuid.New(),
		Kind:      kind,
		LineageID: uuid.New(),
		Input:     raw,
		Status:    model.WorkflowStatusRunning,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// ResumeRunning re-enters instances left RUNNING by a crashed process. The
// instances run on the engine's pool; ResumeRunning returns once all of them
// are dispatched.
func (e *Engine) ResumeRunning(ctx context.Context, kind string, limit int) error {
	instances, err := e.store.ListRunning(ctx, kind, limit)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		e.logger.Info("resuming workflow instance", "instance_id", inst.ID.String(), "kind", inst.Kind)
		e.dispatch(ctx, inst)
	}

	return nil
}

func (e *Engine) dispatch(ctx context.Context, inst *model.WorkflowInstance) {
	e.sem <- struct{}{}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		if err := e.Run(ctx, inst); err != nil {
			e.logger.Error(err, "workflow run failed", "instance_id", inst.ID.String(), "kind", inst.Kind)
		}
	}()
}

// Wait blocks until every dispatched instance has settled. Meant for
// shutdown, after the context given to the instances is canceled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run executes the instance to a terminal status, following checkpoint
// restarts within the same call.
func (e *Engine) Run(ctx context.Context, inst *model.WorkflowInstance) error {
	e.mu.RLock()
	fn, ok := e.registry[inst.Kind]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no workflow registered for kind %q", inst.Kind)
	}

	for {
		wfCtx, err := e.newContext(ctx, inst)
		if err != nil {
			return err
		}

		err = fn(ctx, wfCtx, inst.Input)

		var restart *ContinueAsNewError
		switch {
		case errors.As(err, &restart):
			e.metrics.WorkflowRestarts.Inc()
			next := &model.WorkflowInstance{
				ID:        uuid.New(),
				Kind:      inst.Kind,
				LineageID: inst.LineageID,
				Input:     restart.Input,
				Status:    model.WorkflowStatusRunning,
			}
			// Closing the old instance and creating its successor is a
			// single write, so the lineage always has a RUNNING instance
			// for ResumeRunning to find.
			if err := e.store.ContinueInstance(ctx, inst.ID, next); err != nil {
				return err
			}
			inst = next
			continue

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Left RUNNING; a later ResumeRunning picks it up.
			return err

		case err != nil:
			e.metrics.WorkflowsCompleted.WithLabelValues(inst.Kind, "failed").Inc()
			msg := err.Error()
			if updateErr := e.store.UpdateInstanceStatus(ctx, inst.ID, model.WorkflowStatusFailed, &msg); updateErr != nil {
				e.logger.Error(updateErr, "failed to mark workflow failed", "instance_id", inst.ID.String())
			}
			return err

		default:
			e.metrics.WorkflowsCompleted.WithLabelValues(inst.Kind, "completed").Inc()
			return e.store.UpdateInstanceStatus(ctx, inst.ID, model.WorkflowStatusCompleted, nil)
		}
	}
}

func (e *Engine) newContext(ctx context.Context, inst *model.WorkflowInstance) (*Context, error) {
	steps, err := e.store.GetSteps(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	recorded := make(map[int]*model.WorkflowStep, len(steps))
	for _, s := range steps {
		recorded[s.Seq] = s
	}

	return &Context{
		instanceID: inst.ID,
		store:      e.store,
		recorded:   recorded,
		metrics:    e.metrics,
	}, nil
}

// Context is the workflow-side API. It is not safe for use from multiple
// goroutines except through Parallel.
type Context struct {
	instanceID uuid.UUID
	store      repository.WorkflowRepository
	metrics    *metrics.Metrics

	mu       sync.Mutex
	recorded map[int]*model.WorkflowStep
	seq      int
}

// nextSeq allocates the next deterministic step position.
func (c *Context) nextSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}

// Execute runs a named activity exactly once. A previously recorded result is
// unmarshaled into out without re-running the side effect. out may be nil for
// activities with no result.
func (c *Context) Execute(ctx context.Context, name string, out interface{}, fn func(context.Context) (interface{}, error)) error {
	seq := c.nextSeq()
	return c.executeAt(ctx, seq, name, out, fn)
}

func (c *Context) executeAt(ctx context.Context, seq int, name string, out interface{}, fn func(context.Context) (interface{}, error)) error {
	c.mu.Lock()
	step, ok := c.recorded[seq]
	c.mu.Unlock()

	if ok {
		if out != nil && len(step.Result) > 0 {
			if err := json.Unmarshal(step.Result, out); err != nil {
				return fmt.Errorf("failed to unmarshal memoized result of %q: %w", name, err)
			}
		}
		return nil
	}

	result, err := fn(ctx)
	if err != nil {
		c.metrics.WorkflowSteps.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("activity %q failed: %w", name, err)
	}
	c.metrics.WorkflowSteps.WithLabelValues(name, "success").Inc()

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result of %q: %w", name, err)
	}

	recordedStep := &model.WorkflowStep{
		InstanceID: c.instanceID,
		Seq:        seq,
		Name:       name,
		Result:     raw,
	}
	if err := c.store.RecordStep(ctx, recordedStep); err != nil {
		return err
	}

	c.mu.Lock()
	c.recorded[seq] = recordedStep
	c.mu.Unlock()

	if out != nil && result != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to unmarshal result of %q: %w", name, err)
		}
	}
	return nil
}

// Activity is one branch of a Parallel fan-out.
type Activity struct {
	Name string
	Out  interface{}
	Fn   func(context.Context) (interface{}, error)
}

// Parallel runs the activities concurrently and awaits them all (fan-in).
// Step positions are allocated in slice order before anything runs, so replay
// stays deterministic no matter how the branches interleave. The first error
// is returned after every branch settles.
func (c *Context) Parallel(ctx context.Context, activities []Activity) error {
	seqs := make([]int, len(activities))
	for i := range activities {
		seqs[i] = c.nextSeq()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(activities))
	for i := range activities {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := activities[i]
			errs[i] = c.executeAt(ctx, seqs[i], a.Name, a.Out, a.Fn)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Now returns virtual time: the wall clock on first execution, the memoized
// value on replay.
func (c *Context) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := c.Execute(ctx, "now", &t, func(context.Context) (interface{}, error) {
		return time.Now().UTC(), nil
	})
	return t, err
}

// Sleep durably sleeps until a virtual deadline. The deadline is memoized, so
// a replay after the deadline passes returns immediately instead of sleeping
// again.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	var wakeAt time.Time
	err := c.Execute(ctx, "sleep", &wakeAt, func(context.Context) (interface{}, error) {
		return time.Now().UTC().Add(d), nil
	})
	if err != nil {
		return err
	}

	remaining := time.Until(wakeAt)
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
