// Package temporal is the durability-upgrade engine.Engine: it registers one
// workflow ("RunTask") backed by one activity that calls the Orchestrator's
// Runner, so a task's run is recorded in Temporal's event history and is
// retried by a restarted worker instead of being lost — the capability
// internal/engine/inmem explicitly does not have. The retry re-runs the
// task from the start; progress inside the Runner is not checkpointed. Adapted from
// runtime/agent/engine/temporal/engine.go's client/worker wiring shape, cut
// down to a single fixed workflow+activity pair instead of a generic
// registration API, since this core has exactly one kind of durable work.
package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ryaker/zora/internal/engine"
)

const (
	workflowName = "RunTask"
	activityName = "RunTaskActivity"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, HostPort/Namespace
	// are used to dial one.
	Client    client.Client
	HostPort  string
	Namespace string
	TaskQueue string
	// StartToCloseTimeout bounds the activity's run, not the workflow's —
	// the workflow itself has no deadline so a restarted worker can resume
	// it (spec.md §5 "cancellation & timeouts" governs the Runner's own ctx).
	StartToCloseTimeout time.Duration
}

// Engine implements engine.Engine on top of a Temporal worker + client.
type Engine struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker
	timeout   time.Duration
}

var (
	activityRunner  engine.Runner
	activityTimeout = 10 * time.Minute
)

// New dials (or reuses) a Temporal client, registers the RunTask
// workflow/activity pair against run, and starts a worker on TaskQueue.
func New(ctx context.Context, run engine.Runner, opts Options) (*Engine, error) {
	activityRunner = run

	c := opts.Client
	if c == nil {
		interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("engine/temporal: build otel interceptor: %w", err)
		}
		dialed, err := client.Dial(client.Options{
			HostPort:     opts.HostPort,
			Namespace:    opts.Namespace,
			Interceptors: []interceptor.ClientInterceptor{interceptor},
		})
		if err != nil {
			return nil, fmt.Errorf("engine/temporal: dial client: %w", err)
		}
		c = dialed
	}

	timeout := opts.StartToCloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	activityTimeout = timeout

	w := worker.New(c, opts.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(runTaskWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(runTaskActivity, activity.RegisterOptions{Name: activityName})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("engine/temporal: start worker: %w", err)
	}

	return &Engine{client: c, taskQueue: opts.TaskQueue, worker: w, timeout: timeout}, nil
}

// Stop drains the worker; call on Orchestrator shutdown.
func (e *Engine) Stop() { e.worker.Stop() }

func (e *Engine) RunTask(ctx context.Context, req engine.TaskRequest) (engine.Handle, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "task-" + req.JobID,
		TaskQueue: e.taskQueue,
	}, workflowName, req)
	if err != nil {
		return nil, fmt.Errorf("engine/temporal: start workflow: %w", err)
	}
	return &handle{client: e.client, run: run}, nil
}

type handle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *handle) Wait(ctx context.Context) (engine.Result, error) {
	var text string
	if err := h.run.Get(ctx, &text); err != nil {
		return engine.Result{Err: err}, nil
	}
	return engine.Result{Text: text}, nil
}

func (h *handle) Cancel() {
	_ = h.client.CancelWorkflow(context.Background(), h.run.GetID(), h.run.GetRunID())
}

// runTaskWorkflow is deterministic: all actual I/O (the LLM round-trips,
// tool execution, policy checks) happens inside runTaskActivity, executed
// with Temporal's standard retry policy. The whole task is one activity, so
// a retry after a worker crash runs the Runner again from the start.
func runTaskWorkflow(ctx workflow.Context, req engine.TaskRequest) (string, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: activityTimeout}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var result string
	err := workflow.ExecuteActivity(ctx, activityName, req).Get(ctx, &result)
	return result, err
}

func runTaskActivity(ctx context.Context, req engine.TaskRequest) (string, error) {
	if activityRunner == nil {
		return "", fmt.Errorf("engine/temporal: no Runner registered")
	}
	return activityRunner(ctx, req)
}
