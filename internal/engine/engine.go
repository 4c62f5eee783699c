// Package engine defines a pluggable durable-execution seam behind
// ExecutionPipeline (C11), per SPEC_FULL.md §5's domain-stack row: the
// in-memory engine (internal/engine/inmem) is the default and matches the
// pipeline's own cooperative, single-process, per-task model; the Temporal
// adapter (internal/engine/temporal) is an opt-in durability upgrade so a
// task survives a process restart mid-run, not merely via RetryQueue's
// resubmit-after-failure semantics. Scoped down from the teacher's generic
// multi-workflow/multi-activity abstraction
// (runtime/agent/engine/engine.go) to the single unit of durable work this
// core actually has: running one task through the pipeline to completion.
package engine

import "context"

type (
	// TaskRequest is the durable unit of work: one pipeline.Pipeline.Run
	// invocation.
	TaskRequest struct {
		JobID  string
		Prompt string
		// Opts is passed through to pipeline.Pipeline.Run as pipeline.Options;
		// it is typed as `any` here so this package does not import
		// internal/pipeline (avoiding an import cycle, since
		// internal/pipeline does not need to know engine exists — the
		// Orchestrator selects which Engine executes runs, not the
		// pipeline itself).
		Opts any
	}

	// Result is the terminal outcome of a TaskRequest.
	Result struct {
		Text string
		Err  error
	}

	// Handle lets a caller await or cancel a started run.
	Handle interface {
		// Wait blocks until the run reaches a terminal state or ctx is
		// cancelled.
		Wait(ctx context.Context) (Result, error)
		// Cancel requests the run stop; idempotent.
		Cancel()
	}

	// Runner is the function an Engine invokes to actually execute a
	// TaskRequest; the Orchestrator supplies a closure over
	// pipeline.Pipeline.Run so this package stays free of a pipeline
	// import.
	Runner func(ctx context.Context, req TaskRequest) (string, error)

	// Engine abstracts where/how a TaskRequest's run is hosted.
	Engine interface {
		// RunTask starts req and returns a Handle immediately; the
		// returned Handle's Wait blocks for completion (spec.md §5
		// "suspension points" apply within the Runner, not here).
		RunTask(ctx context.Context, req TaskRequest) (Handle, error)
	}
)
