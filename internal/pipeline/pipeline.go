// Package pipeline implements ExecutionPipeline (C11, spec.md §4.5): the
// per-task state machine composing memory, policy, session persistence,
// steering, routing, failover, and retry into one `run(prompt, opts)`
// procedure. There is no single teacher analogue for this state machine;
// its buffered-writer-plus-event-loop shape follows
// runtime/agent/session.Writer's batched-append idiom, and its
// fan-out/finally structure follows the defer-based cleanup pattern used
// throughout the teacher's runtime packages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ryaker/zora/internal/auditlog"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/eventbus"
	"github.com/ryaker/zora/internal/failover"
	"github.com/ryaker/zora/internal/intentcapsule"
	"github.com/ryaker/zora/internal/memory"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/retryqueue"
	"github.com/ryaker/zora/internal/router"
	"github.com/ryaker/zora/internal/session"
	"github.com/ryaker/zora/internal/steering"
	"github.com/ryaker/zora/internal/task"
	"github.com/ryaker/zora/internal/telemetry"
)

// State is one of ExecutionPipeline's eight states (spec.md §4.5).
type State string

const (
	StateNew           State = "NEW"
	StateRouting       State = "ROUTING"
	StateExecuting     State = "EXECUTING"
	StateSteeringCheck State = "STEERING_CHECK"
	StateFailingOver   State = "FAILING_OVER"
	StateRetrying      State = "RETRYING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

var errNoProvider = errors.New("pipeline: no provider available")

// OnTaskEnd is invoked once per completed task (success or failure). If it
// returns ok=true, prompt/opts describe a follow-up task the pipeline
// recursively submits (spec.md §4.5 step 6, "if a hook returns a
// follow-up, recursively submit it").
type OnTaskEnd func(ctx context.Context, t task.Task, resultText string, taskErr error) (prompt string, opts Options, ok bool)

// Options configures one Run call.
type Options struct {
	ModelPreference string
	MaxCostTier     string
	MaxTurns        int
	SessionID       string
	Labels          map[string]string
	Identity        string // overrides the pipeline-wide default identity for this task
	OnEvent         func(event.Event)
}

// Pipeline owns one ExecutionPipeline instance shared across every task
// submitted to this process (each Run call is an independent logical
// task; state is task-scoped except where noted).
type Pipeline struct {
	policy   *policy.Engine
	memory   *memory.Manager
	sessions session.Store
	steering *steering.Inbox
	router   *router.Router
	failover *failover.Controller
	retry    *retryqueue.Queue
	bus      eventbus.Bus
	audit    *auditlog.Logger
	signer   *intentcapsule.Signer
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	identity         string
	extract          memory.Reflector
	extractEnabled   bool
	flushEvery       time.Duration
	steeringDebounce time.Duration
	capsuleTTL       time.Duration

	mu       sync.Mutex
	states   map[string]State
	onEnd    []OnTaskEnd
}

// Config carries Pipeline's fixed, boot-time dependencies.
type Config struct {
	Policy           *policy.Engine
	Memory           *memory.Manager
	Sessions         session.Store
	Steering         *steering.Inbox
	Router           *router.Router
	Failover         *failover.Controller
	Retry            *retryqueue.Queue
	Bus              eventbus.Bus
	Audit            *auditlog.Logger
	Signer           *intentcapsule.Signer
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
	Identity         string // identity file contents; empty uses the built-in default
	Extract          memory.Reflector
	FlushEvery       time.Duration // default 500ms
	SteeringDebounce time.Duration // default 2s
	CapsuleTTL       time.Duration // default 2h
}

// New constructs a Pipeline from its boot-time dependencies.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		policy: cfg.Policy, memory: cfg.Memory, sessions: cfg.Sessions,
		steering: cfg.Steering, router: cfg.Router, failover: cfg.Failover,
		retry: cfg.Retry, bus: cfg.Bus, audit: cfg.Audit, signer: cfg.Signer,
		logger: cfg.Logger, metrics: cfg.Metrics, identity: cfg.Identity,
		extract: cfg.Extract, extractEnabled: cfg.Extract != nil,
		flushEvery: cfg.FlushEvery, steeringDebounce: cfg.SteeringDebounce,
		capsuleTTL: cfg.CapsuleTTL,
		states:     make(map[string]State),
	}
	if p.flushEvery <= 0 {
		p.flushEvery = 500 * time.Millisecond
	}
	if p.steeringDebounce <= 0 {
		p.steeringDebounce = 2 * time.Second
	}
	if p.capsuleTTL <= 0 {
		p.capsuleTTL = 2 * time.Hour
	}
	return p
}

// OnTaskEnd registers a hook invoked after every task reaches a terminal
// state.
func (p *Pipeline) OnTaskEnd(hook OnTaskEnd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnd = append(p.onEnd, hook)
}

// State reports a task's current state, if known.
func (p *Pipeline) State(jobID string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[jobID]
	return s, ok
}

func (p *Pipeline) setState(jobID string, s State) {
	p.mu.Lock()
	p.states[jobID] = s
	p.mu.Unlock()
}

// Run implements spec.md §4.5's run(prompt, opts): the full NEW→ROUTING
// procedure, followed by the EXECUTING event loop (with failover
// recursion tail-called internally) and the finally-block cleanup.
func (p *Pipeline) Run(ctx context.Context, jobID, prompt string, opts Options) (string, error) {
	p.setState(jobID, StateNew)

	sanitized, flagged := sanitizeInput(prompt)
	if flagged {
		p.logger.Warn(ctx, "pipeline: possible prompt injection detected", "jobId", jobID)
	}

	p.setState(jobID, StateRouting)
	identity := opts.Identity
	if identity == "" {
		identity = p.identity
	}
	memoryContext, err := p.memory.LoadProgressiveIndex(ctx, p.logger)
	if err != nil {
		p.logger.Warn(ctx, "pipeline: memory context load failed", "jobId", jobID, "error", err)
		memoryContext = ""
	}
	systemPrompt := buildSystemPrompt(identity, memoryContext)

	capsule := p.signer.Create(sanitized, nil, p.capsuleTTL)
	classification := router.Classify(sanitized)

	t := &task.Task{
		JobID:           jobID,
		Prompt:          sanitized,
		Classification:  classification,
		ModelPreference: opts.ModelPreference,
		MaxCostTier:     opts.MaxCostTier,
		MaxTurns:        opts.MaxTurns,
		SessionID:       opts.SessionID,
		Labels:          opts.Labels,
		SubmittedAt:     time.Now().UTC(),
	}

	prov, ok := p.router.Select(ctx, *t, nil)
	if !ok {
		p.setState(jobID, StateFailed)
		p.emitFailure(ctx, t, opts, "no provider available")
		return "", errNoProvider
	}

	p.policy.StartSession(jobID, &capsule)
	defer p.policy.EndSession(jobID)

	tc := provider.TaskContext{
		JobID: jobID, SystemPrompt: systemPrompt, Prompt: sanitized,
		MaxTurns: t.MaxTurns, Authorize: p.policy, Classification: classification,
	}

	result, runErr := p.execute(ctx, t, prov, tc, opts, nil)
	p.finish(ctx, t, opts, result, runErr)
	return result, runErr
}

// execute drives one provider attempt's event loop (spec.md §4.5 steps
// 2–4); on a failover-eligible error it tail-calls itself with the
// substitute provider rather than returning, per step 3g.
func (p *Pipeline) execute(ctx context.Context, t *task.Task, prov provider.Provider, tc provider.TaskContext, opts Options, handoff *failover.HandoffBundle) (string, error) {
	p.setState(t.JobID, StateExecuting)

	if handoff != nil {
		tc.History = []event.Event{{
			JobID: t.JobID, Kind: event.KindText, Timestamp: time.Now().UTC(), Source: "failover",
			Text: &event.TextPayload{Text: "Resuming after handoff from " + handoff.FromProvider + ": " + handoff.Summary},
		}}
	}

	writer := session.OpenWriter(p.sessions, t.JobID, p.flushEvery)
	closed := false
	closeWriter := func() {
		if !closed {
			writer.Close()
			closed = true
		}
	}
	defer closeWriter()

	stream, err := prov.Execute(ctx, tc)
	if err != nil {
		return p.handleError(ctx, t, prov, tc, opts, &event.ErrorPayload{Message: err.Error()}, closeWriter)
	}

	lastSteeringPoll := time.Time{}
	var resultText string
	sawDone := false

loop:
	for {
		select {
		case <-ctx.Done():
			prov.Abort(t.JobID)
			return "", ctx.Err()
		case e, more := <-stream:
			if !more {
				break loop
			}
			writer.Append(e)
			t.AppendEvent(e)

			if e.Kind == event.KindToolCall || e.Kind == event.KindToolResult {
				p.scanAndAuditTool(ctx, t.JobID, e)
			}
			if e.Kind == event.KindText || e.Kind == event.KindToolResult {
				lastSteeringPoll = p.pollSteering(ctx, t, writer, lastSteeringPoll, opts)
			}
			p.emit(ctx, e, opts)

			if e.Kind == event.KindDone {
				sawDone = true
				if e.Done != nil {
					resultText = e.Done.Text
				}
			}
			if e.Kind == event.KindError && e.Error != nil && !e.Error.Handled {
				return p.handleError(ctx, t, prov, tc, opts, e.Error, closeWriter)
			}
		}
	}

	if !sawDone {
		done := event.Event{JobID: t.JobID, Kind: event.KindDone, Timestamp: time.Now().UTC(), Source: "pipeline", Done: &event.DonePayload{Text: resultText}}
		writer.Append(done)
		t.AppendEvent(done)
		p.emit(ctx, done, opts)
	}

	p.setState(t.JobID, StateDone)
	return resultText, nil
}

// handleError implements spec.md §4.5 step 3g / step 5: attempt failover;
// on success tail-call execute with the substitute provider, otherwise
// enqueue to the retry queue and return the error.
func (p *Pipeline) handleError(ctx context.Context, t *task.Task, failing provider.Provider, tc provider.TaskContext, opts Options, errPayload *event.ErrorPayload, closeWriter func()) (string, error) {
	p.setState(t.JobID, StateFailingOver)
	next, bundle, ok := p.failover.Handle(ctx, t, failing.Name(), errPayload)
	if ok {
		closeWriter()
		t.FailoverDepth++
		return p.execute(ctx, t, next, tc, opts, bundle)
	}

	p.setState(t.JobID, StateRetrying)
	if p.retry != nil {
		if err := p.retry.Enqueue(*t, errors.New(errPayload.Message)); err != nil {
			p.logger.Error(ctx, "pipeline: retry enqueue failed", "jobId", t.JobID, "error", err)
		}
	}
	p.setState(t.JobID, StateFailed)
	return "", fmt.Errorf("pipeline: task %s failed, no provider available for failover: %s", t.JobID, errPayload.Message)
}

// pollSteering drains the steering inbox at most once per debounce window
// per jobId (spec.md §4.5 step 3c).
func (p *Pipeline) pollSteering(ctx context.Context, t *task.Task, writer *session.Writer, last time.Time, opts Options) time.Time {
	if time.Since(last) < p.steeringDebounce {
		return last
	}
	msgs, err := p.steering.Drain(t.JobID)
	if err != nil {
		p.logger.Warn(ctx, "pipeline: steering drain failed", "jobId", t.JobID, "error", err)
		return time.Now()
	}
	for _, m := range msgs {
		se := event.Event{
			JobID: t.JobID, Kind: event.KindSteering, Timestamp: time.Now().UTC(), Source: "steering",
			Steering: &event.SteeringPayload{MessageID: m.MessageID, Author: m.Author, Text: m.Text},
		}
		writer.Append(se)
		t.AppendEvent(se)
		p.emit(ctx, se, opts)
	}
	return time.Now()
}

// scanAndAuditTool runs the leak detector over a tool_call/tool_result
// event and records an audit entry (spec.md §4.5 step 3b, §5 "AuditLogger").
func (p *Pipeline) scanAndAuditTool(ctx context.Context, jobID string, e event.Event) {
	var kind, detail string
	switch e.Kind {
	case event.KindToolCall:
		kind = "tool_invocation"
		if e.ToolCall != nil {
			detail = fmt.Sprintf("%s %s", e.ToolCall.Tool, string(e.ToolCall.Arguments))
		}
	case event.KindToolResult:
		kind = "tool_result"
		if e.ToolResult != nil {
			detail = fmt.Sprintf("%v", e.ToolResult.Result)
		}
	}
	if p.audit != nil {
		p.audit.Append(jobID, kind, truncate(detail, 2000))
	}
	for _, m := range scanForLeaks(detail) {
		p.logger.Warn(ctx, "pipeline: potential credential leak in tool text", "jobId", jobID, "pattern", m.Pattern, "excerpt", m.Excerpt)
		if p.audit != nil {
			p.audit.Append(jobID, "leak_detected", m.Pattern)
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, e event.Event, opts Options) {
	if p.bus != nil {
		if err := p.bus.Publish(ctx, e); err != nil {
			p.logger.Warn(ctx, "pipeline: event bus publish failed", "jobId", e.JobID, "error", err)
		}
	}
	if opts.OnEvent != nil {
		opts.OnEvent(e)
	}
}

func (p *Pipeline) emitFailure(ctx context.Context, t *task.Task, opts Options, reason string) {
	e := event.Event{
		JobID: t.JobID, Kind: event.KindError, Timestamp: time.Now().UTC(), Source: "pipeline",
		Error: &event.ErrorPayload{Message: reason},
	}
	p.emit(ctx, e, opts)
	if p.audit != nil {
		p.audit.Append(t.JobID, "pipeline_failed", reason)
	}
}

// finish implements spec.md §4.5 step 6: daily-note completion line,
// fire-and-forget extraction, and onTaskEnd hooks (which may recursively
// submit a follow-up task).
func (p *Pipeline) finish(ctx context.Context, t *task.Task, opts Options, resultText string, taskErr error) {
	if taskErr == nil {
		line := fmt.Sprintf("- %s: completed task %s — %s", time.Now().UTC().Format(time.RFC3339), t.JobID, truncate(resultText, 200))
		if err := p.memory.AppendDailyNote(line); err != nil {
			p.logger.Warn(ctx, "pipeline: daily note append failed", "jobId", t.JobID, "error", err)
		}
		if p.extractEnabled {
			go func() {
				extractCtx := context.Background()
				if err := p.memory.ExtractFromTaskText(extractCtx, resultText, p.extract); err != nil {
					p.logger.Warn(extractCtx, "pipeline: post-task extraction failed", "jobId", t.JobID, "error", err)
				}
			}()
		}
	}

	p.mu.Lock()
	hooks := append([]OnTaskEnd(nil), p.onEnd...)
	p.mu.Unlock()

	for _, hook := range hooks {
		prompt, followOpts, ok := hook(ctx, *t, resultText, taskErr)
		if !ok || strings.TrimSpace(prompt) == "" {
			continue
		}
		followJobID := t.JobID + "-followup"
		if _, err := p.Run(ctx, followJobID, prompt, followOpts); err != nil {
			p.logger.Warn(ctx, "pipeline: follow-up task failed", "jobId", followJobID, "error", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
