// Package orchestrator implements the Orchestrator (C13, spec.md §4):
// the root owner that boots every component, wires them together per
// SPEC_FULL.md's dependency graph, exposes submitTask, and performs a
// clean shutdown. There is no single teacher analogue for a root owner of
// this shape; its boot-then-serve-then-shutdown lifecycle follows the
// pattern summarized from example/cmd/assistant/main.go (construct
// dependencies, start background work, block on a cancellation signal,
// tear down in reverse order) reshaped into a reusable type so cmd/zora's
// main can stay a thin wiring layer.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryaker/zora/internal/authmonitor"
	"github.com/ryaker/zora/internal/auditlog"
	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/config"
	"github.com/ryaker/zora/internal/engine"
	"github.com/ryaker/zora/internal/engine/inmem"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/eventbus"
	"github.com/ryaker/zora/internal/failover"
	"github.com/ryaker/zora/internal/intentcapsule"
	"github.com/ryaker/zora/internal/memory"
	"github.com/ryaker/zora/internal/pipeline"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/retryqueue"
	"github.com/ryaker/zora/internal/router"
	"github.com/ryaker/zora/internal/scheduler"
	"github.com/ryaker/zora/internal/session"
	"github.com/ryaker/zora/internal/steering"
	"github.com/ryaker/zora/internal/telemetry"
)

// Config carries everything needed to boot an Orchestrator. Concrete
// Provider adapters (internal/provider/{anthropic,openai,bedrock}) are
// constructed by the caller and passed in, keeping this package free of
// any one provider SDK dependency.
type Config struct {
	BaseDir    string
	Policy     config.Policy
	PolicyPath string
	App        config.Config
	Providers  []provider.Provider
	Routines   []config.Routine
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	FlagCallback policy.FlagCallback
	Extract    memory.Reflector
	Identity   string
	// Breakers, if set, is shared with the caller so Provider adapters
	// constructed before Boot (they need a registry to report circuit
	// state through GetQuotaStatus) observe the same trip/reset state the
	// Router and FailoverController drive. If nil, Boot creates its own.
	Breakers *circuitbreaker.Registry
}

// Orchestrator owns the full component graph for one running process.
type Orchestrator struct {
	logger   telemetry.Logger
	policy   *policy.Engine
	memory   *memory.Manager
	sessions *session.FileStore
	steering *steering.Inbox
	breakers *circuitbreaker.Registry
	router   *router.Router
	failover *failover.Controller
	retry    *retryqueue.Queue
	bus      eventbus.Bus
	audit    *auditlog.Logger
	signer   *intentcapsule.Signer
	authMon  *authmonitor.Monitor
	sched    *scheduler.Scheduler
	pipeline *pipeline.Pipeline
	authReg  *authQuotaRegistry
	runner   engine.Runner

	mu     sync.Mutex
	engine engine.Engine
	cancel context.CancelFunc
}

// Boot constructs every component and starts the scheduler's background
// sweeps. Call Shutdown to reverse this.
func Boot(ctx context.Context, cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	signer, err := intentcapsule.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create signer: %w", err)
	}

	mem, err := memory.New(cfg.BaseDir, cfg.App.Memory.DedupJaccardThreshold)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init memory: %w", err)
	}

	sessions, err := session.NewFileStore(filepath.Join(cfg.BaseDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init session store: %w", err)
	}

	steer := steering.NewInbox(filepath.Join(cfg.BaseDir, "steering"))

	audit, err := auditlog.Open(filepath.Join(cfg.BaseDir, "audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open audit log: %w", err)
	}

	bus := eventbus.New()

	pol := policy.New(cfg.Policy, cfg.PolicyPath, signer, cfg.FlagCallback)

	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(5, 30*time.Second, nil)
	}

	mode := router.SelectionMode(cfg.App.Router.SelectionMode)
	if mode == "" {
		mode = router.ModeRespectRanking
	}
	rt := router.New(cfg.Providers, breakers, mode)

	authReg := newAuthQuotaRegistry()

	retryCfg := retryqueue.DefaultConfig()
	if cfg.App.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.App.Retry.MaxAttempts
	}
	if cfg.App.Retry.BaseDelaySeconds > 0 {
		retryCfg.BaseDelay = time.Duration(cfg.App.Retry.BaseDelaySeconds * float64(time.Second))
	}
	if cfg.App.Retry.CapSeconds > 0 {
		retryCfg.Cap = time.Duration(cfg.App.Retry.CapSeconds * float64(time.Second))
	}
	retry, err := retryqueue.Open(filepath.Join(cfg.BaseDir, "retry-queue.json"), retryCfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open retry queue: %w", err)
	}

	maxHandoffTokens := cfg.App.Failover.MaxHandoffContextTokens
	fc := failover.New(rt, breakers, authReg, authReg, maxHandoffTokens)

	notifier := &busNotifier{bus: bus}
	authMon := authmonitor.New(cfg.Providers, notifier, logger, 24*time.Hour)

	pipe := pipeline.New(pipeline.Config{
		Policy: pol, Memory: mem, Sessions: sessions, Steering: steer,
		Router: rt, Failover: fc, Retry: retry, Bus: bus, Audit: audit,
		Signer: signer, Logger: logger, Metrics: cfg.Metrics, Identity: cfg.Identity,
		Extract: cfg.Extract,
	})

	sched := scheduler.New(scheduler.Config{
		Pipeline: pipe, Auth: authMon, Retry: retry, Memory: mem, Logger: logger,
		AuthCheckInterval:          time.Duration(cfg.App.Scheduler.AuthCheckIntervalSeconds) * time.Second,
		RetryPollInterval:          time.Duration(cfg.App.Scheduler.RetryPollIntervalSeconds) * time.Second,
		ConsolidationThresholdDays: 7,
		HeartbeatInterval:          time.Duration(cfg.App.Scheduler.HeartbeatIntervalSeconds) * time.Second,
		Routines:                   cfg.Routines,
	})

	runCtx, cancel := context.WithCancel(ctx)
	sched.Start(runCtx)

	// runner adapts pipe.Run to engine.Runner's (ctx, TaskRequest) shape;
	// Opts is typed any in engine.TaskRequest specifically so internal/engine
	// never imports internal/pipeline (spec.md §5's durable-execution seam).
	runner := func(ctx context.Context, req engine.TaskRequest) (string, error) {
		opts, _ := req.Opts.(pipeline.Options)
		return pipe.Run(ctx, req.JobID, req.Prompt, opts)
	}

	o := &Orchestrator{
		logger: logger, policy: pol, memory: mem, sessions: sessions, steering: steer,
		breakers: breakers, router: rt, failover: fc, retry: retry, bus: bus, audit: audit,
		signer: signer, authMon: authMon, sched: sched, pipeline: pipe, authReg: authReg,
		runner: runner, engine: inmem.New(runner),
		cancel: cancel,
	}
	return o, nil
}

// Runner exposes the closure that actually executes a task through the
// pipeline, so a caller can hand it to a different engine.Engine (e.g.
// internal/engine/temporal, for durable execution) and install it with
// UseEngine — without internal/engine ever importing internal/pipeline.
func (o *Orchestrator) Runner() engine.Runner { return o.runner }

// UseEngine swaps the Engine SubmitTask dispatches through. Boot installs an
// internal/engine/inmem Engine by default; call this before any SubmitTask
// to upgrade to a durable backend.
func (o *Orchestrator) UseEngine(eng engine.Engine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engine = eng
}

// SubmitTask mints a jobId and hands prompt to the configured Engine,
// returning the jobId immediately while the task itself runs asynchronously;
// progress is observed via the shared event bus (spec.md §6 "POST /api/task
// {prompt} → {ok:true, jobId}").
func (o *Orchestrator) SubmitTask(ctx context.Context, prompt string, opts pipeline.Options) string {
	jobID := uuid.NewString()
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()
	if _, err := eng.RunTask(ctx, engine.TaskRequest{JobID: jobID, Prompt: prompt, Opts: opts}); err != nil {
		o.logger.Warn(ctx, "orchestrator: task failed to start", "jobId", jobID, "error", err.Error())
	}
	return jobID
}

// Events returns the shared event bus dashboards/tests subscribe to.
func (o *Orchestrator) Events() eventbus.Bus { return o.bus }

// Providers exposes the router's configured providers (for health/quota
// HTTP handlers).
func (o *Orchestrator) Providers() []provider.Provider { return o.router.ProvidersSnapshot() }

// Sessions exposes the session store (for job-listing HTTP handlers).
func (o *Orchestrator) Sessions() *session.FileStore { return o.sessions }

// Steering exposes the steering inbox (for the steer HTTP handler).
func (o *Orchestrator) Steering() *steering.Inbox { return o.steering }

// IsSteerable reports whether jobID is a currently tracked pipeline state,
// i.e. a submit happened and has not finished.
func (o *Orchestrator) IsSteerable(jobID string) bool {
	_, ok := o.pipeline.State(jobID)
	return ok
}

// Shutdown cancels the scheduler and background sweeps, then closes the
// audit log, waiting for queued writes to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.sched.Shutdown()
	o.audit.Close(ctx)
}

// authQuotaRegistry is the minimal in-memory bookkeeping FailoverController
// needs to poison a provider's auth/quota state after an error (spec.md
// §4.4, "Auth/quota specialization"). It has no teacher analogue; it is
// deliberately thin because the durable source of truth for auth/quota is
// each concrete Provider adapter's own CheckAuth/GetQuotaStatus — this
// registry exists so FailoverController's poisoning signal has somewhere
// to land even before a specific adapter consults it.
type authQuotaRegistry struct {
	mu       sync.Mutex
	poisoned map[string]bool
	cooldown map[string]time.Time
	exhausted map[string]bool
}

func newAuthQuotaRegistry() *authQuotaRegistry {
	return &authQuotaRegistry{
		poisoned: make(map[string]bool), cooldown: make(map[string]time.Time), exhausted: make(map[string]bool),
	}
}

func (r *authQuotaRegistry) PoisonAuth(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poisoned[providerName] = true
}

func (r *authQuotaRegistry) SetCooldown(providerName string, until time.Time, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[providerName] = until
	r.exhausted[providerName] = exhausted
}

// IsAuthPoisoned reports whether a provider's cached auth was poisoned and
// needs a forced re-check. The bundled provider adapters' CheckAuth does not
// consult it.
func (r *authQuotaRegistry) IsAuthPoisoned(providerName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poisoned[providerName]
}

// ClearAuthPoison removes a provider's poisoned mark; none of the bundled
// provider adapters calls it.
func (r *authQuotaRegistry) ClearAuthPoison(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.poisoned, providerName)
}

type busNotifier struct {
	bus eventbus.Bus
}

func (n *busNotifier) NotifyAuthWarning(providerName string, status provider.AuthStatus) {
	msg := fmt.Sprintf("provider %s auth requires attention (valid=%v, requiresInteraction=%v)", providerName, status.Valid, status.RequiresInteraction)
	_ = n.bus.Publish(context.Background(), event.Event{
		Kind: event.KindError, Timestamp: time.Now().UTC(), Source: "auth_monitor",
		Error: &event.ErrorPayload{Message: msg, IsAuthError: true},
	})
}
