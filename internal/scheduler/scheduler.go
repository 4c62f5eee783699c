// Package scheduler implements the Scheduler (C12, spec.md §4.7):
// self-rescheduling timers for the auth check, retry poll, consolidation,
// and heartbeat sweeps, plus user-defined cron routines. "Self-rescheduling"
// means each sweep schedules its own next tick only after the current one
// completes — never an overlapping-interval ticker — so a slow sweep
// cannot pile up concurrent runs of itself. There is no teacher analogue
// for self-rescheduling timers; the cron-routine half is grounded on
// github.com/robfig/cron/v3, already present in the teacher's dependency
// closure (indirectly, via github.com/robfig/cron) and promoted here to a
// direct dependency per SPEC_FULL.md §5.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ryaker/zora/internal/authmonitor"
	"github.com/ryaker/zora/internal/config"
	"github.com/ryaker/zora/internal/memory"
	"github.com/ryaker/zora/internal/pipeline"
	"github.com/ryaker/zora/internal/retryqueue"
	"github.com/ryaker/zora/internal/task"
	"github.com/ryaker/zora/internal/telemetry"
)

// Scheduler owns every self-rescheduling sweep and the cron routine table.
type Scheduler struct {
	pipeline *pipeline.Pipeline
	auth     *authmonitor.Monitor
	retry    *retryqueue.Queue
	memory   *memory.Manager
	logger   telemetry.Logger

	authInterval               time.Duration
	retryPollInterval          time.Duration
	consolidationInterval      time.Duration
	heartbeatInterval          time.Duration
	consolidationThresholdDays int

	cron   *cron.Cron
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config carries the Scheduler's boot-time dependencies and intervals.
type Config struct {
	Pipeline                   *pipeline.Pipeline
	Auth                       *authmonitor.Monitor
	Retry                      *retryqueue.Queue
	Memory                     *memory.Manager
	Logger                     telemetry.Logger
	AuthCheckInterval          time.Duration // default 5m
	RetryPollInterval          time.Duration // default 30s
	ConsolidationInterval      time.Duration // default 24h
	ConsolidationThresholdDays int           // default 7
	HeartbeatInterval          time.Duration // 0 disables the heartbeat sweep
	Routines                   []config.Routine
}

// New constructs a Scheduler; call Start to begin its sweeps.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		pipeline: cfg.Pipeline, auth: cfg.Auth, retry: cfg.Retry, memory: cfg.Memory, logger: cfg.Logger,
		authInterval: cfg.AuthCheckInterval, retryPollInterval: cfg.RetryPollInterval,
		consolidationInterval: cfg.ConsolidationInterval, heartbeatInterval: cfg.HeartbeatInterval,
		consolidationThresholdDays: cfg.ConsolidationThresholdDays,
		cron: cron.New(),
	}
	if s.authInterval <= 0 {
		s.authInterval = 5 * time.Minute
	}
	if s.retryPollInterval <= 0 {
		s.retryPollInterval = 30 * time.Second
	}
	if s.consolidationInterval <= 0 {
		s.consolidationInterval = 24 * time.Hour
	}
	if s.consolidationThresholdDays <= 0 {
		s.consolidationThresholdDays = 7
	}
	for _, r := range cfg.Routines {
		if !r.Enabled {
			continue
		}
		routine := r
		_, err := s.cron.AddFunc(routine.Cron, func() { s.runRoutine(routine) })
		if err != nil && s.logger != nil {
			s.logger.Error(context.Background(), "scheduler: invalid routine cron expression", "routine", routine.Name, "cron", routine.Cron, "error", err.Error())
		}
	}
	return s
}

// Start begins every self-rescheduling sweep and the cron scheduler.
// Shutdown (ctx cancellation) stops all timers; in-flight submissions
// complete or abort via the root cancellation signal (spec.md §4.7).
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.Start()

	s.scheduleSelf(ctx, s.authInterval, func(ctx context.Context) { s.auth.CheckAll(ctx) })
	s.scheduleSelf(ctx, s.retryPollInterval, s.pollRetries)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(30 * time.Second):
		case <-ctx.Done():
			return
		}
		s.scheduleSelf(ctx, s.consolidationInterval, s.consolidate)
	}()

	if s.heartbeatInterval > 0 {
		s.scheduleSelf(ctx, s.heartbeatInterval, s.heartbeat)
	}
}

// scheduleSelf runs fn immediately on its own goroutine, then schedules the
// next tick only after fn returns — the self-rescheduling pattern spec.md
// §4.7 requires instead of an overlapping-interval ticker.
func (s *Scheduler) scheduleSelf(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				fn(ctx)
				timer.Reset(interval)
			}
		}
	}()
}

func (s *Scheduler) pollRetries(ctx context.Context) {
	if s.retry == nil {
		return
	}
	s.retry.PollAndResubmit(ctx, func(ctx context.Context, t task.Task) error {
		_, err := s.pipeline.Run(ctx, t.JobID, t.Prompt, pipeline.Options{
			ModelPreference: t.ModelPreference, MaxCostTier: t.MaxCostTier, Labels: t.Labels,
		})
		return err
	})
}

func (s *Scheduler) consolidate(ctx context.Context) {
	if s.memory == nil {
		return
	}
	if err := s.memory.Consolidate(ctx, s.consolidationThresholdDays, nil); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "scheduler: consolidation sweep failed", "error", err.Error())
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	jobID := "heartbeat-" + time.Now().UTC().Format("20060102T150405")
	if _, err := s.pipeline.Run(ctx, jobID, "Perform a routine self-check: confirm provider availability, auth status, and memory consolidation health.", pipeline.Options{Labels: map[string]string{"kind": "heartbeat"}}); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "scheduler: heartbeat task failed", "error", err.Error())
	}
}

func (s *Scheduler) runRoutine(r config.Routine) {
	ctx := context.Background()
	jobID := "routine-" + r.Name + "-" + time.Now().UTC().Format("20060102T150405")
	opts := pipeline.Options{
		Labels:          map[string]string{"kind": "routine", "routine": r.Name},
		ModelPreference: r.ModelPreference,
		MaxCostTier:     r.MaxCostTier,
	}
	if _, err := s.pipeline.Run(ctx, jobID, r.Prompt, opts); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "scheduler: routine task failed", "routine", r.Name, "error", err.Error())
	}
}

// Shutdown cancels every timer and the cron scheduler, then waits for
// in-flight sweep goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
}
