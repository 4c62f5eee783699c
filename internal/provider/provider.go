// Package provider defines the Provider interface every LLM backend
// implements (C5, spec.md §4.6) and the TaskContext handed to
// Provider.execute. The Part/Message shape used internally by adapters
// follows runtime/agent/model/model.go's tagged-union content blocks; this
// package itself only defines the seam the core consumes, per spec.md's
// redesign note that canUseTool must be an explicit handle rather than a
// closure-captured `this`.
package provider

import (
	"context"
	"time"

	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/task"
)

type (
	// AuthStatus is the result of Provider.checkAuth.
	AuthStatus struct {
		Valid               bool
		ExpiresAt           *time.Time
		CanAutoRefresh      bool
		RequiresInteraction bool
	}

	// QuotaStatus is the result of Provider.getQuotaStatus.
	QuotaStatus struct {
		IsExhausted       bool
		RemainingRequests *int
		CooldownUntil     *time.Time
		HealthScore       float64 // derived from circuit-breaker state, in [0,1]
	}

	// Usage is the result of Provider.getUsage.
	Usage struct {
		TotalCostUSD     float64
		TotalInputTokens int64
		TotalOutputTokens int64
		RequestCount     int64
		LastRequestAt    *time.Time
	}

	// Authorizer is the explicit handle a Provider consults before any tool
	// call it initiates (spec.md §4.1 contract; redesign flag in spec.md §9
	// replacing a closure-captured `this.canUseTool` with this passed-down
	// handle).
	Authorizer interface {
		Authorize(ctx context.Context, jobID, toolName string, input policy.ToolInput) policy.Decision
	}

	// TaskContext is everything a Provider needs to execute one task.
	TaskContext struct {
		JobID        string
		SystemPrompt string
		Prompt       string
		History      []event.Event
		MaxTurns     int
		Authorize    Authorizer
		Classification task.Classification
	}

	// Provider is implemented by every LLM backend adapter.
	Provider interface {
		// Name is the provider's stable identity, used by Router/FailoverController.
		Name() string
		// Capabilities are the static tags this provider supports.
		Capabilities() []string
		// CostTier is the static cost classification.
		CostTier() string
		// Rank orders providers for tie-breaking; lower is preferred.
		Rank() int

		// IsAvailable checks enabled + circuit-breaker-closed + cached auth valid.
		IsAvailable(ctx context.Context) bool
		// CheckAuth may cache its result for up to 60s.
		CheckAuth(ctx context.Context) (AuthStatus, error)
		// GetQuotaStatus reports exhaustion/cooldown/health.
		GetQuotaStatus(ctx context.Context) QuotaStatus
		// GetUsage reports cumulative usage counters.
		GetUsage() Usage

		// Execute produces a finite, single-use event stream for one task.
		// The returned channel is closed after a terminal done/error event,
		// or without one when ctx is cancelled between turns.
		// Execute MUST honor tc.Authorize before any tool call, MUST register
		// jobId in an internal active-jobs map for Abort, and MUST honor ctx
		// cancellation (spec.md §4.6, §5 "Cancellation & timeouts").
		Execute(ctx context.Context, tc TaskContext) (<-chan event.Event, error)
		// Abort is idempotent; a no-op on an unknown jobId.
		Abort(jobID string)
	}
)

// HealthScoreFromBreakerState maps a circuit-breaker state name to the
// [0,1] health score GetQuotaStatus reports (spec.md §4.6,
// "healthScore derived from circuit breaker").
func HealthScoreFromBreakerState(state string) float64 {
	switch state {
	case "closed":
		return 1.0
	case "half_open":
		return 0.5
	case "open":
		return 0.0
	default:
		return 0.5
	}
}
