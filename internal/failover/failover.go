// Package failover implements FailoverController (C8, spec.md §4.4). The
// handoff-bundle procedure follows spec.md §4.4 literally; the "mark the
// error so an outer catch doesn't re-enter failover" step is implemented
// via the explicit ErrorPayload.Handled flag (internal/event) rather than
// an identity-keyed WeakSet, per spec.md §9's redesign note.
package failover

import (
	"context"
	"time"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/router"
	"github.com/ryaker/zora/internal/task"
)

// MaxDepth bounds failover recursion (spec.md §3 invariant: "Failover
// recursion depth is bounded by a fixed constant (3)").
const MaxDepth = 3

// HandoffBundle carries everything the substitute provider needs to
// resume a task after a failover (spec.md §4.4 step 5).
type HandoffBundle struct {
	JobID           string
	FromProvider    string
	ToProvider      string
	CreatedAt       time.Time
	OriginalPrompt  string
	Summary         string
	ProgressMarkers []string
	ArtifactRefs    []string
	ToolHistory     []event.Event
}

// AuthRegistry and QuotaRegistry let the controller poison a provider's
// auth/quota state after an auth or quota error (spec.md §4.4,
// "Auth/quota specialization").
type (
	AuthRegistry interface {
		PoisonAuth(providerName string)
	}
	QuotaRegistry interface {
		SetCooldown(providerName string, until time.Time, exhausted bool)
	}
)

// Controller implements the failover procedure.
type Controller struct {
	router    *router.Router
	breakers  *circuitbreaker.Registry
	auth      AuthRegistry
	quota     QuotaRegistry
	maxTokens int // max_handoff_context_tokens
}

// New constructs a Controller.
func New(r *router.Router, breakers *circuitbreaker.Registry, auth AuthRegistry, quota QuotaRegistry, maxHandoffContextTokens int) *Controller {
	return &Controller{router: r, breakers: breakers, auth: auth, quota: quota, maxTokens: maxHandoffContextTokens}
}

// Handle runs spec.md §4.4's procedure for one error event against one
// failing provider, returning the next provider and a handoff bundle, or
// ok=false if no alternative exists (caller enqueues for retry).
func (c *Controller) Handle(ctx context.Context, t *task.Task, failingProvider string, errPayload *event.ErrorPayload) (provider.Provider, *HandoffBundle, bool) {
	// Step 1: mark the failing provider's circuit breaker.
	c.breakers.For(failingProvider).RecordFailure(ctx)

	// Step 2: mark the error handled so an outer catch doesn't re-enter
	// failover for the same occurrence.
	if errPayload != nil {
		errPayload.Handled = true
	}

	// Auth/quota specialization (spec.md §4.4, "Auth/quota specialization").
	if errPayload != nil {
		if errPayload.IsAuthError && c.auth != nil {
			c.auth.PoisonAuth(failingProvider)
		}
		if errPayload.IsQuotaError && c.quota != nil {
			c.quota.SetCooldown(failingProvider, time.Now().Add(5*time.Minute), true)
		}
	}

	if t.FailoverDepth >= MaxDepth {
		return nil, nil, false
	}

	// Step 3: ask Router for an alternative, excluding the failed provider.
	next, ok := c.router.Select(ctx, *t, map[string]struct{}{failingProvider: {}})
	if !ok {
		return nil, nil, false
	}

	bundle := c.buildBundle(t, failingProvider, next.Name())
	return next, bundle, true
}

func (c *Controller) buildBundle(t *task.Task, from, to string) *HandoffBundle {
	bundle := &HandoffBundle{
		JobID:          t.JobID,
		FromProvider:   from,
		ToProvider:     to,
		CreatedAt:      time.Now().UTC(),
		OriginalPrompt: t.Prompt,
		ToolHistory:    t.History,
	}
	bundle.Summary, bundle.ProgressMarkers, bundle.ArtifactRefs = compress(t.History, c.maxTokens)
	return bundle
}

// compress builds a bounded-size summary of the task's event history,
// sized to approximately maxTokens (spec.md §4.4 step 5, "compressed
// context (summary, progress markers, artifact refs) sized ≤
// max_handoff_context_tokens"). Token counting is approximated as
// len(text)/4, the common rough-estimate ratio for English text.
func compress(history []event.Event, maxTokens int) (summary string, markers, artifacts []string) {
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	budget := maxTokens * 4 // approximate chars
	var sb []byte
	for i := len(history) - 1; i >= 0 && len(sb) < budget; i-- {
		e := history[i]
		switch e.Kind {
		case event.KindText:
			if e.Text != nil {
				markers = append([]string{"text: " + truncate(e.Text.Text, 120)}, markers...)
			}
		case event.KindToolCall:
			if e.ToolCall != nil {
				markers = append([]string{"tool_call: " + e.ToolCall.Tool}, markers...)
			}
		case event.KindToolResult:
			if e.ToolResult != nil {
				artifacts = append(artifacts, e.ToolResult.ToolCallID)
			}
		case event.KindDone:
			if e.Done != nil {
				sb = append(sb, []byte(e.Done.Text)...)
			}
		}
	}
	if len(markers) > 20 {
		markers = markers[len(markers)-20:]
	}
	summary = string(sb)
	if len(summary) > budget {
		summary = summary[:budget]
	}
	return summary, markers, artifacts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
