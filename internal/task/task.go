// Package task defines the Task type submitted to the orchestration core and
// its classification (spec.md §3, "Task").
package task

import (
	"time"

	"github.com/ryaker/zora/internal/event"
)

// Complexity buckets a task's expected difficulty, driving capability
// requirements in Router.selectProvider.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ResourceType is the axis of a task that drives capability requirements.
type ResourceType string

const (
	ResourceReasoning ResourceType = "reasoning"
	ResourceCoding    ResourceType = "coding"
	ResourceData      ResourceType = "data"
	ResourceCreative  ResourceType = "creative"
	ResourceSearch    ResourceType = "search"
	ResourceMixed     ResourceType = "mixed"
)

type (
	// Classification is the Router's verdict on a task's complexity and
	// dominant resource type.
	Classification struct {
		Complexity   Complexity
		ResourceType ResourceType
	}

	// Task is a unit of work submitted by a user or routine. It is created on
	// submitTask, mutated only by the ExecutionPipeline that owns it, and
	// discarded on its terminal event.
	Task struct {
		// JobID is the opaque unique identifier assigned at submission.
		JobID string
		// Prompt is the post-sanitization text.
		Prompt string
		// Classification is set by Router.Classify during ROUTING.
		Classification Classification
		// ModelPreference optionally overrides provider selection.
		ModelPreference string
		// MaxCostTier optionally ceilings provider cost tier.
		MaxCostTier string
		// MaxTurns optionally bounds the number of provider turns.
		MaxTurns int
		// History is the ordered sequence of events accumulated so far. It
		// drives FailoverController's handoff bundle construction.
		History []event.Event
		// SessionID associates this task with a durable Session (may be
		// empty for one-off tasks).
		SessionID string
		// Labels carries caller- or routine-provided labels (cron routine
		// name, heartbeat marker, etc.).
		Labels map[string]string
		// SubmittedAt records when the task entered the pipeline.
		SubmittedAt time.Time
		// FailoverDepth counts how many times this task has already failed
		// over, bounding recursion at 3 (spec.md §3 invariant).
		FailoverDepth int
	}
)

// AppendEvent records an event in the task's history, preserving order. It
// does not itself persist the event; ExecutionPipeline queues the event on
// its buffered session.Writer just before this call, and the durable
// SessionStore.Append happens at the writer's next flush.
func (t *Task) AppendEvent(e event.Event) {
	t.History = append(t.History, e)
}
