// Package event defines the Event type streamed by providers and persisted by
// the SessionStore. An Event is the unit of streamed output from a provider;
// events for a jobId form a totally ordered, append-only sequence and are the
// source of truth for a task (spec.md §3, "Event").
package event

import (
	"encoding/json"
	"time"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindThinking Kind = "thinking"
	KindText     Kind = "text"
	KindToolCall Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindError    Kind = "error"
	KindDone     Kind = "done"
	KindSteering Kind = "steering"
)

type (
	// Event is a single, timestamped, kind-tagged unit of streamed provider
	// output or pipeline-synthesized occurrence (steering, error, done).
	//
	// Only the field(s) matching Kind are populated; the others are zero
	// values. This mirrors the teacher's model.Chunk, which carries one
	// "active" payload field per Type.
	Event struct {
		// JobID identifies the task this event belongs to.
		JobID string `json:"jobId"`
		// Kind selects which payload field is populated.
		Kind Kind `json:"kind"`
		// Timestamp records when the event was produced.
		Timestamp time.Time `json:"timestamp"`
		// Source tags the emitter: a provider name, "steering", "pipeline", etc.
		Source string `json:"source"`

		Thinking    *ThinkingPayload    `json:"thinking,omitempty"`
		Text        *TextPayload        `json:"text,omitempty"`
		ToolCall    *ToolCallPayload    `json:"toolCall,omitempty"`
		ToolResult  *ToolResultPayload  `json:"toolResult,omitempty"`
		Error       *ErrorPayload       `json:"error,omitempty"`
		Done        *DonePayload        `json:"done,omitempty"`
		Steering    *SteeringPayload    `json:"steering,omitempty"`
	}

	// ThinkingPayload carries provider reasoning text.
	ThinkingPayload struct {
		Text string `json:"text"`
	}

	// TextPayload carries assistant-visible text.
	TextPayload struct {
		Text string `json:"text"`
	}

	// ToolCallPayload describes a requested tool invocation.
	ToolCallPayload struct {
		ToolCallID string          `json:"toolCallId"`
		Tool       string          `json:"tool"`
		Arguments  json.RawMessage `json:"arguments"`
	}

	// ToolResultPayload carries the outcome of executing a tool call.
	ToolResultPayload struct {
		ToolCallID string `json:"toolCallId"`
		Result     any    `json:"result"`
		IsError    bool   `json:"isError"`
	}

	// ErrorPayload describes a provider or pipeline failure. The three
	// classification flags drive FailoverController routing (spec.md §4.4,
	// §7).
	ErrorPayload struct {
		Message       string `json:"message"`
		IsAuthError   bool   `json:"isAuthError,omitempty"`
		IsQuotaError  bool   `json:"isQuotaError,omitempty"`
		IsCircuitOpen bool   `json:"isCircuitOpen,omitempty"`
		// Handled marks that FailoverController already processed this
		// error, so an outer catch must not re-enter failover. Carried on
		// the error payload rather than tracked via an identity map (see
		// SPEC_FULL.md / spec.md §9, "WeakSet" redesign note).
		Handled bool `json:"-"`
	}

	// DonePayload carries the terminal result of a task.
	DonePayload struct {
		Text          string  `json:"text"`
		TotalCostUSD  float64 `json:"totalCostUsd,omitempty"`
		NumTurns      int     `json:"numTurns,omitempty"`
	}

	// SteeringPayload carries a mid-flight human message injected into the
	// task's history.
	SteeringPayload struct {
		MessageID string `json:"messageId"`
		Author    string `json:"author"`
		Text      string `json:"text"`
	}
)

// IsTerminal reports whether the event ends the task's event sequence.
func (e Event) IsTerminal() bool {
	return e.Kind == KindDone || (e.Kind == KindError && e.Error != nil)
}
