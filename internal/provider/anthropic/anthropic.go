// Package anthropic adapts the Anthropic Claude Messages streaming API to
// the provider.Provider interface (C5, spec.md §4.6). The MessagesClient
// seam, the background run() goroutine pumping SSE events into a buffered
// channel, and the per-content-block accumulation of text/thinking/tool_use
// deltas are grounded on
// features/model/anthropic/{client.go,stream.go}, translated from that
// adapter's internal model.Chunk union into event.Event and generalized
// from a single non-agentic turn into the provider-owned multi-turn tool
// loop spec.md §4.6 requires (a Provider executes tool calls itself,
// gated by tc.Authorize, rather than returning them to a caller).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/toolexec"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter, satisfied by *sdk.Client.Messages so tests can substitute a mock
// (the same seam features/model/anthropic/client.go defines).
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter's static identity and default model.
type Options struct {
	Name         string
	Model        string
	Capabilities []string
	CostTier     string
	Rank         int
	MaxTokens    int64
	Breakers     *circuitbreaker.Registry
}

// Client implements provider.Provider on top of Anthropic Claude Messages.
type Client struct {
	msg      MessagesClient
	name     string
	model    string
	caps     []string
	costTier string
	rank     int
	maxTok   int64
	breakers *circuitbreaker.Registry

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	usage   provider.Usage
	lastReq time.Time
}

// New builds an Anthropic-backed Provider.
func New(msg MessagesClient, opts Options) *Client {
	name := opts.Name
	if name == "" {
		name = "anthropic"
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 8192
	}
	return &Client{
		msg: msg, name: name, model: opts.Model, caps: opts.Capabilities,
		costTier: opts.CostTier, rank: opts.Rank, maxTok: maxTok,
		breakers: opts.Breakers, active: make(map[string]context.CancelFunc),
	}
}

// NewFromAPIKey constructs a client against the real Anthropic API.
func NewFromAPIKey(apiKey string, opts Options) *Client {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

func (c *Client) Name() string           { return c.name }
func (c *Client) Capabilities() []string { return c.caps }
func (c *Client) CostTier() string       { return c.costTier }
func (c *Client) Rank() int              { return c.rank }

func (c *Client) IsAvailable(ctx context.Context) bool {
	if c.breakers != nil && c.breakers.For(c.name).State() == circuitbreaker.StateOpen {
		return false
	}
	status, err := c.CheckAuth(ctx)
	return err == nil && status.Valid
}

// CheckAuth has no cheap way to probe Anthropic without spending a request,
// so it always reports the credentials as valid; it makes no call and
// keeps no cache.
func (c *Client) CheckAuth(ctx context.Context) (provider.AuthStatus, error) {
	return provider.AuthStatus{Valid: true}, nil
}

func (c *Client) GetQuotaStatus(ctx context.Context) provider.QuotaStatus {
	state := circuitbreaker.StateClosed
	if c.breakers != nil {
		state = c.breakers.For(c.name).State()
	}
	return provider.QuotaStatus{HealthScore: provider.HealthScoreFromBreakerState(string(state))}
}

func (c *Client) GetUsage() provider.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Client) recordUsage(in, out int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.TotalInputTokens += in
	c.usage.TotalOutputTokens += out
	c.usage.RequestCount++
	now := time.Now().UTC()
	c.usage.LastRequestAt = &now
}

// Abort cancels the context for jobID, if it is currently executing.
func (c *Client) Abort(jobID string) {
	c.mu.Lock()
	cancel, ok := c.active[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) register(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[jobID] = cancel
	c.mu.Unlock()
}

func (c *Client) unregister(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

// convo accumulates the message list across the provider-owned tool loop's
// turns: a user/assistant message per streaming response, plus tool-result
// messages fed back for the next round.
type convo struct {
	messages []sdk.MessageParam
}

var toolDefs = buildToolParams()

func buildToolParams() []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(toolexec.Catalog))
	for _, d := range toolexec.Catalog {
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        d.Name,
				Description: sdk.String(d.Description),
				InputSchema: sdk.ToolInputSchemaParam{Properties: d.Schema["properties"]},
			},
		})
	}
	return out
}

// Execute runs the Anthropic streaming conversation loop for one task,
// executing any tool calls itself (gated by tc.Authorize) until the model
// stops requesting tools or tc.MaxTurns is reached, emitting a terminal
// done/error event (spec.md §4.6).
func (c *Client) Execute(ctx context.Context, tc provider.TaskContext) (<-chan event.Event, error) {
	runCtx, cancel := context.WithCancel(ctx)
	c.register(tc.JobID, cancel)

	out := make(chan event.Event, 16)
	go func() {
		defer close(out)
		defer c.unregister(tc.JobID)
		defer cancel()
		c.runLoop(runCtx, tc, out)
	}()
	return out, nil
}

func (c *Client) emit(out chan<- event.Event, jobID string, ev event.Event) {
	ev.JobID = jobID
	ev.Source = c.name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	out <- ev
}

func (c *Client) runLoop(ctx context.Context, tc provider.TaskContext, out chan<- event.Event) {
	maxTurns := tc.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	cv := &convo{}
	for _, e := range tc.History {
		if e.Kind == event.KindText {
			cv.messages = append(cv.messages, sdk.NewUserMessage(sdk.NewTextBlock(e.Text.Text)))
		}
	}
	cv.messages = append(cv.messages, sdk.NewUserMessage(sdk.NewTextBlock(tc.Prompt)))

	var totalText bytes.Buffer
	for turn := 0; turn < maxTurns; turn++ {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(c.model),
			MaxTokens: c.maxTok,
			Messages:  cv.messages,
			Tools:     toolDefs,
		}
		if tc.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: tc.SystemPrompt}}
		}

		stream := c.msg.NewStreaming(ctx, params)
		assistantBlocks, toolCalls, err := c.drainStream(ctx, tc.JobID, out, stream, &totalText)
		if err != nil {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindError, Error: classifyError(err)})
			return
		}
		if len(assistantBlocks) > 0 {
			cv.messages = append(cv.messages, sdk.NewAssistantMessage(assistantBlocks...))
		}
		if len(toolCalls) == 0 {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindDone, Done: &event.DonePayload{
				Text: totalText.String(), NumTurns: turn + 1,
			}})
			return
		}

		resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(toolCalls))
		for _, call := range toolCalls {
			var args policy.ToolInput
			_ = json.Unmarshal(call.Arguments, &args)
			result := toolexec.Run(ctx, tc.Authorize, tc.JobID, call.Tool, args)
			result.ToolCallID = call.ToolCallID
			c.emit(out, tc.JobID, event.Event{Kind: event.KindToolResult, ToolResult: &result})
			resultBlocks = append(resultBlocks, encodeToolResult(call.ToolCallID, result))
		}
		cv.messages = append(cv.messages, sdk.NewUserMessage(resultBlocks...))

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	c.emit(out, tc.JobID, event.Event{Kind: event.KindDone, Done: &event.DonePayload{
		Text: totalText.String(), NumTurns: maxTurns,
	}})
}

func encodeToolResult(toolCallID string, r event.ToolResultPayload) sdk.ContentBlockParamUnion {
	text := fmt.Sprintf("%v", r.Result)
	block := sdk.NewToolResultBlock(toolCallID, text, r.IsError)
	return block
}

type pendingTool struct {
	id        string
	name      string
	fragments strings.Builder
}

// drainStream consumes one streaming response to completion, emitting
// thinking/text events as they arrive and accumulating tool_use blocks,
// returning the content blocks to echo back as the assistant turn plus any
// completed tool calls.
func (c *Client) drainStream(ctx context.Context, jobID string, out chan<- event.Event, stream *ssestream.Stream[sdk.MessageStreamEventUnion], totalText *bytes.Buffer) ([]sdk.ContentBlockParamUnion, []event.ToolCallPayload, error) {
	var blocks []sdk.ContentBlockParamUnion
	var calls []event.ToolCallPayload
	pending := make(map[int64]*pendingTool)
	var textBuf strings.Builder

	for stream.Next() {
		ev := stream.Current()
		switch e := ev.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				pending[e.Index] = &pendingTool{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch d := e.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text == "" {
					continue
				}
				textBuf.WriteString(d.Text)
				totalText.WriteString(d.Text)
				c.emit(out, jobID, event.Event{Kind: event.KindText, Text: &event.TextPayload{Text: d.Text}})
			case sdk.ThinkingDelta:
				if d.Thinking == "" {
					continue
				}
				c.emit(out, jobID, event.Event{Kind: event.KindThinking, Thinking: &event.ThinkingPayload{Text: d.Thinking}})
			case sdk.InputJSONDelta:
				if p := pending[e.Index]; p != nil {
					p.fragments.WriteString(d.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if p := pending[e.Index]; p != nil {
				delete(pending, e.Index)
				raw := p.fragments.String()
				if raw == "" {
					raw = "{}"
				}
				calls = append(calls, event.ToolCallPayload{
					ToolCallID: p.id, Tool: p.name, Arguments: json.RawMessage(raw),
				})
				c.emit(out, jobID, event.Event{Kind: event.KindToolCall, ToolCall: &event.ToolCallPayload{
					ToolCallID: p.id, Tool: p.name, Arguments: json.RawMessage(raw),
				}})
			}
		case sdk.MessageStopEvent:
			// terminal for this response; fall through to stream.Err() below.
		}
	}
	if err := stream.Err(); err != nil {
		return nil, nil, err
	}
	if textBuf.Len() > 0 {
		blocks = append(blocks, sdk.NewTextBlock(textBuf.String()))
	}
	for _, call := range calls {
		var args any
		_ = json.Unmarshal(call.Arguments, &args)
		blocks = append(blocks, sdk.NewToolUseBlock(call.ToolCallID, args, call.Tool))
	}
	return blocks, calls, nil
}

func classifyError(err error) *event.ErrorPayload {
	msg := err.Error()
	lower := strings.ToLower(msg)
	return &event.ErrorPayload{
		Message:      msg,
		IsAuthError:  strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"),
		IsQuotaError: strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"),
	}
}

var _ provider.Provider = (*Client)(nil)
