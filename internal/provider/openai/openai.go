// Package openai adapts the OpenAI Chat Completions streaming API to the
// provider.Provider interface (C5, spec.md §4.6). The client-interface seam
// and request-building shape follow
// features/model/openai/client.go, generalized the same way
// internal/provider/anthropic generalizes its teacher file: from a single
// non-agentic turn into a provider-owned multi-turn tool loop, since this
// adapter (unlike the teacher's) executes tool calls itself rather than
// handing them back to a caller-owned planner.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/toolexec"
)

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

// Client implements provider.Provider on top of OpenAI Chat Completions.
type Client struct {
	chat     *openai.Client
	name     string
	model    string
	caps     []string
	costTier string
	rank     int
	maxTok   int64
	breakers *circuitbreaker.Registry

	mu     sync.Mutex
	active map[string]context.CancelFunc
	usage  provider.Usage
}

// New builds an OpenAI-backed Provider from a pre-constructed client.
func New(client *openai.Client, opts Options) *Client {
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{
		chat: client, name: name, model: opts.Model, caps: opts.Capabilities,
		costTier: opts.CostTier, rank: opts.Rank, maxTok: maxTok,
		breakers: opts.Breakers, active: make(map[string]context.CancelFunc),
	}
}

// NewFromAPIKey constructs a client against the real OpenAI API.
func NewFromAPIKey(apiKey string, opts Options) *Client {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client, opts)
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

// CheckAuth always reports the credentials as valid; see
// internal/provider/anthropic for why this adapter does not spend a request
// to probe liveness.
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

var toolParams = buildToolParams()

func buildToolParams() []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(toolexec.Catalog))
	for _, d := range toolexec.Catalog {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Schema),
			},
		})
	}
	return out
}

// Execute runs the OpenAI streaming conversation loop for one task,
// executing tool calls itself (gated by tc.Authorize) across turns until
// the model stops requesting tools or tc.MaxTurns is reached.
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

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) runLoop(ctx context.Context, tc provider.TaskContext, out chan<- event.Event) {
	maxTurns := tc.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if tc.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(tc.SystemPrompt))
	}
	for _, e := range tc.History {
		if e.Kind == event.KindText {
			messages = append(messages, openai.UserMessage(e.Text.Text))
		}
	}
	messages = append(messages, openai.UserMessage(tc.Prompt))

	var totalText strings.Builder
	for turn := 0; turn < maxTurns; turn++ {
		params := openai.ChatCompletionNewParams{
			Model:     openai.ChatModel(c.model),
			Messages:  messages,
			Tools:     toolParams,
			MaxTokens: openai.Int(c.maxTok),
		}
		stream := c.chat.Chat.Completions.NewStreaming(ctx, params)

		assistantText, calls, err := c.drainStream(ctx, tc.JobID, out, stream, &totalText)
		if err != nil {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindError, Error: classifyError(err)})
			return
		}
		if assistantText != "" || len(calls) > 0 {
			messages = append(messages, openai.AssistantMessage(assistantText))
		}
		if len(calls) == 0 {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindDone, Done: &event.DonePayload{
				Text: totalText.String(), NumTurns: turn + 1,
			}})
			return
		}

		for _, call := range calls {
			var args policy.ToolInput
			_ = json.Unmarshal(call.Arguments, &args)
			result := toolexec.Run(ctx, tc.Authorize, tc.JobID, call.Tool, args)
			result.ToolCallID = call.ToolCallID
			c.emit(out, tc.JobID, event.Event{Kind: event.KindToolResult, ToolResult: &result})
			messages = append(messages, openai.ToolMessage(fmt.Sprintf("%v", result.Result), call.ToolCallID))
		}

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

func (c *Client) drainStream(ctx context.Context, jobID string, out chan<- event.Event, stream *ssestream.Stream[openai.ChatCompletionChunk], totalText *strings.Builder) (string, []event.ToolCallPayload, error) {
	pending := make(map[int64]*pendingCall)
	var textBuf strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			totalText.WriteString(delta.Content)
			c.emit(out, jobID, event.Event{Kind: event.KindText, Text: &event.TextPayload{Text: delta.Content}})
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			p := pending[idx]
			if p == nil {
				p = &pendingCall{}
				pending[idx] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, err
	}

	var calls []event.ToolCallPayload
	for _, p := range pending {
		raw := p.args.String()
		if raw == "" {
			raw = "{}"
		}
		call := event.ToolCallPayload{ToolCallID: p.id, Tool: p.name, Arguments: json.RawMessage(raw)}
		calls = append(calls, call)
		c.emit(out, jobID, event.Event{Kind: event.KindToolCall, ToolCall: &call})
	}
	return textBuf.String(), calls, nil
}

func classifyError(err error) *event.ErrorPayload {
	msg := err.Error()
	lower := strings.ToLower(msg)
	return &event.ErrorPayload{
		Message:      msg,
		IsAuthError:  strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid_api_key"),
		IsQuotaError: strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "insufficient_quota"),
	}
}

var _ provider.Provider = (*Client)(nil)
