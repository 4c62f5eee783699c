// Package bedrock adapts the AWS Bedrock Converse streaming API to the
// provider.Provider interface (C5, spec.md §4.6). The RuntimeClient seam and
// the tagged-union event handling (ContentBlockStart/Delta/Stop, each
// wrapping a further Member union for text/tool_use/reasoning) follow
// features/model/bedrock/{client.go,stream.go}; as with
// internal/provider/anthropic and internal/provider/openai, the teacher's
// single non-agentic turn is generalized into a provider-owned multi-turn
// tool loop.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/toolexec"
)

// RuntimeClient captures the subset of the AWS Bedrock runtime client used by
// this adapter, satisfied by *bedrockruntime.Client (the same seam
// features/model/bedrock/client.go defines).
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the adapter's static identity and default model.
type Options struct {
	Name         string
	ModelID      string
	Capabilities []string
	CostTier     string
	Rank         int
	MaxTokens    int32
	Breakers     *circuitbreaker.Registry
}

// Client implements provider.Provider on top of AWS Bedrock Converse.
type Client struct {
	runtime  RuntimeClient
	name     string
	modelID  string
	caps     []string
	costTier string
	rank     int
	maxTok   int32
	breakers *circuitbreaker.Registry

	mu     sync.Mutex
	active map[string]context.CancelFunc
	usage  provider.Usage
}

// New builds a Bedrock-backed Provider from a pre-constructed runtime client.
func New(runtime RuntimeClient, opts Options) *Client {
	name := opts.Name
	if name == "" {
		name = "bedrock"
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{
		runtime: runtime, name: name, modelID: opts.ModelID, caps: opts.Capabilities,
		costTier: opts.CostTier, rank: opts.Rank, maxTok: maxTok,
		breakers: opts.Breakers, active: make(map[string]context.CancelFunc),
	}
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

// CheckAuth always reports the credentials as valid; AWS SigV4 credential
// resolution happens per-request via the SDK's credential chain, not a
// separate probe call (internal/provider/anthropic does the same).
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

var toolSpecs = buildToolSpecs()

func buildToolSpecs() []brtypes.Tool {
	out := make([]brtypes.Tool, 0, len(toolexec.Catalog))
	for _, d := range toolexec.Catalog {
		out = append(out, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(d.Schema),
				},
			},
		})
	}
	return out
}

// Execute runs the Bedrock Converse streaming conversation loop for one
// task, executing tool calls itself (gated by tc.Authorize) across turns
// until the model stops requesting tools or tc.MaxTurns is reached.
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

type pendingTool struct {
	id        string
	name      string
	fragments strings.Builder
}

func (c *Client) runLoop(ctx context.Context, tc provider.TaskContext, out chan<- event.Event) {
	maxTurns := tc.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	var messages []brtypes.Message
	for _, e := range tc.History {
		if e.Kind == event.KindText {
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: e.Text.Text}},
			})
		}
	}
	messages = append(messages, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: tc.Prompt}},
	})

	var system []brtypes.SystemContentBlock
	if tc.SystemPrompt != "" {
		system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: tc.SystemPrompt}}
	}

	var totalText strings.Builder
	for turn := 0; turn < maxTurns; turn++ {
		input := &bedrockruntime.ConverseStreamInput{
			ModelId:  aws.String(c.modelID),
			Messages: messages,
			System:   system,
			ToolConfig: &brtypes.ToolConfiguration{
				Tools: toolSpecs,
			},
			InferenceConfig: &brtypes.InferenceConfiguration{
				MaxTokens: aws.Int32(c.maxTok),
			},
		}
		resp, err := c.runtime.ConverseStream(ctx, input)
		if err != nil {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindError, Error: classifyError(err)})
			return
		}

		assistantBlocks, calls, err := c.drainStream(ctx, tc.JobID, out, resp, &totalText)
		if err != nil {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindError, Error: classifyError(err)})
			return
		}
		if len(assistantBlocks) > 0 {
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: assistantBlocks})
		}
		if len(calls) == 0 {
			c.emit(out, tc.JobID, event.Event{Kind: event.KindDone, Done: &event.DonePayload{
				Text: totalText.String(), NumTurns: turn + 1,
			}})
			return
		}

		var resultBlocks []brtypes.ContentBlock
		for _, call := range calls {
			var args policy.ToolInput
			_ = json.Unmarshal(call.Arguments, &args)
			result := toolexec.Run(ctx, tc.Authorize, tc.JobID, call.Tool, args)
			result.ToolCallID = call.ToolCallID
			c.emit(out, tc.JobID, event.Event{Kind: event.KindToolResult, ToolResult: &result})
			resultBlocks = append(resultBlocks, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(call.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: fmt.Sprintf("%v", result.Result)}},
					Status:    toolResultStatus(result.IsError),
				},
			})
		}
		messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: resultBlocks})

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

func toolResultStatus(isError bool) brtypes.ToolResultStatus {
	if isError {
		return brtypes.ToolResultStatusError
	}
	return brtypes.ToolResultStatusSuccess
}

// drainStream consumes one ConverseStream response to completion, emitting
// thinking/text events and accumulating tool_use blocks (spec.md §4.6).
func (c *Client) drainStream(ctx context.Context, jobID string, out chan<- event.Event, resp *bedrockruntime.ConverseStreamOutput, totalText *strings.Builder) ([]brtypes.ContentBlock, []event.ToolCallPayload, error) {
	var assistantBlocks []brtypes.ContentBlock
	var calls []event.ToolCallPayload
	pending := make(map[int32]*pendingTool)
	var textBuf strings.Builder

	stream := resp.GetStream()
	defer stream.Close()

	for ev := range stream.Events() {
		switch e := ev.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			idx := e.Value.ContentBlockIndex
			if idx == nil {
				continue
			}
			if tu, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				pending[*idx] = &pendingTool{
					id:   aws.ToString(tu.Value.ToolUseId),
					name: aws.ToString(tu.Value.Name),
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			idx := e.Value.ContentBlockIndex
			if idx == nil {
				continue
			}
			switch d := e.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				if d.Value == "" {
					continue
				}
				textBuf.WriteString(d.Value)
				totalText.WriteString(d.Value)
				c.emit(out, jobID, event.Event{Kind: event.KindText, Text: &event.TextPayload{Text: d.Value}})
			case *brtypes.ContentBlockDeltaMemberReasoningContent:
				if rt, ok := d.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && rt.Value != "" {
					c.emit(out, jobID, event.Event{Kind: event.KindThinking, Thinking: &event.ThinkingPayload{Text: rt.Value}})
				}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				if p := pending[*idx]; p != nil && d.Value.Input != nil {
					p.fragments.WriteString(*d.Value.Input)
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			idx := e.Value.ContentBlockIndex
			if idx == nil {
				continue
			}
			if p := pending[*idx]; p != nil {
				delete(pending, *idx)
				raw := p.fragments.String()
				if raw == "" {
					raw = "{}"
				}
				call := event.ToolCallPayload{ToolCallID: p.id, Tool: p.name, Arguments: json.RawMessage(raw)}
				calls = append(calls, call)
				c.emit(out, jobID, event.Event{Kind: event.KindToolCall, ToolCall: &call})
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			// terminal for this response; loop exits when the events channel closes.
		}
	}
	if err := stream.Err(); err != nil {
		return nil, nil, err
	}

	if textBuf.Len() > 0 {
		assistantBlocks = append(assistantBlocks, &brtypes.ContentBlockMemberText{Value: textBuf.String()})
	}
	for _, call := range calls {
		var input any
		_ = json.Unmarshal(call.Arguments, &input)
		assistantBlocks = append(assistantBlocks, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(call.ToolCallID),
				Name:      aws.String(call.Tool),
				Input:     document.NewLazyDocument(input),
			},
		})
	}
	return assistantBlocks, calls, nil
}

func classifyError(err error) *event.ErrorPayload {
	msg := err.Error()
	lower := strings.ToLower(msg)
	return &event.ErrorPayload{
		Message:      msg,
		IsAuthError:  strings.Contains(lower, "unrecognized") || strings.Contains(lower, "accessdenied") || strings.Contains(lower, "unauthorized"),
		IsQuotaError: strings.Contains(lower, "throttl") || strings.Contains(lower, "toomanyrequests"),
	}
}

var _ provider.Provider = (*Client)(nil)
