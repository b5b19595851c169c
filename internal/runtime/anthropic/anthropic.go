// Package anthropic implements the runtime contract on top of the Anthropic
// streaming Messages API. Each connection owns its own message history; a
// turn streams text deltas as they arrive, resolves tool calls through the
// permission callback, and handles "Task" delegation to nested agents with
// lifecycle hooks around each one.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/flitsinc/go-sessions/internal/runtime"
)

const (
	defaultModel  = "claude-sonnet-4-20250514"
	maxTokens     = 8192
	maxToolRounds = 16
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Runtime struct {
	client anthropic.Client
	model  string
}

func New(cfg Config) (*Runtime, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Runtime{client: anthropic.NewClient(options...), model: model}, nil
}

func (r *Runtime) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("connect: %w", ctx.Err())
	}
	model := opts.Model
	if model == "" {
		model = r.model
	}
	sessionID := opts.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	agents := map[string]runtime.AgentDefinition{}
	for _, a := range opts.Agents {
		agents[strings.ToLower(a.Name)] = a
	}
	return &conn{
		client:    r.client,
		model:     model,
		opts:      opts,
		agents:    agents,
		sessionID: sessionID,
	}, nil
}

type conn struct {
	client    anthropic.Client
	model     string
	opts      runtime.Options
	agents    map[string]runtime.AgentDefinition
	sessionID string

	mu      sync.Mutex
	history []anthropic.MessageParam
	lastErr error
	closed  bool
	cancel  context.CancelFunc
}

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		// Cancelling the turn context aborts the HTTP stream, which stops
		// provider-side generation, not just our local reader.
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func (c *conn) Submit(ctx context.Context, content string) (<-chan runtime.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection is closed")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lastErr = nil
	c.history = append(c.history, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
	c.mu.Unlock()

	events := make(chan runtime.Event, 16)
	go c.runTurn(turnCtx, events)
	return events, nil
}

// runTurn drives the agentic loop: stream one assistant message, resolve any
// tool calls it requested, feed the results back, repeat until the model
// stops calling tools or the round cap is hit.
func (c *conn) runTurn(ctx context.Context, events chan<- runtime.Event) {
	defer close(events)
	started := time.Now()
	numTurns := 0
	var inputTokens, outputTokens int64

	fail := func(err error) {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		events <- runtime.Event{Kind: runtime.EventResult, Result: runtime.Result{
			SessionID:    c.sessionID,
			TotalCostUSD: costUSD(c.model, inputTokens, outputTokens),
			DurationMS:   time.Since(started).Milliseconds(),
			NumTurns:     numTurns,
			IsError:      true,
		}}
	}

	for round := 0; round < maxToolRounds; round++ {
		assistant, toolCalls, usage, err := c.streamAssistantMessage(ctx, events)
		if err != nil {
			fail(err)
			return
		}
		numTurns++
		inputTokens += usage.in
		outputTokens += usage.out

		c.mu.Lock()
		c.history = append(c.history, assistant)
		c.mu.Unlock()

		if len(toolCalls) == 0 {
			events <- runtime.Event{Kind: runtime.EventResult, Result: runtime.Result{
				SessionID:    c.sessionID,
				TotalCostUSD: costUSD(c.model, inputTokens, outputTokens),
				DurationMS:   time.Since(started).Milliseconds(),
				NumTurns:     numTurns,
			}}
			return
		}

		var results []anthropic.ContentBlockParamUnion
		for _, call := range toolCalls {
			text, isError := c.resolveToolCall(ctx, call, events)
			block := anthropic.NewToolResultBlock(call.id, text, isError)
			results = append(results, block)
		}
		c.mu.Lock()
		c.history = append(c.history, anthropic.NewUserMessage(results...))
		c.mu.Unlock()
	}

	fail(fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds))
}

type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

type usage struct {
	in  int64
	out int64
}

// streamAssistantMessage runs one streaming Messages call, forwarding text
// deltas and final blocks as events and collecting any tool calls.
func (c *conn) streamAssistantMessage(ctx context.Context, events chan<- runtime.Event) (anthropic.MessageParam, []toolCall, usage, error) {
	c.mu.Lock()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  append([]anthropic.MessageParam(nil), c.history...),
	}
	c.mu.Unlock()
	if c.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.opts.SystemPrompt}}
	}
	if len(c.agents) > 0 {
		params.Tools = []anthropic.ToolUnionParam{{OfTool: delegateToolParam()}}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	var content []anthropic.ContentBlockParamUnion
	var calls []toolCall
	var currentText strings.Builder
	var currentTool *toolCall
	var currentToolInput strings.Builder
	var use usage
	inText := false

	flushText := func() {
		if !inText {
			return
		}
		text := currentText.String()
		if text != "" {
			events <- runtime.Event{Kind: runtime.EventTextFinal, Text: text}
			content = append(content, anthropic.NewTextBlock(text))
		}
		currentText.Reset()
		inText = false
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			use.in = messageStart.Message.Usage.InputTokens
		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			switch blockStart.ContentBlock.Type {
			case "text":
				inText = true
			case "tool_use":
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &toolCall{id: toolUse.ID, name: toolUse.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					currentText.WriteString(delta.Text)
					events <- runtime.Event{Kind: runtime.EventTextDelta, Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.input = json.RawMessage(currentToolInput.String())
				calls = append(calls, *currentTool)
				content = append(content, anthropic.NewToolUseBlock(currentTool.id, currentTool.input, currentTool.name))
				currentTool = nil
			} else {
				flushText()
			}
		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				use.out = messageDelta.Usage.OutputTokens
			}
		}
	}
	flushText()
	if err := stream.Err(); err != nil {
		return anthropic.MessageParam{}, nil, use, fmt.Errorf("anthropic stream: %w", err)
	}
	return anthropic.NewAssistantMessage(content...), calls, use, nil
}

// resolveToolCall checks permission, then executes the call. Only nested
// agent delegation runs in-process; everything else reports back to the
// model as unavailable.
func (c *conn) resolveToolCall(ctx context.Context, call toolCall, events chan<- runtime.Event) (text string, isError bool) {
	input := map[string]any{}
	if len(call.input) > 0 {
		_ = json.Unmarshal(call.input, &input)
	}

	events <- runtime.Event{Kind: runtime.EventToolUse, Tool: call.name, ToolInput: truncate(string(call.input), 500)}

	if c.opts.Permission != nil {
		decision := c.opts.Permission(ctx, call.name, input)
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "Permission denied"
			}
			return reason, true
		}
	}

	if call.name == "Task" {
		return c.runDelegate(ctx, input)
	}
	return fmt.Sprintf("Tool %q is not available in this environment", call.name), true
}

// runDelegate executes a nested agent turn with a single non-streaming call,
// wrapped in start/stop hooks. Hook delivery failures cannot reach us: the
// hook interface has no error channel.
func (c *conn) runDelegate(ctx context.Context, input map[string]any) (string, bool) {
	agentName, _ := input["agent"].(string)
	prompt, _ := input["prompt"].(string)
	def, ok := c.agents[strings.ToLower(agentName)]
	if !ok {
		return fmt.Sprintf("Unknown agent %q", agentName), true
	}
	if prompt == "" {
		return "Delegation prompt is required", true
	}

	info := runtime.AgentInfo{AgentID: uuid.NewString(), AgentType: def.Name}
	if c.opts.Hooks != nil {
		c.opts.Hooks.OnAgentStarted(info)
		defer c.opts.Hooks.OnAgentStopped(info)
	}

	model := def.Model
	if model == "" {
		model = c.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}
	if def.Prompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: def.Prompt}}
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return fmt.Sprintf("Delegated agent failed: %v", err), true
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), false
}

func delegateToolParam() *anthropic.ToolParam {
	return &anthropic.ToolParam{
		Name:        "Task",
		Description: anthropic.String("Delegate a task to a nested agent from the registry."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"agent":  map[string]any{"type": "string", "description": "Registry name of the agent to run"},
				"prompt": map[string]any{"type": "string", "description": "Task description for the agent"},
			},
			Required: []string{"agent", "prompt"},
		},
	}
}

// Rough per-model pricing in USD per million tokens, enough for the result
// summary the client displays.
func costUSD(model string, inputTokens, outputTokens int64) float64 {
	inRate, outRate := 3.0, 15.0
	switch {
	case strings.Contains(model, "opus"):
		inRate, outRate = 15.0, 75.0
	case strings.Contains(model, "haiku"):
		inRate, outRate = 0.8, 4.0
	}
	return float64(inputTokens)*inRate/1e6 + float64(outputTokens)*outRate/1e6
}

// truncate caps s at n bytes, backing up so a rune is never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
