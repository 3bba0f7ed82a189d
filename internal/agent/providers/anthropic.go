package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events
// processAnthropicStream tolerates before treating the stream as
// malformed rather than looping forever on a stalled connection.
const maxEmptyStreamEvents = 50

// AnthropicProvider implements agent.LLMProvider against Anthropic's
// Messages API. Unlike OpenAI, Anthropic streams one content block at a
// time rather than interleaving tool calls by index; Stream forwards each
// content-block event's own Index as the chunk Index the assembler keys on.
type AnthropicProvider struct {
	BaseProvider
	client       *anthropic.Client
	defaultModel string
}

// AnthropicConfig holds construction parameters for an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider constructs a provider. An empty APIKey is
// permitted for delayed configuration; Stream will fail with a
// ConfigError when called.
func NewAnthropicProvider(config AnthropicConfig) *AnthropicProvider {
	p := &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		defaultModel: config.DefaultModel,
	}
	if p.defaultModel == "" {
		p.defaultModel = "claude-sonnet-4-20250514"
	}
	if config.APIKey == "" {
		return p
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	p.client = &client
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete returns the provider's one-shot answer by draining Stream and
// handing the result to an Assembler — there is no separate non-streaming
// code path to keep in sync with Stream's conversion logic.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionMessage, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	asm := agent.NewAssembler()
	for c := range chunks {
		if c.Err != nil {
			return nil, c.Err
		}
		asm.Feed(c)
	}
	text, calls, protoErrs := asm.Flush()
	if len(protoErrs) > 0 {
		return nil, protoErrs[0]
	}
	return &agent.CompletionMessage{Role: models.RoleAssistant, Content: text, ToolCalls: calls}, nil
}

// Stream sends req to Anthropic and returns a channel of raw deltas. The
// channel is closed once a terminal Done chunk (or Err) has been sent.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.ProviderChunk, error) {
	if p.client == nil {
		return nil, &agent.ConfigError{Key: "llm.api_key_env", Message: "anthropic: no API key configured"}
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = p.Retry(ctx, p.isRetryableError, func() error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		return nil
	})
	if err != nil {
		return nil, &agent.ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err, Fatal: !p.isRetryableError(err)}
	}

	chunks := make(chan *agent.ProviderChunk)
	go processAnthropicStream(ctx, stream, chunks)
	return chunks, nil
}

// processAnthropicStream reads SSE events off stream and forwards each
// one as its own ProviderChunk. Anthropic streams content blocks
// sequentially rather than interleaving them by index the way OpenAI
// does, but each content_block_* event still carries the block's
// position — event.Index — which this forwards directly as the chunk's
// Index, so the assembler's per-slot accounting works unchanged.
func processAnthropicStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.ProviderChunk) {
	defer close(chunks)

	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		select {
		case <-ctx.Done():
			chunks <- &agent.ProviderChunk{Err: ctx.Err()}
			return
		default:
		}

		event := stream.Current()
		handled := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart()
			if tu := block.ContentBlock.AsToolUse(); tu.Type == "tool_use" {
				chunks <- &agent.ProviderChunk{Index: int(block.Index), ID: tu.ID, Name: tu.Name}
			} else {
				handled = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					chunks <- &agent.ProviderChunk{Text: delta.Delta.Text}
				} else {
					handled = false
				}
			case "input_json_delta":
				if delta.Delta.PartialJSON != "" {
					chunks <- &agent.ProviderChunk{Index: int(delta.Index), ArgsChunk: delta.Delta.PartialJSON}
				} else {
					handled = false
				}
			default:
				handled = false
			}

		case "content_block_stop":
			// Nothing to forward: the assembler closes a slot once Flush
			// is called at end of turn, not on a per-block boundary.
			handled = false

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &agent.ProviderChunk{Done: true, Reason: "stop", InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &agent.ProviderChunk{Err: errors.New("anthropic: server-sent stream error")}
			return

		default:
			handled = false
		}

		if handled {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.ProviderChunk{Err: fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyEvents)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.ProviderChunk{Err: err}
	}
}

// convertAnthropicMessages translates the packed conversation into
// Anthropic's content-block wire format. Anthropic has no distinct tool
// role — tool results are a content block inside a user message — so
// RoleTool messages collapse into a user message of tool_result blocks.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, toolResultText(tr), tr.Status != models.StatusOK))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.CallID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func toolResultText(tr models.ToolResult) string {
	if tr.Status != models.StatusOK {
		if tr.Error != "" {
			return tr.Error
		}
		return string(tr.Status)
	}
	return string(tr.Output)
}

func convertAnthropicTools(tools []agent.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures (rate limits, 5xx,
// timeouts, connection resets) as retryable; everything else — bad
// API keys, malformed requests — is treated as permanent.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return true
	default:
		return false
	}
}
