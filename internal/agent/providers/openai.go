package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.LLMProvider against OpenAI's chat
// completion API. Tool calls stream incrementally — id, name, and argument
// fragments can each arrive in separate chunks, tracked by index — so
// Stream forwards each fragment as its own ProviderChunk rather than
// waiting to assemble a complete call itself; assembly is the orchestrator's
// Assembler's job, not the provider's.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig holds construction parameters for an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider constructs a provider. An empty APIKey is permitted for
// delayed configuration; Stream will fail with a ConfigError when called.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		defaultModel: config.DefaultModel,
	}
	if config.APIKey == "" {
		return p
	}
	oaiConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oaiConfig.BaseURL = config.BaseURL
	}
	p.client = openai.NewClientWithConfig(oaiConfig)
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete returns the provider's one-shot answer by draining Stream and
// handing the result to an Assembler — there is no separate non-streaming
// code path to keep in sync with Stream's conversion logic.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionMessage, error) {
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

// Stream sends req to OpenAI and returns a channel of raw deltas. The
// channel is closed once a terminal Done chunk (or Err) has been sent.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.ProviderChunk, error) {
	if p.client == nil {
		return nil, &agent.ConfigError{Key: "llm.api_key_env", Message: "openai: no API key configured"}
	}

	messages, err := convertToOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err = p.Retry(ctx, p.isRetryableError, func() error {
		s, sErr := p.client.CreateChatCompletionStream(ctx, chatReq)
		if sErr != nil {
			return sErr
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, &agent.ProviderError{Provider: "openai", Message: err.Error(), Cause: err, Fatal: !p.isRetryableError(err)}
	}

	chunks := make(chan *agent.ProviderChunk)
	go processOpenAIStream(ctx, stream, chunks)
	return chunks, nil
}

// processOpenAIStream reads deltas off stream and forwards each one as its
// own ProviderChunk, keyed by OpenAI's per-call index. It never waits to
// accumulate a whole tool call — that belongs to the assembler.
func processOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.ProviderChunk) {
	defer close(chunks)
	defer stream.Close()

	var inputTokens, outputTokens int

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.ProviderChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &agent.ProviderChunk{Done: true, Reason: "stop", InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			chunks <- &agent.ProviderChunk{Err: err}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.ProviderChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunks <- &agent.ProviderChunk{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsChunk: tc.Function.Arguments,
			}
		}

		if choice.FinishReason != "" {
			chunks <- &agent.ProviderChunk{Done: true, Reason: string(choice.FinishReason), InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}
}

// convertToOpenAIMessages translates the packed conversation into OpenAI's
// wire format, injecting the system prompt as the leading message (OpenAI
// has no separate system field the way Anthropic does) and splitting each
// tool-role message's results into one "tool" message per result, as the
// API requires.
func convertToOpenAIMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser, models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResultContent(tr),
					ToolCallID: tr.CallID,
				})
			}
		}
	}

	return result, nil
}

func toolResultContent(tr models.ToolResult) string {
	if tr.Status != models.StatusOK {
		if tr.Error != "" {
			return tr.Error
		}
		return string(tr.Status)
	}
	return string(tr.Output)
}

func convertToOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	default:
		return false
	}
}
