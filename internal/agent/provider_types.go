package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opsdiag/agentcore/pkg/models"
)

// LLMProvider is the capability a streaming chat-completion backend exposes
// to the orchestrator. Implementations own their own retry policy for
// transport-level failures; the orchestrator treats any error returned from
// Stream as terminal for the current turn.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Stream simultaneously for different sessions.
//
// See Also:
//   - providers.AnthropicProvider for Anthropic Claude implementation
//   - providers.OpenAIProvider for OpenAI GPT implementation
type LLMProvider interface {
	// Stream opens a streaming completion call and returns a channel of raw,
	// per-index provider deltas. The provider does not assemble tool calls
	// itself — that is the assembler's job, downstream of this interface.
	// The channel is closed when the stream ends, whether by a done chunk or
	// by a transport error; a non-nil error on the final chunk indicates the
	// latter.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *ProviderChunk, error)

	// Complete is a non-streaming convenience wrapper for callers that
	// prefer one assembled message over draining a channel.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionMessage, error)

	// Name returns the provider adapter identifier, as configured under
	// llm.name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "You are a helpful operations assistant.",
//	    Messages: []CompletionMessage{{Role: models.RoleUser, Content: "resolve localhost"}},
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt, handled out-of-band from Messages by
	// most provider wire formats.
	System string `json:"system,omitempty"`

	// Messages contains the packed conversation history in chronological
	// order, as produced by the context packer.
	Messages []CompletionMessage `json:"messages"`

	// Tools describes the tools available for this turn. Empty means
	// tool_choice=none regardless of ToolChoice below.
	Tools []ToolSchema `json:"tools,omitempty"`

	// ToolChoice is "auto" when tools are registered, matching step 3 of
	// the orchestrator algorithm.
	ToolChoice string `json:"tool_choice,omitempty"`

	// MaxTokens limits the maximum length of the generated response. If 0
	// or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Timeout is carried on the request but is not read by the orchestrator
	// or by the provider adapters in this module; a streaming call is
	// bounded only by the ctx passed to Stream.
	Timeout time.Duration `json:"-"`
}

// CompletionMessage is the provider-wire projection of models.Message.
type CompletionMessage struct {
	Role        models.Role        `json:"role"`
	Content     string             `json:"content,omitempty"`
	ToolCalls   []models.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolSchema is the provider-wire projection of a registered Tool: just
// enough to advertise the tool to the model, without the execution
// capability.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ProviderChunk is a single raw delta from a provider's stream, exactly the
// three variants a chat-completion endpoint can emit. The assembler, not
// the provider, is responsible for turning a sequence of these into
// complete ToolCalls.
//
// Exactly one of Text, the tool-call-delta fields, or Done is meaningful
// per chunk; Err is set only on the terminal chunk of a failed stream.
type ProviderChunk struct {
	// Text carries a content_delta: incremental assistant text.
	Text string `json:"text,omitempty"`

	// Index identifies which tool-call slot a tool_call_delta belongs to.
	// Only meaningful when one of ID, Name, or ArgsChunk is set.
	Index int `json:"index,omitempty"`

	// ID is the tool call's identifier, present on the delta that first
	// opens a slot (providers differ on whether it repeats on later
	// deltas for the same index; the assembler tolerates both).
	ID string `json:"id,omitempty"`

	// Name is the tool name, present on the delta that first opens a
	// slot.
	Name string `json:"name,omitempty"`

	// ArgsChunk is a fragment of the arguments JSON string, appended in
	// order to the slot's buffer.
	ArgsChunk string `json:"args_chunk,omitempty"`

	// Done marks stream end. Reason is provider-specific ("stop",
	// "tool_use", "length", ...) and carried for logging only.
	Done   bool   `json:"done,omitempty"`
	Reason string `json:"reason,omitempty"`

	// InputTokens/OutputTokens are populated on the Done chunk when the
	// provider reports usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Err terminates the stream with a transport/protocol failure. The
	// channel is closed immediately after a chunk carrying Err.
	Err error `json:"-"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the capability a registered tool exposes to the registry and,
// through it, the orchestrator. Implementing one:
//
//	type ResolveTarget struct{}
//
//	func (r *ResolveTarget) Name() string        { return "resolve_target" }
//	func (r *ResolveTarget) Risk() models.RiskLevel { return models.RiskReadOnly }
//	func (r *ResolveTarget) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
//	    ...
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling. Must be a
	// valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the
	// tool does, shown to the model.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	// additionalProperties=false is enforced by the registry regardless
	// of whether the schema states it.
	Schema() json.RawMessage

	// Risk returns the tool's static risk classification, consulted by
	// the policy engine on every call.
	Risk() models.RiskLevel

	// PrivacyScope returns how much of this tool's calls survive audit
	// redaction.
	PrivacyScope() models.PrivacyScope

	// SecretFields lists argument keys whose values are always redacted
	// in audit records and policy_decision events, regardless of
	// pattern matches.
	SecretFields() []string

	// Execute runs the tool with the given JSON arguments, already
	// validated against Schema(). ctx carries the turn's cancellation
	// signal.
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}
