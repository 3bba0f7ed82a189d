// Package agent implements the turn-based orchestration loop that drives a
// conversation between a user, a streaming LLM provider, and a set of
// policy-gated tools.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────┐
//	│            Orchestrator                  │  turn loop, state machine
//	├──────────────┬──────────────┬───────────┤
//	│ ToolRegistry  │  Assembler   │  Executor │  dispatch, decode, run
//	├──────────────┴──────────────┴───────────┤
//	│               policy.Gate                │  authorize, redact, audit
//	├───────────────────────────────────────────┤
//	│               LLMProvider                │  provider abstraction
//	└─────────────────────────────────────────┘
//
// Every user turn runs the loop in Run: pack context, stream a completion,
// assemble any tool calls, gate and dispatch them, persist the resulting
// events, and repeat until the model stops requesting tools or max_turns
// is reached.
package agent

import (
	"context"
	"fmt"

	"github.com/opsdiag/agentcore/internal/policy"
	"github.com/opsdiag/agentcore/pkg/models"
)

// State is the orchestrator's turn-level state machine.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingModel      State = "awaiting_model"
	StateStreamingAssistant State = "streaming_assistant"
	StateDispatchingTools   State = "dispatching_tools"
	StateDone               State = "done"
)

// Store is the append-only event log the orchestrator reads history from
// and writes new turns to. Seq is assigned by the store, never the caller.
type Store interface {
	Append(ctx context.Context, event models.Event) (models.Event, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
}

// ChunkKind tags the variant carried by a StreamChunk.
type ChunkKind string

const (
	ChunkTextDelta         ChunkKind = "text_delta"
	ChunkToolCallStarted   ChunkKind = "tool_call_started"
	ChunkToolCallArgsDelta ChunkKind = "tool_call_arguments_delta"
	ChunkToolCallCompleted ChunkKind = "tool_call_completed"
	ChunkToolResult        ChunkKind = "tool_result"
	ChunkPolicyDecision    ChunkKind = "policy_decision"
	ChunkTurnComplete      ChunkKind = "turn_complete"
	ChunkError             ChunkKind = "error"
)

// StreamChunk is one unit of the orchestrator's public output stream. Only
// the fields relevant to Kind are populated.
type StreamChunk struct {
	Kind ChunkKind

	Text string // ChunkTextDelta

	CallID    string            // ChunkToolCall*
	ToolName  string            // ChunkToolCallStarted
	ArgsDelta string            // ChunkToolCallArgsDelta
	ToolCall  *models.ToolCall  // ChunkToolCallCompleted

	ToolResult *models.ToolResult // ChunkToolResult

	PolicyDecision *models.PolicyDecision // ChunkPolicyDecision
	Risk           models.RiskLevel       // ChunkPolicyDecision

	Turn int // ChunkTurnComplete

	Err error // ChunkError
}

// OrchestratorConfig bounds one session's execution.
type OrchestratorConfig struct {
	MaxTurns     int
	PackOpts     PackOptions
	SystemPrompt string
	Model        string

	// Metrics receives turn/tool-call/denial counters if non-nil. A nil
	// Metrics (the zero value of OrchestratorConfig) disables
	// instrumentation entirely rather than panicking.
	Metrics *Metrics
}

// DefaultOrchestratorConfig mirrors session.max_turns' documented default.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxTurns: 25,
		PackOpts: DefaultPackOptions(),
	}
}

// Orchestrator drives the turn loop for a single provider against a single
// tool registry and policy gate, shared across sessions. Per-session state
// lives entirely in the Store; the orchestrator itself holds none.
type Orchestrator struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	gate     *policy.Gate
	store    Store
	config   OrchestratorConfig
}

// NewOrchestrator wires the four subsystems together. gate may be nil, in
// which case every tool call is allowed unconditionally — useful for tests
// and for embedding contexts with their own authorization layer upstream.
func NewOrchestrator(provider LLMProvider, registry *ToolRegistry, gate *policy.Gate, store Store, config OrchestratorConfig) *Orchestrator {
	if config.MaxTurns <= 0 {
		config = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, DefaultExecutorConfig()),
		gate:     gate,
		store:    store,
		config:   config,
	}
}

// Run persists the user's prompt and executes the turn loop until the
// model produces a terminal assistant reply, max_turns is exhausted, or
// ctx is cancelled. The returned channel is closed when the run ends;
// every error is also delivered as a final ChunkError before closing.
func (o *Orchestrator) Run(ctx context.Context, sessionID, prompt string) <-chan *StreamChunk {
	out := make(chan *StreamChunk, 64)
	go func() {
		defer close(out)
		if err := o.run(ctx, sessionID, prompt, out); err != nil {
			out <- &StreamChunk{Kind: ChunkError, Err: err}
		}
	}()
	return out
}

// SwitchProvider replaces the orchestrator's provider and records the
// change as a session_meta event — the conservative choice from spec's
// open question on /switch semantics, keeping the event log append-only
// rather than starting a new session or rewriting history.
func (o *Orchestrator) SwitchProvider(ctx context.Context, sessionID string, provider LLMProvider) error {
	previous := o.provider.Name()
	o.provider = provider
	_, err := o.store.Append(ctx, models.Event{
		SessionID: sessionID,
		Kind:      models.EventSessionMeta,
		SessionMeta: &models.SessionMetaPayload{
			Key:   "provider_switch",
			Value: fmt.Sprintf("%s -> %s", previous, provider.Name()),
		},
	})
	if err != nil {
		return &StoreError{Op: "append_session_meta", Message: err.Error(), Cause: err}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sessionID, prompt string, out chan<- *StreamChunk) error {
	if _, err := o.store.Append(ctx, models.Event{
		SessionID: sessionID,
		Kind:      models.EventUserPrompt,
		UserPrompt: &models.UserPromptPayload{Content: prompt},
	}); err != nil {
		return &StoreError{Op: "append_user_prompt", Message: err.Error(), Cause: err}
	}

	state := StateAwaitingModel
	turn := 0

	for state != StateDone {
		select {
		case <-ctx.Done():
			return &CancelledError{Stage: string(state)}
		default:
		}

		if turn >= o.config.MaxTurns {
			return ErrMaxTurnsExceeded
		}
		turn++

		events, err := o.store.History(ctx, sessionID, 0)
		if err != nil {
			return &StoreError{Op: "history", Message: err.Error(), Cause: err}
		}
		history := eventsToMessages(events)
		seenCallIDs := seenCallIDSet(events)

		packer := NewPacker(o.config.PackOpts)
		packed := packer.Pack(history, nil)

		req := &CompletionRequest{
			Model:    o.config.Model,
			System:   o.config.SystemPrompt,
			Messages: toCompletionMessages(packed),
			Tools:    o.registry.Schemas(),
		}
		if len(req.Tools) > 0 {
			req.ToolChoice = "auto"
		}

		state = StateStreamingAssistant
		chunks, err := o.provider.Stream(ctx, req)
		if err != nil {
			return &ProviderError{Provider: o.provider.Name(), Message: err.Error(), Cause: err, Fatal: true}
		}

		asm := NewAssembler()
		for chunk := range chunks {
			if chunk.Err != nil {
				return &ProviderError{Provider: o.provider.Name(), Message: chunk.Err.Error(), Cause: chunk.Err}
			}
			asm.Feed(chunk)
			emitStreamingChunk(out, chunk)
		}

		text, calls, protoErrs := asm.Flush()
		if len(protoErrs) > 0 {
			// A malformed stream is fatal to the turn: surface every
			// broken slot, but never dispatch a partially-assembled call.
			for _, perr := range protoErrs {
				out <- &StreamChunk{Kind: ChunkError, Err: perr}
			}
			return protoErrs[0]
		}

		calls = dedupeAgainstSession(calls, seenCallIDs, out)

		if len(calls) == 0 {
			if _, err := o.store.Append(ctx, models.Event{
				SessionID:     sessionID,
				Kind:          models.EventAssistantText,
				AssistantText: &models.AssistantTextPayload{Content: text},
			}); err != nil {
				return &StoreError{Op: "append_assistant_text", Message: err.Error(), Cause: err}
			}
			out <- &StreamChunk{Kind: ChunkTurnComplete, Turn: turn}
			o.config.Metrics.recordTurn()
			state = StateDone
			continue
		}

		if _, err := o.store.Append(ctx, models.Event{
			SessionID:         sessionID,
			Kind:              models.EventAssistantToolCall,
			AssistantToolCall: &models.AssistantToolCallPayload{Calls: calls},
		}); err != nil {
			return &StoreError{Op: "append_assistant_tool_call", Message: err.Error(), Cause: err}
		}

		state = StateDispatchingTools
		if err := o.dispatch(ctx, sessionID, calls, out); err != nil {
			return err
		}

		state = StateAwaitingModel
	}
	return nil
}

// dispatch gates and runs each tool call strictly sequentially, in the
// order the model requested them, persisting one tool_result event per
// call as it completes.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, calls []models.ToolCall, out chan<- *StreamChunk) error {
	for i, call := range calls {
		tool, found := o.registry.Get(call.Name)

		var risk models.RiskLevel
		var secretFields []string
		var privacy models.PrivacyScope
		if found {
			risk = tool.Risk()
			secretFields = tool.SecretFields()
			privacy = tool.PrivacyScope()
		} else {
			risk = models.RiskShell // unknown tool: treat as maximally risky
		}
		o.config.Metrics.recordToolCall(risk.String())

		// Step 7b runs before the policy engine ever sees the call: a
		// schema-invalid call never reaches a tool, and per §8's
		// universal invariant it never reaches the policy engine either.
		if found {
			if err := o.registry.Validate(call.Name, call.Arguments); err != nil {
				result := models.ToolResult{CallID: call.CallID, Status: models.StatusError, Error: "invalid_arguments"}
				out <- &StreamChunk{Kind: ChunkToolResult, CallID: call.CallID, ToolResult: &result}
				if _, err := o.store.Append(ctx, models.Event{
					SessionID:  sessionID,
					Kind:       models.EventToolResult,
					ToolResult: &models.ToolResultPayload{Result: result},
				}); err != nil {
					o.abortRemaining(sessionID, calls[i+1:], out)
					return &StoreError{Op: "append_tool_result", Message: err.Error(), Cause: err}
				}
				if ctx.Err() != nil {
					o.abortRemaining(sessionID, calls[i+1:], out)
					return &CancelledError{Stage: "dispatch"}
				}
				continue
			}
		}

		decision := o.decide(sessionID, call, risk, secretFields, privacy)
		out <- &StreamChunk{Kind: ChunkPolicyDecision, CallID: call.CallID, PolicyDecision: &decision, Risk: risk}
		if decision.Verdict != models.VerdictAllow {
			o.config.Metrics.recordDenial()
		}

		if _, err := o.store.Append(ctx, models.Event{
			SessionID: sessionID,
			Kind:      models.EventPolicyDecision,
			PolicyDecision: &models.PolicyDecisionPayload{
				CallID: call.CallID, Tool: call.Name, Risk: risk, Decision: decision,
			},
		}); err != nil {
			o.abortRemaining(sessionID, calls[i:], out)
			return &StoreError{Op: "append_policy_decision", Message: err.Error(), Cause: err}
		}

		var result models.ToolResult
		switch {
		case !found:
			result = models.ToolResult{CallID: call.CallID, Status: models.StatusError, Error: ErrToolNotFound.Error()}
		case decision.Verdict != models.VerdictAllow:
			result = models.ToolResult{CallID: call.CallID, Status: models.StatusDenied, Error: decision.Reason}
		default:
			execRes := o.executor.Execute(ctx, call)
			result = toToolResult(execRes)
			if o.gate != nil {
				o.gate.AuditResult(policy.Request{
					SessionID: sessionID,
					CallID:    call.CallID,
					ToolName:  call.Name,
					Risk:      risk,
					Privacy:   privacy,
				}, string(result.Output))
			}
		}

		out <- &StreamChunk{Kind: ChunkToolResult, CallID: call.CallID, ToolResult: &result}

		if _, err := o.store.Append(ctx, models.Event{
			SessionID:  sessionID,
			Kind:       models.EventToolResult,
			ToolResult: &models.ToolResultPayload{Result: result},
		}); err != nil {
			o.abortRemaining(sessionID, calls[i+1:], out)
			return &StoreError{Op: "append_tool_result", Message: err.Error(), Cause: err}
		}

		if ctx.Err() != nil {
			o.abortRemaining(sessionID, calls[i+1:], out)
			return &CancelledError{Stage: "dispatch"}
		}
	}
	return nil
}

// abortRemaining persists a synthetic error tool_result (error "aborted") for
// every call that never got a chance to run, so the log never holds an
// assistant_tool_call with a missing tool_result — per §7, the one
// atomicity guarantee the log makes across an early termination. It uses
// a background context deliberately: the very reason we're aborting is
// often that ctx is already done, and these writes must still land.
func (o *Orchestrator) abortRemaining(sessionID string, calls []models.ToolCall, out chan<- *StreamChunk) {
	for _, call := range calls {
		result := models.ToolResult{CallID: call.CallID, Status: models.StatusError, Error: "aborted"}
		out <- &StreamChunk{Kind: ChunkToolResult, CallID: call.CallID, ToolResult: &result}
		o.store.Append(context.Background(), models.Event{
			SessionID:  sessionID,
			Kind:       models.EventToolResult,
			ToolResult: &models.ToolResultPayload{Result: result},
		})
	}
}

func (o *Orchestrator) decide(sessionID string, call models.ToolCall, risk models.RiskLevel, secretFields []string, privacy models.PrivacyScope) models.PolicyDecision {
	if o.gate == nil {
		return models.PolicyDecision{Verdict: models.VerdictAllow, Reason: "no_gate_configured"}
	}
	return o.gate.Decide(policy.Request{
		SessionID:    sessionID,
		CallID:       call.CallID,
		ToolName:     call.Name,
		Risk:         risk,
		Privacy:      privacy,
		SecretFields: secretFields,
		Arguments:    call.Arguments,
	})
}

func toToolResult(r *ExecutionResult) models.ToolResult {
	if r.Error != nil {
		return models.ToolResult{CallID: r.ToolCallID, Status: models.StatusError, Error: r.Error.Error()}
	}
	if r.Result != nil {
		return *r.Result
	}
	return models.ToolResult{CallID: r.ToolCallID, Status: models.StatusError, Error: "tool produced no result"}
}

func emitStreamingChunk(out chan<- *StreamChunk, chunk *ProviderChunk) {
	switch {
	case chunk.Text != "":
		out <- &StreamChunk{Kind: ChunkTextDelta, Text: chunk.Text}
	case chunk.Name != "" && chunk.ArgsChunk == "":
		out <- &StreamChunk{Kind: ChunkToolCallStarted, CallID: chunk.ID, ToolName: chunk.Name}
	case chunk.ArgsChunk != "":
		out <- &StreamChunk{Kind: ChunkToolCallArgsDelta, CallID: chunk.ID, ArgsDelta: chunk.ArgsChunk}
	}
}

// dedupeAgainstSession drops any assembled call whose CallID has already
// appeared earlier in this session, surfacing a ChunkError for each one.
// The assembler only catches duplicates within a single turn's deltas;
// this catches reuse across turns.
func dedupeAgainstSession(calls []models.ToolCall, seen map[string]bool, out chan<- *StreamChunk) []models.ToolCall {
	kept := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		if seen[c.CallID] {
			out <- &StreamChunk{Kind: ChunkError, Err: fmt.Errorf("%w: %s", ErrDuplicateCallID, c.CallID)}
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func seenCallIDSet(events []models.Event) map[string]bool {
	seen := make(map[string]bool)
	for _, e := range events {
		if e.Kind == models.EventAssistantToolCall && e.AssistantToolCall != nil {
			for _, c := range e.AssistantToolCall.Calls {
				seen[c.CallID] = true
			}
		}
	}
	return seen
}

// toCompletionMessages projects packed messages into the provider-wire
// CompletionMessage shape.
func toCompletionMessages(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = CompletionMessage{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		}
	}
	return out
}

// eventsToMessages reconstructs the provider-facing message sequence from
// a session's event log. Only the four event kinds that correspond to a
// conversational turn (prompt, assistant text, assistant tool call, tool
// result) contribute a message; policy_decision, error, and session_meta
// events are audit-only and never sent to a provider.
func eventsToMessages(events []models.Event) []models.Message {
	messages := make([]models.Message, 0, len(events))
	for _, e := range events {
		switch e.Kind {
		case models.EventUserPrompt:
			messages = append(messages, models.Message{Role: models.RoleUser, Content: e.UserPrompt.Content})
		case models.EventAssistantText:
			messages = append(messages, models.Message{Role: models.RoleAssistant, Content: e.AssistantText.Content})
		case models.EventAssistantToolCall:
			messages = append(messages, models.Message{Role: models.RoleAssistant, ToolCalls: e.AssistantToolCall.Calls})
		case models.EventToolResult:
			messages = append(messages, models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{e.ToolResult.Result}})
		}
	}
	return messages
}
