package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for orchestrator-level conditions.
var (
	// ErrMaxTurnsExceeded indicates the orchestrator hit its turn bound
	// without reaching a terminal assistant message.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrDuplicateCallID indicates a tool call's id collides with one
	// already seen in the session.
	ErrDuplicateCallID = errors.New("duplicate call id")
)

// Kind identifies one of the eight error taxonomy members. Each concrete
// error type below reports the kind it belongs to, so callers that only
// have an error value can still recover what propagation policy applies.
type Kind string

const (
	KindConfig      Kind = "config_error"
	KindProvider    Kind = "provider_error"
	KindProtocol    Kind = "protocol_error"
	KindValidation  Kind = "validation_error"
	KindPolicyDenied Kind = "policy_denied"
	KindTool        Kind = "tool_error"
	KindStore       Kind = "store_error"
	KindCancelled   Kind = "cancelled"
)

// ConfigError reports invalid or missing configuration. Fatal at startup;
// never surfaces mid-turn.
type ConfigError struct {
	Key     string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error: %s: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
func (e *ConfigError) Kind() Kind    { return KindConfig }

// ProviderError reports a transport, authentication, or server-side
// failure from an LLM provider. Terminates the current turn; no retry is
// attempted by the orchestrator (retries, if any, belong to the adapter).
type ProviderError struct {
	Provider string
	Message  string
	Cause    error
	Fatal    bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
func (e *ProviderError) Kind() Kind    { return KindProvider }

// ProtocolError reports that the tool-call assembler rejected the stream.
// See Assembler.Flush for the three concrete reasons
// (missing_identity, malformed_arguments, duplicate_id).
type ProtocolError struct {
	Reason string // "missing_identity" | "malformed_arguments" | "duplicate_id"
	Index  int
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("protocol error: %s at index %d: %s", e.Reason, e.Index, e.Detail)
	}
	return fmt.Sprintf("protocol error: %s at index %d", e.Reason, e.Index)
}

func (e *ProtocolError) Kind() Kind { return KindProtocol }

// ValidationError reports an argument schema violation. Never reaches
// Tool.Execute; becomes tool_result(status=error) fed back to the model.
type ValidationError struct {
	Tool    string
	CallID  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// PolicyDeniedError reports an explicit deny verdict or an operator refusal
// (including confirmation timeout, which is treated as deny). Becomes
// tool_result(status=denied).
type PolicyDeniedError struct {
	Tool   string
	CallID string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("denied %s: %s", e.Tool, e.Reason)
}

func (e *PolicyDeniedError) Kind() Kind { return KindPolicyDenied }

// StoreError reports an append or read failure against the session store.
// Fatal to the turn and surfaced to the caller.
type StoreError struct {
	Op      string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }
func (e *StoreError) Kind() Kind    { return KindStore }

// CancelledError reports cooperative cancellation of an in-flight turn.
// The log is left in a consistent state: the last appended event is either
// a complete tool_result or this error itself.
type CancelledError struct {
	Stage string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled during %s", e.Stage)
}

func (e *CancelledError) Kind() Kind { return KindCancelled }

// ToolErrorType categorizes a tool execution failure for retry logic.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable reports whether retrying the tool call might succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a structured failure from Tool.Execute. It becomes
// tool_result(status=error); the model may retry or adapt its approach.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }
func (e *ToolError) Kind() Kind    { return KindTool }

// NewToolError builds a ToolError, classifying the cause's type from
// sentinel matches and, failing that, its message text.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorUnknown, Attempts: 1}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"), strings.Contains(errStr, "context deadline"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"), strings.Contains(errStr, "dns"),
		strings.Contains(errStr, "refused"), strings.Contains(errStr, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "rate_limit"), strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ToolErrorRateLimit
	case strings.Contains(errStr, "permission"), strings.Contains(errStr, "forbidden"), strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "access denied"):
		return ToolErrorPermission
	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "validation"), strings.Contains(errStr, "required"),
		strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

// IsToolError reports whether err is or wraps a *ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a *ToolError from err's chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable reports whether a tool error should be retried.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// IsRetryableProviderError classifies transport-level errors the way
// provider adapters do: rate limits, 5xx, timeouts, and connection resets
// are retryable; auth, validation, and not-found are fatal.
func IsRetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return !provErr.Fatal
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "429"),
		strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "connection reset"), strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "502"), strings.Contains(errStr, "503"), strings.Contains(errStr, "504"):
		return true
	case strings.Contains(errStr, "401"), strings.Contains(errStr, "403"), strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"), strings.Contains(errStr, "404"):
		return false
	default:
		return false
	}
}
