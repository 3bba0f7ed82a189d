package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/opsdiag/agentcore/pkg/models"
)

// ExecutorConfig configures tool execution timeouts and retry strategy.
// Tool calls within one turn are always dispatched sequentially — see §5 of
// the orchestrator design — so there is no concurrency knob here, unlike a
// worker-pool executor.
type ExecutorConfig struct {
	// DefaultTimeout is the default timeout for tool execution.
	DefaultTimeout time.Duration

	// DefaultRetries is the default number of retries for retryable errors.
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  0,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig holds per-tool timeout and retry overrides.
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// Executor dispatches already-allowed tool calls against the registry, one
// at a time, applying per-tool timeout and retry policy. It does not gate
// calls — that is the policy engine's job, invoked by the orchestrator
// before Execute is ever called.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex
	metrics    *ExecutorMetrics
}

// ExecutorMetrics tracks executor performance counters.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a new tool executor. If config is nil,
// DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		metrics:    &ExecutorMetrics{},
	}
}

// ConfigureTool sets per-tool timeout/retry overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolConfig[name]
}

// ExecutionResult holds the outcome of one tool execution.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *models.ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteSequence dispatches calls one after another, in order, stopping
// neither on error nor on a non-ok status — every call in the slice is
// attempted, and a later call may observe side effects the store recorded
// for an earlier one in the same turn. This mirrors step 7 of the
// orchestrator algorithm: tool calls within a turn never run in parallel.
// The one exception is cancellation: once ctx is done after a call, the
// remaining calls are not run and each gets a CancelledError result.
func (e *Executor) ExecuteSequence(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	for i, call := range calls {
		results[i] = e.Execute(ctx, call)
		if ctx.Err() != nil && i < len(calls)-1 {
			for j := i + 1; j < len(calls); j++ {
				results[j] = &ExecutionResult{
					ToolCallID: calls[j].CallID,
					ToolName:   calls[j].Name,
					Error:      &CancelledError{Stage: "dispatch"},
				}
			}
			break
		}
	}
	return results
}

// Execute runs a single tool call with retry logic and timeout handling.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCallID: call.CallID, ToolName: call.Name}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		result.Error = NewToolError(call.Name, ErrToolNotFound).WithToolCallID(call.CallID).WithType(ToolErrorNotFound)
		result.Duration = time.Since(start)
		return result
	}

	tc := e.getToolConfig(call.Name)
	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff
	if tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			maxRetries = tc.Retries
		}
		if tc.RetryBackoff > 0 {
			backoff = tc.RetryBackoff
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		execResult, execErr := e.executeWithTimeout(ctx, tool, call, timeout)
		if execErr == nil {
			result.Result = execResult
			result.Duration = time.Since(start)
			e.recordSuccess(attempt)
			return result
		}
		lastErr = execErr

		if !IsToolRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).WithType(ToolErrorTimeout).WithToolCallID(call.CallID)
		}
	}

	result.Error = lastErr
	result.Duration = time.Since(start)
	e.recordFailure(lastErr)
	return result
}

func (e *Executor) recordSuccess(attempt int) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.TotalExecutions++
	if attempt > 0 {
		e.metrics.TotalRetries += int64(attempt)
	}
}

func (e *Executor) recordFailure(err error) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if toolErr, ok := GetToolError(err); ok {
		switch toolErr.Type {
		case ToolErrorTimeout:
			e.metrics.TotalTimeouts++
		case ToolErrorPanic:
			e.metrics.TotalPanics++
		}
	}
}

// executeWithTimeout bounds one call's execution and recovers a panic into
// a ToolErrorPanic, per the spec's "tool execution errors are data, not
// exceptions" rule — a panicking tool must not take down the orchestrator.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, timeout time.Duration) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.CallID)
				resultCh <- outcome{err: err}
			}
		}()

		res, err := tool.Execute(execCtx, call.Arguments)
		if err != nil {
			resultCh <- outcome{err: NewToolError(call.Name, err).WithToolCallID(call.CallID)}
			return
		}
		resultCh <- outcome{result: res}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.CallID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.CallID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a thread-safe copy of executor metrics at a
// point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ResultsToToolResults converts execution results to the session's
// tool-result shape, synthesizing an error result for any entry whose
// execution never returned one.
func ResultsToToolResults(results []*ExecutionResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for i, r := range results {
		switch {
		case r.Error != nil:
			out[i] = models.ToolResult{CallID: r.ToolCallID, Status: models.StatusError, Error: r.Error.Error()}
		case r.Result != nil:
			res := *r.Result
			res.CallID = r.ToolCallID
			out[i] = res
		default:
			out[i] = models.ToolResult{CallID: r.ToolCallID, Status: models.StatusError, Error: "no result"}
		}
	}
	return out
}

// AnyErrors reports whether any execution result contains an error.
func AnyErrors(results []*ExecutionResult) bool {
	for _, r := range results {
		if r.Error != nil {
			return true
		}
	}
	return false
}

// AsJSON normalizes arbitrary tool input into a json.RawMessage.
func AsJSON(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage("null")
		}
		return data
	}
}
