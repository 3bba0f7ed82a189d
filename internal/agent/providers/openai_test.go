package providers

import (
	"encoding/json"
	"testing"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/pkg/models"
)

func TestConvertToOpenAIMessages_InjectsSystemPromptAsLeadingMessage(t *testing.T) {
	msgs, err := convertToOpenAIMessages(nil, "be concise")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "be concise" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestConvertToOpenAIMessages_SplitsToolResultsOnePerMessage(t *testing.T) {
	msgs, err := convertToOpenAIMessages([]agent.CompletionMessage{
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{CallID: "c1", Status: models.StatusOK, Output: json.RawMessage(`{"a":1}`)},
			{CallID: "c2", Status: models.StatusError, Error: "boom"},
		}},
	}, "")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ToolCallID != "c1" || msgs[0].Content != `{"a":1}` {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Content != "boom" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestConvertToOpenAIMessages_AssistantToolCallsRoundTrip(t *testing.T) {
	msgs, err := convertToOpenAIMessages([]agent.CompletionMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{CallID: "c1", Name: "resolve_target", Arguments: json.RawMessage(`{"x":1}`)},
		}},
	}, "")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("msgs = %+v", msgs)
	}
	tc := msgs[0].ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Name != "resolve_target" || tc.Function.Arguments != `{"x":1}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestConvertToOpenAITools_FallsBackOnUnparseableSchema(t *testing.T) {
	tools := convertToOpenAITools([]agent.ToolSchema{
		{Name: "broken", Description: "d", Parameters: json.RawMessage(`not json`)},
	})
	if len(tools) != 1 || tools[0].Function.Name != "broken" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestIsRetryableError_OpenAI(t *testing.T) {
	p := &OpenAIProvider{}
	cases := map[string]bool{
		"rate limit exceeded":    true,
		"429 too many requests":  true,
		"502 bad gateway":        true,
		"request timeout":        true,
		"invalid api key (401)": false,
	}
	for msg, want := range cases {
		got := p.isRetryableError(&fakeErr{msg})
		if got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }
