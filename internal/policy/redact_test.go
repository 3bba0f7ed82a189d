package policy

import (
	"encoding/json"
	"regexp"
	"testing"
)

func TestRedactor_SecretFieldsMaskedFully(t *testing.T) {
	r := NewRedactor(nil)
	out := r.Redact(json.RawMessage(`{"token":"abc123","note":"hello"}`), []string{"token"})

	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["token"] != redactedPlaceholder {
		t.Errorf("token = %v", decoded["token"])
	}
	if decoded["note"] != "hello" {
		t.Errorf("note = %v", decoded["note"])
	}
}

func TestRedactor_PatternAppliesToNonSecretStrings(t *testing.T) {
	r := NewRedactor([]*regexp.Regexp{regexp.MustCompile(`sk-[A-Za-z0-9]+`)})
	out := r.Redact(json.RawMessage(`{"message":"key is sk-abc123 please rotate"}`), nil)

	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := decoded["message"].(string)
	if msg != "key is "+redactedPlaceholder+" please rotate" {
		t.Errorf("message = %q", msg)
	}
}

func TestRedactor_SecretFieldTakesPrecedenceOverPattern(t *testing.T) {
	// A field listed as secret is masked wholesale even if it would also
	// match (or fail to match) a redaction pattern.
	r := NewRedactor([]*regexp.Regexp{regexp.MustCompile(`never-matches-this-token`)})
	out := r.Redact(json.RawMessage(`{"api_key":"totally-different-shape"}`), []string{"api_key"})

	var decoded map[string]interface{}
	json.Unmarshal(out, &decoded)
	if decoded["api_key"] != redactedPlaceholder {
		t.Errorf("api_key = %v, want fully redacted via secret field", decoded["api_key"])
	}
}

func TestRedactor_RecursesIntoNestedObjectsAndArrays(t *testing.T) {
	r := NewRedactor(nil)
	out := r.Redact(json.RawMessage(`{"headers":{"authorization":"bearer-x"},"items":[{"password":"p1"}]}`),
		[]string{"authorization", "password"})

	var decoded map[string]interface{}
	json.Unmarshal(out, &decoded)
	headers := decoded["headers"].(map[string]interface{})
	if headers["authorization"] != redactedPlaceholder {
		t.Errorf("authorization = %v", headers["authorization"])
	}
	items := decoded["items"].([]interface{})
	item0 := items[0].(map[string]interface{})
	if item0["password"] != redactedPlaceholder {
		t.Errorf("password = %v", item0["password"])
	}
}

func TestRedactor_UnparseableArgsRedactedWholesale(t *testing.T) {
	r := NewRedactor(nil)
	out := r.Redact(json.RawMessage(`not json`), nil)
	if string(out) != `"`+redactedPlaceholder+`"` {
		t.Errorf("out = %s", out)
	}
}

func TestRedactor_EmptyArgsPassThrough(t *testing.T) {
	r := NewRedactor(nil)
	out := r.Redact(nil, []string{"x"})
	if out != nil {
		t.Errorf("out = %v, want nil passthrough", out)
	}
}
