package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsdiag/agentcore/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_StartSessionCreatesListableSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if id == "" {
		t.Fatal("start session returned empty id")
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != id {
		t.Fatalf("sessions = %+v, want single session %q", sessions, id)
	}
}

func TestStore_AppendAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "hi"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventAssistantText, AssistantText: &models.AssistantTextPayload{Content: "hello"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seqs = %d, %d; want 1, 2", first.Seq, second.Seq)
	}
}

func TestStore_HistoryReturnsAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: content}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if events[i].UserPrompt.Content != want {
			t.Errorf("events[%d] = %q, want %q", i, events[i].UserPrompt.Content, want)
		}
		if events[i].Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, events[i].Seq, i+1)
		}
	}
}

func TestStore_SessionsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "x"}})
	s.Append(ctx, models.Event{SessionID: "s2", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "y"}})

	e1, _ := s.History(ctx, "s1", 0)
	e2, _ := s.History(ctx, "s2", 0)
	if len(e1) != 1 || len(e2) != 1 {
		t.Fatalf("e1=%d e2=%d, want 1 each", len(e1), len(e2))
	}
	if e1[0].Seq != 1 || e2[0].Seq != 1 {
		t.Fatalf("each session's seq should start at 1 independently: e1=%d e2=%d", e1[0].Seq, e2[0].Seq)
	}
}

func TestStore_DeleteSessionRemovesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "x"}})

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, err := s.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history after delete: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events after delete, want 0", len(events))
	}
	if err := s.DeleteSession(ctx, "does-not-exist"); err != ErrSessionNotFound {
		t.Fatalf("delete unknown session: %v, want ErrSessionNotFound", err)
	}
}

func TestStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "x"}})
	s.Append(ctx, models.Event{SessionID: "s2", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "y"}})

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
}

func TestStore_IsReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, models.Event{
		SessionID: "s1",
		Kind:      models.EventToolResult,
		ToolResult: &models.ToolResultPayload{Result: models.ToolResult{
			CallID: "c1", Status: models.StatusOK, ArtifactRefs: []string{"deadbeef"},
		}},
	})

	referenced, err := s.IsReferenced(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("is referenced: %v", err)
	}
	if !referenced {
		t.Fatal("expected deadbeef to be referenced")
	}

	referenced, err = s.IsReferenced(ctx, "nosuchhash")
	if err != nil {
		t.Fatalf("is referenced: %v", err)
	}
	if referenced {
		t.Fatal("expected nosuchhash to be unreferenced")
	}
}

func TestStore_ExportEventsJSONLRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "hello"}})
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventAssistantText, AssistantText: &models.AssistantTextPayload{Content: "hi"}})

	var buf strings.Builder
	if err := s.Export(ctx, "s1", FormatEventsJSONL, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestStore_ExportRunbookMarkdownIncludesToolCallsAndResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "check localhost"}})
	s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventAssistantToolCall, AssistantToolCall: &models.AssistantToolCallPayload{
		Calls: []models.ToolCall{{CallID: "c1", Name: "resolve_target", Arguments: []byte(`{"target":"localhost"}`)}},
	}})

	var buf strings.Builder
	if err := s.Export(ctx, "s1", FormatRunbookMarkdown, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "resolve_target") || !strings.Contains(out, "check localhost") {
		t.Fatalf("runbook missing expected content: %s", out)
	}
}
