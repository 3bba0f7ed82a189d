package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opsdiag/agentcore/pkg/models"
)

// Format selects the export encoding for Export.
type Format string

const (
	// FormatEventsJSONL is the raw event log, one JSON object per line, in
	// append order — round-tripping this through Append reproduces the
	// same logical message list.
	FormatEventsJSONL Format = "events_jsonl"

	// FormatRunbookMarkdown is a human-readable rendering of the turn,
	// meant for pasting into an incident channel or ticket.
	FormatRunbookMarkdown Format = "runbook_markdown"
)

// Export writes sessionID's full event history to w in the requested
// format.
func (s *Store) Export(ctx context.Context, sessionID string, format Format, w io.Writer) error {
	events, err := s.readEvents(ctx, sessionID, 0, 0)
	if err != nil {
		return err
	}

	switch format {
	case FormatEventsJSONL:
		return exportEventsJSONL(events, w)
	case FormatRunbookMarkdown:
		return exportRunbookMarkdown(sessionID, events, w)
	default:
		return fmt.Errorf("store: unknown export format %q", format)
	}
}

func exportEventsJSONL(events []models.Event, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("store: encode event: %w", err)
		}
	}
	return nil
}

func exportRunbookMarkdown(sessionID string, events []models.Event, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", sessionID)

	for _, e := range events {
		switch e.Kind {
		case models.EventUserPrompt:
			fmt.Fprintf(&b, "**User:** %s\n\n", e.UserPrompt.Content)
		case models.EventAssistantText:
			fmt.Fprintf(&b, "**Assistant:** %s\n\n", e.AssistantText.Content)
		case models.EventAssistantToolCall:
			for _, call := range e.AssistantToolCall.Calls {
				fmt.Fprintf(&b, "**Tool call:** `%s(%s)`\n\n", call.Name, string(call.Arguments))
			}
		case models.EventToolResult:
			r := e.ToolResult.Result
			fmt.Fprintf(&b, "**Tool result (%s):** `%s`\n\n", r.Status, string(r.Output))
		case models.EventPolicyDecision:
			d := e.PolicyDecision
			fmt.Fprintf(&b, "**Policy:** `%s` on `%s` — %s (%s)\n\n", d.Decision.Verdict, d.Tool, d.Decision.Reason, d.Risk)
		case models.EventError:
			fmt.Fprintf(&b, "**Error (%s):** %s\n\n", e.Error.Kind, e.Error.Message)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
