package agent

import (
	"github.com/opsdiag/agentcore/pkg/models"
)

// PackOptions configures how history is fitted into a provider's context
// window. Budgets are approximate: token counts are estimated from
// character length rather than a real tokenizer, matching the cheap-proxy
// approach the rest of the pack budget uses.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include.
	MaxMessages int

	// MaxChars is the character budget (4 chars/token is the usual proxy).
	MaxChars int

	// MaxToolResultChars truncates any single tool result's Output beyond
	// this length before it's sent to the provider.
	MaxToolResultChars int
}

// DefaultPackOptions matches session.token_budget's default of ~8000
// tokens at 4 chars/token, with a message-count ceiling well above what
// max_turns would ever produce in one session.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        200,
		MaxChars:           32000,
		MaxToolResultChars: 6000,
	}
}

// Packer selects a suffix of session history that fits within budget
// while preserving the invariant that every tool-role message stays
// adjacent to the assistant message whose tool_calls it answers — an
// orphaned tool result is something no provider's API accepts.
type Packer struct {
	opts PackOptions
}

// NewPacker constructs a packer, filling in defaults for any zero field.
func NewPacker(opts PackOptions) *Packer {
	d := DefaultPackOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = d.MaxMessages
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = d.MaxChars
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = d.MaxToolResultChars
	}
	return &Packer{opts: opts}
}

// unit is one or more consecutive messages that must be selected or
// dropped together: an assistant tool-call message plus the tool-role
// messages answering it.
type unit struct {
	messages []models.Message
	chars    int
}

// Pack returns the largest chronological suffix of history (plus the
// incoming message) that fits the configured budget. The system prompt
// is not part of history and is never subject to this budget — it is
// sent as CompletionRequest.System on every turn regardless of size.
func (p *Packer) Pack(history []models.Message, incoming *models.Message) []models.Message {
	units := groupIntoUnits(history)

	reserved := 0
	if incoming != nil {
		reserved += messageChars(*incoming)
	}

	selected := make([]unit, 0, len(units))
	totalChars := reserved
	totalMsgs := 0
	if incoming != nil {
		totalMsgs++
	}

	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if totalMsgs+len(u.messages) > p.opts.MaxMessages {
			break
		}
		if totalChars+u.chars > p.opts.MaxChars {
			break
		}
		selected = append(selected, u)
		totalChars += u.chars
		totalMsgs += len(u.messages)
	}

	// selected was built newest-unit-first; reverse to chronological order.
	var result []models.Message
	for i := len(selected) - 1; i >= 0; i-- {
		for _, m := range selected[i].messages {
			result = append(result, p.truncateToolResults(m))
		}
	}
	if incoming != nil {
		result = append(result, *incoming)
	}
	return result
}

// groupIntoUnits partitions history so that an assistant message with
// tool calls and the run of tool-role messages immediately following it
// form a single indivisible unit.
func groupIntoUnits(history []models.Message) []unit {
	var units []unit
	i := 0
	for i < len(history) {
		m := history[i]
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			group := []models.Message{m}
			j := i + 1
			for j < len(history) && history[j].Role == models.RoleTool {
				group = append(group, history[j])
				j++
			}
			units = append(units, newUnit(group))
			i = j
			continue
		}
		units = append(units, newUnit([]models.Message{m}))
		i++
	}
	return units
}

func newUnit(messages []models.Message) unit {
	u := unit{messages: messages}
	for _, m := range messages {
		u.chars += messageChars(m)
	}
	return u
}

func messageChars(m models.Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Output) + len(tr.Error)
	}
	return chars
}

// truncateToolResults returns m with any oversized ToolResult.Output cut
// down to MaxToolResultChars, leaving everything else untouched.
func (p *Packer) truncateToolResults(m models.Message) models.Message {
	if len(m.ToolResults) == 0 {
		return m
	}
	needsTruncation := false
	for _, tr := range m.ToolResults {
		if len(tr.Output) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	out := m
	out.ToolResults = make([]models.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Output) > p.opts.MaxToolResultChars {
			truncated := make([]byte, p.opts.MaxToolResultChars, p.opts.MaxToolResultChars+len(truncatedSuffix))
			copy(truncated, tr.Output[:p.opts.MaxToolResultChars])
			tr.Output = append(truncated, truncatedSuffix...)
		}
		out.ToolResults[i] = tr
	}
	return out
}

var truncatedSuffix = []byte("...[truncated]")
