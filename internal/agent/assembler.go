package agent

import (
	"encoding/json"
	"strings"

	"github.com/opsdiag/agentcore/pkg/models"
)

// toolCallSlot is the per-index accumulator the assembler builds up as
// tool_call_delta chunks arrive. Providers are not required to repeat id
// and name on every delta for a slot — only the first delta that opens it
// typically carries them — so the assembler keeps whatever was last seen.
type toolCallSlot struct {
	index   int
	id      string
	name    string
	argsBuf strings.Builder
}

// Assembler reconstructs complete, well-typed tool invocations from a
// sequence of partial ProviderChunk deltas. It never attempts a best-effort
// repair of a malformed stream: a broken accumulator produces a
// ProtocolError, not a partially-guessed ToolCall. Feed/Flush is a
// two-method contract — Feed for each chunk as it arrives, Flush once when
// the provider's stream ends (whether via an explicit done chunk or the
// channel simply closing).
type Assembler struct {
	text     strings.Builder
	slots    map[int]*toolCallSlot
	order    []int
	sawEvent bool
}

// NewAssembler returns an assembler ready to consume one provider stream.
// Assemblers are not reusable across turns — construct a fresh one per
// orchestrator turn.
func NewAssembler() *Assembler {
	return &Assembler{slots: make(map[int]*toolCallSlot)}
}

// Feed consumes one raw provider delta. Content deltas are appended to the
// running text; tool-call deltas are routed to their index's slot,
// creating it on first sight. Feed never returns an error itself — a
// malformed accumulator is only detected at Flush, since a delta arriving
// out of order or split across chunks is not distinguishable from a
// legitimately incomplete one until the stream ends.
func (a *Assembler) Feed(chunk *ProviderChunk) {
	if chunk == nil {
		return
	}
	a.sawEvent = true

	if chunk.Text != "" {
		a.text.WriteString(chunk.Text)
	}

	if chunk.ID == "" && chunk.Name == "" && chunk.ArgsChunk == "" {
		return
	}

	slot, ok := a.slots[chunk.Index]
	if !ok {
		slot = &toolCallSlot{index: chunk.Index}
		a.slots[chunk.Index] = slot
		a.order = append(a.order, chunk.Index)
	}
	if chunk.ID != "" {
		slot.id = chunk.ID
	}
	if chunk.Name != "" {
		slot.name = chunk.Name
	}
	if chunk.ArgsChunk != "" {
		slot.argsBuf.WriteString(chunk.ArgsChunk)
	}
}

// Flush finalizes the stream: text becomes the assistant's terminal
// content (empty if the turn produced only tool calls), and each
// accumulated slot is validated per the assembler's contract. Errors are
// collected per index rather than aborting on the first bad slot, so a
// caller can report every malformed call in one shot — but per §4.2 the
// orchestrator treats any non-empty error slice as fatal to the turn: no
// tool calls are surfaced when even one slot fails.
func (a *Assembler) Flush() (text string, calls []models.ToolCall, errs []*ProtocolError) {
	text = a.text.String()

	seenIDs := make(map[string]bool, len(a.order))
	for _, idx := range a.order {
		slot := a.slots[idx]

		if slot.id == "" || slot.name == "" {
			errs = append(errs, &ProtocolError{Reason: "missing_identity", Index: idx})
			continue
		}
		if seenIDs[slot.id] {
			errs = append(errs, &ProtocolError{Reason: "duplicate_id", Index: idx, Detail: slot.id})
			continue
		}

		raw := slot.argsBuf.String()
		if raw == "" {
			raw = "{}"
		}
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			errs = append(errs, &ProtocolError{Reason: "malformed_arguments", Index: idx, Detail: err.Error()})
			continue
		}

		seenIDs[slot.id] = true
		calls = append(calls, models.ToolCall{
			CallID:    slot.id,
			Name:      slot.name,
			Arguments: json.RawMessage(raw),
		})
	}

	return text, calls, errs
}
