package conversation

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/lexiqai/chat-gateway/internal/backend"
)

// PendingToolRequest collects the inputs a resolved tool still needs, one
// follow-up answer at a time.
//
// Invariant: 0 <= Cursor <= len(RequiredInputs), and the keys of
// CollectedInputs are exactly RequiredInputs[:Cursor].
type PendingToolRequest struct {
	OriginalQuery   string
	ToolName        string
	RequiredInputs  []string
	CollectedInputs map[string]string
	Cursor          int
	ServerPath      string
	ServerSources   json.RawMessage
}

// NewPendingToolRequest builds slot-filling state for a resolved intent.
// Duplicate and blank input names are dropped, keeping first occurrence order.
func NewPendingToolRequest(query string, intent *backend.Intent) *PendingToolRequest {
	seen := make(map[string]bool, len(intent.RequiredInputs))
	required := make([]string, 0, len(intent.RequiredInputs))
	for _, name := range intent.RequiredInputs {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		required = append(required, name)
	}

	return &PendingToolRequest{
		OriginalQuery:   query,
		ToolName:        intent.ToolName,
		RequiredInputs:  required,
		CollectedInputs: make(map[string]string, len(required)),
		ServerPath:      intent.ServerPath,
		ServerSources:   intent.ServerSources,
	}
}

// NextInput returns the name of the input being asked for
func (p *PendingToolRequest) NextInput() (string, bool) {
	if p.Complete() {
		return "", false
	}
	return p.RequiredInputs[p.Cursor], true
}

// Record stores answer for the current input and advances the cursor. It
// reports whether every required input has now been collected.
func (p *PendingToolRequest) Record(answer string) bool {
	if name, ok := p.NextInput(); ok {
		p.CollectedInputs[name] = answer
		p.Cursor++
	}
	return p.Complete()
}

// Complete reports whether all required inputs are collected
func (p *PendingToolRequest) Complete() bool {
	return p.Cursor >= len(p.RequiredInputs)
}

// ToolCall builds the /run request from the collected inputs
func (p *PendingToolRequest) ToolCall() backend.ToolCall {
	inputs := make(map[string]string, len(p.CollectedInputs))
	for k, v := range p.CollectedInputs {
		inputs[k] = v
	}
	return backend.ToolCall{
		UserQuery:     p.OriginalQuery,
		UserInputs:    inputs,
		ToolName:      p.ToolName,
		ServerPath:    p.ServerPath,
		ServerSources: p.ServerSources,
	}
}

// PipelineQuery is the query sent to /start. The pipeline takes free text
// only, so collected inputs are appended as "name: value" lines in the order
// they were asked.
func (p *PendingToolRequest) PipelineQuery() string {
	if len(p.CollectedInputs) == 0 {
		return p.OriginalQuery
	}

	names := p.RequiredInputs[:p.Cursor]
	if len(names) != len(p.CollectedInputs) {
		names = make([]string, 0, len(p.CollectedInputs))
		for k := range p.CollectedInputs {
			names = append(names, k)
		}
		sort.Strings(names)
	}

	var b strings.Builder
	b.WriteString(p.OriginalQuery)
	b.WriteString("\n")
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(p.CollectedInputs[name])
	}
	return b.String()
}
