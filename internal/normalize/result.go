// Package normalize reconciles the backend's result shapes into one
// canonical representation that renderers can rely on.
package normalize

// Kind tags which variant of Result is populated
type Kind string

const (
	KindText    Kind = "text"
	KindPerTool Kind = "per_tool"
)

// Result is the canonical form of a tool answer or pipeline result.
// Exactly one of Text or PerTool is meaningful, selected by Kind.
type Result struct {
	Kind    Kind         `json:"kind"`
	Text    string       `json:"text,omitempty"`
	PerTool []ToolOutput `json:"per_tool,omitempty"`
}

// ToolOutput is one tool's contribution to a result
type ToolOutput struct {
	Tool      string   `json:"tool"`
	Narrative string   `json:"narrative"`
	Table     *Table   `json:"table,omitempty"`
	Steps     []string `json:"steps,omitempty"`
}

// Table is an ordered sequence of records. Columns follow the key order of
// the first record.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

// Record maps column name to its display value
type Record map[string]string

// TextResult wraps plain text
func TextResult(text string) *Result {
	return &Result{Kind: KindText, Text: text}
}

// IsStructured reports whether any tool output carries a table or steps
func (r *Result) IsStructured() bool {
	for _, out := range r.PerTool {
		if out.Table != nil || len(out.Steps) > 0 {
			return true
		}
	}
	return false
}
