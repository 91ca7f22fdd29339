package normalize

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

var (
	stepNumbering = regexp.MustCompile(`^\s*\d+[.)]\s*`)
	codeFence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// Keys that mark an object as a structured tool output
var structureKeys = []string{
	"data_table", "table",
	"insight_summary", "detailed_explanation", "narrative",
	"actionable_steps", "steps",
}

// Normalize converts a raw answer or results payload into a Result.
// It never fails: anything it cannot interpret is shown as text.
func Normalize(raw []byte) *Result {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return TextResult("")
	}
	if !gjson.ValidBytes(trimmed) {
		return TextResult(string(trimmed))
	}

	value := gjson.ParseBytes(trimmed)
	switch {
	case value.Type == gjson.String:
		return TextResult(value.Str)
	case value.IsObject():
		if isToolOutput(value) {
			// A single unnamed tool output rather than a map keyed by tool
			return &Result{Kind: KindPerTool, PerTool: []ToolOutput{toolOutput("", value)}}
		}
		return perTool(value)
	case value.IsArray():
		return TextResult(prettyJSON(value.Raw))
	default:
		return TextResult(value.String())
	}
}

// perTool walks a tool name -> output map in document order
func perTool(value gjson.Result) *Result {
	result := &Result{Kind: KindPerTool}
	value.ForEach(func(key, val gjson.Result) bool {
		result.PerTool = append(result.PerTool, toolOutput(key.String(), val))
		return true
	})
	if len(result.PerTool) == 0 {
		return TextResult("")
	}
	return result
}

func toolOutput(name string, value gjson.Result) ToolOutput {
	out := ToolOutput{Tool: name}

	switch {
	case value.Type == gjson.String:
		if structured, ok := parseEmbedded(value.Str); ok {
			return fromStructured(name, structured)
		}
		out.Narrative = value.Str

	case value.IsObject():
		if raw := value.Get("raw_output"); raw.IsObject() && hasStructure(raw) {
			out = fromStructured(name, raw)
			if out.Narrative == "" {
				if text := value.Get("output_text"); text.Type == gjson.String {
					if _, embedded := parseEmbedded(text.Str); !embedded {
						out.Narrative = text.Str
					}
				}
			}
			return out
		}
		if hasStructure(value) {
			return fromStructured(name, value)
		}
		if text := value.Get("output_text"); text.Exists() {
			if text.Type == gjson.String {
				if structured, ok := parseEmbedded(text.Str); ok {
					return fromStructured(name, structured)
				}
				out.Narrative = text.Str
				return out
			}
			if text.IsObject() && hasStructure(text) {
				return fromStructured(name, text)
			}
		}
		out.Narrative = prettyJSON(value.Raw)

	case value.IsArray():
		out.Narrative = prettyJSON(value.Raw)

	default:
		out.Narrative = value.String()
	}

	return out
}

// parseEmbedded attempts to read structured output out of a text field,
// including text wrapped in a markdown code fence.
func parseEmbedded(text string) (gjson.Result, bool) {
	candidate := strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}
	if !strings.HasPrefix(candidate, "{") || !gjson.Valid(candidate) {
		return gjson.Result{}, false
	}

	parsed := gjson.Parse(candidate)
	if !hasStructure(parsed) {
		return gjson.Result{}, false
	}
	return parsed, true
}

func isToolOutput(value gjson.Result) bool {
	return value.Get("output_text").Exists() || value.Get("raw_output").IsObject() || hasStructure(value)
}

func hasStructure(value gjson.Result) bool {
	if !value.IsObject() {
		return false
	}
	for _, key := range structureKeys {
		if value.Get(key).Exists() {
			return true
		}
	}
	return false
}

func fromStructured(name string, value gjson.Result) ToolOutput {
	out := ToolOutput{Tool: name}

	if narrative := value.Get("narrative"); narrative.Type == gjson.String {
		out.Narrative = narrative.Str
	} else {
		var parts []string
		for _, key := range []string{"insight_summary", "detailed_explanation"} {
			if part := strings.TrimSpace(value.Get(key).String()); part != "" {
				parts = append(parts, part)
			}
		}
		out.Narrative = strings.Join(parts, "\n\n")
	}

	steps := value.Get("actionable_steps")
	if !steps.Exists() {
		steps = value.Get("steps")
	}
	out.Steps = parseSteps(steps)

	table := value.Get("data_table")
	if !table.Exists() {
		table = value.Get("table")
	}
	out.Table = parseTable(table)

	return out
}

func parseSteps(value gjson.Result) []string {
	var steps []string
	add := func(step string) {
		step = strings.TrimSpace(stepNumbering.ReplaceAllString(step, ""))
		if step != "" {
			steps = append(steps, step)
		}
	}

	switch {
	case value.IsArray():
		for _, item := range value.Array() {
			add(item.String())
		}
	case value.Type == gjson.String:
		for _, line := range strings.Split(value.Str, "\n") {
			add(line)
		}
	}
	return steps
}

func parseTable(value gjson.Result) *Table {
	if !value.IsArray() {
		return nil
	}

	table := &Table{}
	seen := make(map[string]bool)
	for _, row := range value.Array() {
		if !row.IsObject() {
			continue
		}
		record := make(Record)
		row.ForEach(func(key, cell gjson.Result) bool {
			column := key.String()
			if !seen[column] {
				seen[column] = true
				table.Columns = append(table.Columns, column)
			}
			record[column] = cellText(cell)
			return true
		})
		table.Rows = append(table.Rows, record)
	}

	if len(table.Rows) == 0 {
		return nil
	}
	return table
}

func cellText(cell gjson.Result) string {
	switch cell.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return cell.Str
	default:
		return cell.Raw
	}
}

func prettyJSON(raw string) string {
	return strings.TrimSpace(string(pretty.PrettyOptions([]byte(raw), &pretty.Options{Width: 80, Indent: "  "})))
}
