// Package render turns canonical results into markdown for display.
package render

import (
	"strings"

	"github.com/lexiqai/chat-gateway/internal/normalize"
)

// Markdown renders a result as GitHub flavoured markdown
func Markdown(result *normalize.Result) string {
	if result == nil {
		return ""
	}
	if result.Kind == normalize.KindText {
		return result.Text
	}

	sections := make([]string, 0, len(result.PerTool))
	for _, out := range result.PerTool {
		sections = append(sections, toolSection(out))
	}
	return strings.Join(sections, "\n\n")
}

func toolSection(out normalize.ToolOutput) string {
	var b strings.Builder

	if out.Tool != "" {
		b.WriteString("### Tool used for the query: ")
		b.WriteString(out.Tool)
		b.WriteString("\n\n")
	}
	if out.Narrative != "" {
		b.WriteString(out.Narrative)
		b.WriteString("\n\n")
	}
	if out.Table != nil {
		writeTable(&b, out.Table)
		b.WriteString("\n")
	}
	if len(out.Steps) > 0 {
		b.WriteString("**Your Next Steps:**\n\n")
		for _, step := range out.Steps {
			b.WriteString("- ")
			b.WriteString(step)
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeTable(b *strings.Builder, table *normalize.Table) {
	b.WriteString("|")
	for _, col := range table.Columns {
		b.WriteString(" ")
		b.WriteString(cell(col))
		b.WriteString(" |")
	}
	b.WriteString("\n|")
	for range table.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	for _, row := range table.Rows {
		b.WriteString("|")
		for _, col := range table.Columns {
			b.WriteString(" ")
			b.WriteString(cell(row[col]))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
}

// cell escapes characters that would break a table row
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
