package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GraphExport is the JSON rendering of a session's entity graph.
type GraphExport struct {
	SessionID  string    `json:"session_id"`
	ExportedAt time.Time `json:"exported_at"`
	Entities   []*Entity `json:"entities"`
	Edges      []*Edge   `json:"edges"`
}

// ExportGraph renders a session's entities and edges as JSON, a GraphViz
// digraph, or a Markdown report.
func (s *Store) ExportGraph(ctx context.Context, sessionID string, format ExportFormat) ([]byte, error) {
	format, err := ParseExportFormat(string(format))
	if err != nil {
		return nil, err
	}

	entities, err := s.ListEntities(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export graph: %w", err)
	}
	edges, err := s.ListEdges(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export graph: %w", err)
	}
	if entities == nil {
		entities = []*Entity{}
	}
	if edges == nil {
		edges = []*Edge{}
	}
	now := s.db.opts.Now().UTC()

	switch format {
	case FormatDOT:
		return []byte(renderDOT(sessionID, entities, edges)), nil
	case FormatMarkdown:
		return []byte(renderGraphMarkdown(sessionID, entities, edges, now)), nil
	default:
		return json.MarshalIndent(GraphExport{
			SessionID:  sessionID,
			ExportedAt: now,
			Entities:   entities,
			Edges:      edges,
		}, "", "  ")
	}
}

// dotEscaper escapes text for a DOT double-quoted string. A Replacer never
// rescans its output, so the backslash rule cannot double later escapes.
var dotEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\r\n", `\n`,
	"\n", `\n`,
	"\r", `\n`,
)

func dotEscape(s string) string {
	return dotEscaper.Replace(s)
}

func dotQuote(s string) string {
	return `"` + dotEscape(s) + `"`
}

func renderDOT(sessionID string, entities []*Entity, edges []*Edge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", dotQuote(sessionID))
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled, fillcolor=lightblue];\n\n")

	for _, e := range entities {
		typ := e.Type
		if typ == "" {
			typ = "unknown"
		}
		label := dotEscape(e.Name) + `\n(` + dotEscape(typ) + `)`
		fmt.Fprintf(&b, "  %s [label=\"%s\"];\n", dotQuote(e.Name), label)
	}
	b.WriteString("\n")

	for _, ed := range edges {
		rel := ed.RelationType
		if rel == "" {
			rel = DefaultRelation
		}
		fmt.Fprintf(&b, "  %s -> %s [label=%s penwidth=%.1f];\n",
			dotQuote(ed.SourceName), dotQuote(ed.TargetName), dotQuote(rel), ed.Confidence*2+0.5)
	}
	b.WriteString("}\n")
	return b.String()
}

func renderGraphMarkdown(sessionID string, entities []*Entity, edges []*Edge, generated time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Entity Graph - %s\n\n", sessionID)
	fmt.Fprintf(&b, "**Generated**: %s\n\n", generated.Format(time.RFC3339))
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Total Entities**: %d\n", len(entities))
	fmt.Fprintf(&b, "- **Total Relationships**: %d\n\n", len(edges))

	typeName := func(e *Entity) string {
		if e.Type == "" {
			return "Unknown"
		}
		return e.Type
	}

	// Entities arrive ordered by type, so groups are contiguous.
	var types []string
	counts := make(map[string]int)
	for _, e := range entities {
		t := typeName(e)
		if counts[t] == 0 {
			types = append(types, t)
		}
		counts[t]++
	}

	if len(types) > 0 {
		b.WriteString("### Entity Types\n\n")
		b.WriteString("| Type | Count |\n|------|-------|\n")
		for _, t := range types {
			fmt.Fprintf(&b, "| %s | %d |\n", mdCell(t), counts[t])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Entities\n\n")
	current := ""
	for i, e := range entities {
		if t := typeName(e); i == 0 || t != current {
			current = t
			fmt.Fprintf(&b, "### %s\n\n", t)
		}
		if e.Description != "" {
			fmt.Fprintf(&b, "- **%s** - %s\n", e.Name, e.Description)
		} else {
			fmt.Fprintf(&b, "- **%s**\n", e.Name)
		}
		if i+1 == len(entities) || typeName(entities[i+1]) != current {
			b.WriteString("\n")
		}
	}

	if len(edges) > 0 {
		b.WriteString("## Relationships\n\n")
		b.WriteString("| Source | Relation | Target | Confidence |\n")
		b.WriteString("|--------|----------|--------|------------|\n")
		for _, ed := range edges {
			fmt.Fprintf(&b, "| %s | %s | %s | %.0f%% |\n",
				mdCell(ed.SourceName), mdCell(ed.RelationType), mdCell(ed.TargetName), ed.Confidence*100)
		}
	}
	return b.String()
}
