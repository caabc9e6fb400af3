package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEntityCountsMentions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "entities")

	id, created, err := s.CreateEntity(ctx, EntityInput{SessionID: sessionID, Name: "OpenAI", Type: "organization"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateEntity(ctx, EntityInput{SessionID: sessionID, Name: "openai", Description: "AI lab"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again, "names are case-insensitive")

	e, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", e.Name)
	assert.Equal(t, 2, e.MentionCount)
	assert.Equal(t, "organization", e.Type)
	assert.Equal(t, "AI lab", e.Description, "missing fields are filled by later mentions")

	other := mustSession(t, s, "other")
	otherID := mustEntity(t, s, other, "OpenAI", "")
	assert.NotEqual(t, id, otherID, "entities are scoped to a session")

	_, _, err = s.CreateEntity(ctx, EntityInput{SessionID: sessionID, Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAliases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "aliases")
	id := mustEntity(t, s, sessionID, "International Business Machines", "organization")

	ok, err := s.AddAlias(ctx, "International Business Machines", "IBM")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AddAlias(ctx, "IBM", "Big Blue")
	require.NoError(t, err)
	assert.True(t, ok, "aliasing an alias points at the canonical name")
	ok, err = s.AddAlias(ctx, "International Business Machines", "ibm")
	require.NoError(t, err)
	assert.False(t, ok, "duplicate alias")
	ok, err = s.AddAlias(ctx, "IBM", "international business machines")
	require.NoError(t, err)
	assert.False(t, ok, "an alias may not name its canonical entity")

	canonical, err := s.ResolveAlias(ctx, "big blue")
	require.NoError(t, err)
	assert.Equal(t, "International Business Machines", canonical)
	unknown, err := s.ResolveAlias(ctx, "Globex")
	require.NoError(t, err)
	assert.Equal(t, "Globex", unknown)

	viaAlias, created, err := s.CreateEntity(ctx, EntityInput{SessionID: sessionID, Name: "IBM"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, viaAlias)

	found, err := s.FindEntity(ctx, sessionID, "Big Blue")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)
	assert.ElementsMatch(t, []string{"IBM", "Big Blue"}, found.Aliases)

	missing, err := s.FindEntity(ctx, sessionID, "Globex")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.AddAlias(ctx, "", "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateEdgeKeepsHigherConfidence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "edges")
	a := mustEntity(t, s, sessionID, "Acme", "company")
	b := mustEntity(t, s, sessionID, "Globex", "company")

	first, err := s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: a, TargetID: b, RelationType: "competes_with", Confidence: 0.8})
	require.NoError(t, err)
	second, err := s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: a, TargetID: b, RelationType: "competes_with", Confidence: 0.4, Evidence: "trade press"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: b, TargetID: a, Confidence: 0.5})
	require.NoError(t, err)

	edges, err := s.ListEdges(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "competes_with", edges[0].RelationType)
	assert.Equal(t, 0.8, edges[0].Confidence)
	assert.Equal(t, "trade press", edges[0].Evidence)
	assert.Equal(t, "Acme", edges[0].SourceName)
	assert.Equal(t, "Globex", edges[0].TargetName)
	assert.Equal(t, DefaultRelation, edges[1].RelationType)

	_, err = s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: a, TargetID: a, Confidence: 0.5})
	assert.ErrorIs(t, err, ErrInvalidArgument, "self loops")
	_, err = s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: a, TargetID: b, Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	other := mustSession(t, s, "other")
	c := mustEntity(t, s, other, "Initech", "")
	_, err = s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: a, TargetID: c, Confidence: 0.5})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRelatedTraversal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "traversal")

	ids := map[string]int64{}
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		ids[name] = mustEntity(t, s, sessionID, name, "node")
	}
	link := func(src, dst, rel string) {
		_, err := s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: ids[src], TargetID: ids[dst], RelationType: rel, Confidence: 0.5})
		require.NoError(t, err)
	}
	link("A", "B", "owns")
	link("B", "C", "supplies")
	link("C", "A", "cites")
	link("E", "A", "funds")
	link("C", "D", "owns")

	names := func(rs []*Related) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.Entity.Name)
		}
		return out
	}

	oneHop, err := s.GetRelated(ctx, ids["A"], RelatedQuery{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C", "E"}, names(oneHop), "default is depth 1 in both directions")

	out, err := s.GetRelated(ctx, ids["A"], RelatedQuery{Direction: DirectionOutgoing, Depth: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C", "D"}, names(out))
	assert.Equal(t, []string{"owns", "supplies", "owns"}, out[2].Path)
	assert.Equal(t, 3, out[2].Depth)

	in, err := s.GetRelated(ctx, ids["A"], RelatedQuery{Direction: DirectionIncoming})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C", "E"}, names(in))
	for _, r := range in {
		assert.Equal(t, DirectionIncoming, r.Direction)
	}

	owns, err := s.GetRelated(ctx, ids["A"], RelatedQuery{RelationType: "owns", Direction: DirectionOutgoing, Depth: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, names(owns))

	deep, err := s.GetRelated(ctx, ids["A"], RelatedQuery{Depth: 100})
	require.NoError(t, err)
	assert.Len(t, deep, 4, "cycles are visited once")

	_, err = s.GetRelated(ctx, ids["A"], RelatedQuery{Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	none, err := s.GetRelated(ctx, 9999, RelatedQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCooccurrenceSnippetRing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "cooccurrence")
	a := mustEntity(t, s, sessionID, "Acme", "")
	b := mustEntity(t, s, sessionID, "Globex", "")

	for i := range 12 {
		x, y := a, b
		if i%2 == 1 {
			x, y = b, a
		}
		require.NoError(t, s.RecordCooccurrence(ctx, x, y, fmt.Sprintf("snippet %d", i)))
	}
	require.NoError(t, s.RecordCooccurrence(ctx, a, b, ""))

	pairs, err := s.Cooccurrences(ctx, sessionID, 2)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	p := pairs[0]
	assert.Equal(t, 13, p.Count)
	assert.Equal(t, min(a, b), p.EntityAID)
	assert.Len(t, p.Snippets, MaxCooccurrenceSnippets)
	assert.Equal(t, "snippet 2", p.Snippets[0])
	assert.Equal(t, "snippet 11", p.Snippets[MaxCooccurrenceSnippets-1])

	none, err := s.Cooccurrences(ctx, sessionID, 14)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.ErrorIs(t, s.RecordCooccurrence(ctx, a, a, "x"), ErrInvalidArgument)
	assert.ErrorIs(t, s.RecordCooccurrence(ctx, a, 9999, "x"), ErrNotFound)
}

func TestScanMentions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "mentions")
	ibm := mustEntity(t, s, sessionID, "International Business Machines", "organization")
	acme := mustEntity(t, s, sessionID, "Acme", "organization")
	mustEntity(t, s, sessionID, "Globex", "organization")
	_, err := s.AddAlias(ctx, "International Business Machines", "IBM")
	require.NoError(t, err)

	scan, err := s.ScanMentions(ctx, sessionID, "IBM signed a deal with ACME last week.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{ibm, acme}, scan.EntityIDs)
	assert.Equal(t, 1, scan.Pairs)

	pairs, err := s.Cooccurrences(ctx, sessionID, 1)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, []string{"IBM signed a deal with ACME last week."}, pairs[0].Snippets)

	lonely, err := s.ScanMentions(ctx, sessionID, "Only Globex here.")
	require.NoError(t, err)
	assert.Len(t, lonely.EntityIDs, 1)
	assert.Zero(t, lonely.Pairs)
}

func TestScanMentionsNestedNames(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "nested mentions")
	mustEntity(t, s, sessionID, "Open AI", "organization")
	foundation := mustEntity(t, s, sessionID, "Open AI Foundation", "organization")

	scan, err := s.ScanMentions(ctx, sessionID, "The Open AI Foundation published a report.")
	require.NoError(t, err)
	assert.Equal(t, []int64{foundation}, scan.EntityIDs)
	assert.Zero(t, scan.Pairs)

	pairs, err := s.Cooccurrences(ctx, sessionID, 1)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestImportEntities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "import")
	conf := 0.9

	res, err := s.ImportEntities(ctx, sessionID, EntityBatch{
		Entities: []BatchEntity{
			{Name: "Acme", Type: "company", Aliases: []string{"Acme Inc"}},
			{Name: ""},
		},
		Edges: []BatchEdge{
			{Source: "Acme Inc", Target: "Globex", Relation: "acquired", Confidence: &conf},
			{Source: "Acme", Target: "Initech"},
			{Source: "Acme", Target: ""},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Created, "Acme plus two endpoints created by name")
	assert.Equal(t, 1, res.Aliases)
	assert.Equal(t, 2, res.Edges)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "entity", res.Errors[0].Kind)
	assert.Equal(t, 4, res.Errors[1].Index)
	assert.Equal(t, "edge", res.Errors[1].Kind)

	edges, err := s.ListEdges(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "acquired", edges[0].RelationType)
	assert.Equal(t, "Acme", edges[0].SourceName)
	assert.Equal(t, 0.9, edges[0].Confidence)
	assert.Equal(t, DefaultRelation, edges[1].RelationType)
	assert.Equal(t, 0.5, edges[1].Confidence)

	_, err = s.ImportEntities(ctx, "ghost", EntityBatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportGraphDOTEscaping(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "dot escaping")
	src := mustEntity(t, s, sessionID, `C:\data\"raw"`, "file")
	dst := mustEntity(t, s, sessionID, "Line one\nLine two", "")
	_, err := s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: src, TargetID: dst, RelationType: "feeds", Confidence: 0.5})
	require.NoError(t, err)

	dot, err := s.ExportGraph(ctx, sessionID, FormatDOT)
	require.NoError(t, err)
	text := string(dot)
	assert.Contains(t, text, `  "C:\\data\\\"raw\"" [label="C:\\data\\\"raw\"\n(file)"];`)
	assert.Contains(t, text, `  "Line one\nLine two" [label="Line one\nLine two\n(unknown)"];`)
	assert.Contains(t, text, `  "C:\\data\\\"raw\"" -> "Line one\nLine two" [label="feeds" penwidth=1.5];`)
	assert.NotContains(t, text, "Line one\nLine two", "raw newline inside a quoted id")
}

func TestExportGraph(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "export")
	a := mustEntity(t, s, sessionID, `Acme "The Best"`, "company")
	b := mustEntity(t, s, sessionID, "Ann Lee", "person")
	mustEntity(t, s, sessionID, "Misc", "")
	_, err := s.CreateEdge(ctx, EdgeInput{SessionID: sessionID, SourceID: b, TargetID: a, RelationType: "works_at", Confidence: 0.75})
	require.NoError(t, err)

	dot, err := s.ExportGraph(ctx, sessionID, FormatDOT)
	require.NoError(t, err)
	text := string(dot)
	assert.True(t, strings.HasPrefix(text, fmt.Sprintf("digraph %q {\n  rankdir=LR;\n", sessionID)))
	assert.Contains(t, text, `  "Acme \"The Best\"" [label="Acme \"The Best\"\n(company)"];`)
	assert.Contains(t, text, `  "Misc" [label="Misc\n(unknown)"];`)
	assert.Contains(t, text, `  "Ann Lee" -> "Acme \"The Best\"" [label="works_at" penwidth=2.0];`)
	assert.True(t, strings.HasSuffix(text, "}\n"))

	md, err := s.ExportGraph(ctx, sessionID, "md")
	require.NoError(t, err)
	text = string(md)
	assert.True(t, strings.HasPrefix(text, "# Entity Graph - "+sessionID+"\n"))
	assert.Contains(t, text, "- **Total Entities**: 3\n- **Total Relationships**: 1\n")
	assert.Contains(t, text, "| Unknown | 1 |")
	assert.Contains(t, text, "### person\n\n- **Ann Lee**\n")
	assert.Contains(t, text, "| Ann Lee | works_at | Acme \"The Best\" | 75% |")

	raw, err := s.ExportGraph(ctx, sessionID, "")
	require.NoError(t, err)
	var doc GraphExport
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, sessionID, doc.SessionID)
	assert.Len(t, doc.Entities, 3)
	assert.Len(t, doc.Edges, 1)

	_, err = s.ExportGraph(ctx, sessionID, "pdf")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
