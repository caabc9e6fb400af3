package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, s *Store) string {
	t.Helper()
	ctx := context.Background()
	id := mustSession(t, s, "grid storage")

	for _, a := range []*Agent{
		{ID: "w1", SessionID: id, AgentType: "web"},
		{ID: "w2", SessionID: id, AgentType: "web"},
	} {
		_, err := s.RegisterAgent(ctx, a)
		require.NoError(t, err)
	}
	_, err := s.UpdateAgentStatus(ctx, "w1", AgentRunning, "")
	require.NoError(t, err)

	mustNode(t, s, id, "root", "", 6)
	mustNode(t, s, id, "a", "root", 8)
	mustNode(t, s, id, "b", "root", 3)
	_, err = s.KeepBestN(ctx, id, 1, "root")
	require.NoError(t, err)
	_, err = s.LogOperation(ctx, id, OpScore, []string{"a"}, Metadata{"rubric": "v1"}, nil)
	require.NoError(t, err)

	mustFact(t, s, FactInput{SessionID: id, Entity: "Acme", Attribute: "revenue", Value: "$10M"})
	mustFact(t, s, FactInput{SessionID: id, Entity: "Acme", Attribute: "revenue", Value: "$12M"})
	_, err = s.DetectConflicts(ctx, id)
	require.NoError(t, err)

	acme := mustEntity(t, s, id, "Acme", "company")
	globex := mustEntity(t, s, id, "Globex", "company")
	_, err = s.CreateEdge(ctx, EdgeInput{SessionID: id, SourceID: acme, TargetID: globex, RelationType: "supplies", Confidence: 0.6})
	require.NoError(t, err)
	require.NoError(t, s.RecordCooccurrence(ctx, acme, globex, "Acme ships cells to Globex"))

	require.NoError(t, s.AddCitation(ctx, &Citation{SessionID: id, Claim: "Acme revenue", Quality: QualityC}))
	return id
}

func TestSessionStatistics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	st, err := s.SessionStatistics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "grid storage", st.Session.Topic)
	assert.Equal(t, 2, st.Agents.Total)
	assert.Equal(t, 1, st.Agents.Running)
	assert.Equal(t, map[NodeStatus]int{NodeActive: 2, NodePruned: 1}, st.Nodes)
	assert.Equal(t, 1, st.Operations[OpKeepBestN])
	assert.Equal(t, 1, st.Operations[OpScore])
	assert.Equal(t, 2, st.Facts)
	assert.Equal(t, 2, st.Entities)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 1, st.UnresolvedConflicts)
	assert.Equal(t, 1, st.Citations.QualityC)

	_, err = s.SessionStatistics(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	dump, err := s.ExportSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, dump.Session.ID)
	assert.Len(t, dump.Agents, 2)
	assert.Len(t, dump.Nodes, 3)
	assert.Len(t, dump.Operations, 2)
	assert.Len(t, dump.Facts, 2)
	assert.Len(t, dump.Conflicts, 1)
	assert.Len(t, dump.Entities, 2)
	assert.Len(t, dump.Edges, 1)
	require.Len(t, dump.Cooccurrences, 1)
	assert.Equal(t, []string{"Acme ships cells to Globex"}, dump.Cooccurrences[0].Snippets)
	assert.Len(t, dump.Citations, 1)
	assert.False(t, dump.ExportedAt.IsZero())

	raw, err := s.ExportSessionJSON(ctx, id)
	require.NoError(t, err)
	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	for _, key := range []string{"exportedAt", "session", "agents", "nodes", "operations", "facts",
		"conflicts", "entities", "edges", "cooccurrences", "citations", "statistics"} {
		assert.Contains(t, generic, key)
	}

	_, err = s.ExportSession(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
