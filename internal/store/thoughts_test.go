package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/researchstate/pkg/novelty"
)

func TestCreateNodeRules(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "graph")
	other := mustSession(t, s, "other graph")

	mustNode(t, s, sessionID, "root", "", 5)
	mustNode(t, s, sessionID, "child", "root", 6)

	child, err := s.GetNode(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, NodeBranch, child.NodeType)
	assert.Equal(t, NodeActive, child.Status)
	assert.EqualValues(t, 1, child.Version)

	created, err := s.CreateNode(ctx, NodeInput{ID: "child", SessionID: sessionID, ParentID: "root", Depth: -1})
	require.NoError(t, err)
	assert.False(t, created, "re-creating an existing id is a no-op")

	cases := []struct {
		name string
		in   NodeInput
		want error
	}{
		{"wrong depth", NodeInput{ID: "d", SessionID: sessionID, ParentID: "root", Depth: 3}, ErrInvalidArgument},
		{"root with parent", NodeInput{ID: "r2", SessionID: sessionID, ParentID: "root", NodeType: NodeRoot}, ErrInvalidArgument},
		{"branch without parent", NodeInput{ID: "b", SessionID: sessionID, NodeType: NodeBranch}, ErrInvalidArgument},
		{"score out of range", NodeInput{ID: "s", SessionID: sessionID, QualityScore: 11}, ErrInvalidArgument},
		{"missing parent", NodeInput{ID: "m", SessionID: sessionID, ParentID: "gone", Depth: -1}, ErrStaleWrite},
		{"foreign parent", NodeInput{ID: "f", SessionID: other, ParentID: "root", Depth: -1}, ErrInvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := s.CreateNode(ctx, c.in)
			assert.ErrorIs(t, err, c.want)
		})
	}
	assert.True(t, IsRetryable(ErrStaleWrite))
}

func TestUpdateNodeGuards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "guards")
	mustNode(t, s, sessionID, "root", "", 5)

	score := 8.5
	v1 := int64(1)
	ok, err := s.UpdateNode(ctx, "root", NodeUpdate{
		QualityScore:  &score,
		ExpectVersion: &v1,
		Metadata:      Metadata{"depth_budget": 3, "note": "promising"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.GetNode(ctx, "root")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.Version)
	assert.Equal(t, 8.5, n.QualityScore)
	assert.Equal(t, 3, n.Meta.DepthBudget)
	assert.Equal(t, "promising", n.Meta.Extra["note"])

	_, err = s.UpdateNode(ctx, "root", NodeUpdate{QualityScore: &score, ExpectVersion: &v1})
	assert.ErrorIs(t, err, ErrStaleWrite)

	pruned := NodePruned
	_, err = s.UpdateNode(ctx, "root", NodeUpdate{Status: &pruned})
	require.NoError(t, err)
	_, err = s.UpdateNode(ctx, "root", NodeUpdate{QualityScore: &score, RequireActive: true})
	assert.ErrorIs(t, err, ErrStaleWrite)

	bad := 10.5
	_, err = s.UpdateNode(ctx, "root", NodeUpdate{QualityScore: &bad})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ok, err = s.UpdateNode(ctx, "missing", NodeUpdate{QualityScore: &score})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeepBestNUnderParent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "prune")

	mustNode(t, s, sessionID, "R", "", 5)
	mustNode(t, s, sessionID, "a", "R", 7)
	mustNode(t, s, sessionID, "b", "R", 9)
	mustNode(t, s, sessionID, "c", "R", 5)

	res, err := s.KeepBestN(ctx, sessionID, 1, "R")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Kept)
	assert.Equal(t, 2, res.Pruned)

	for id, want := range map[string]NodeStatus{"R": NodeActive, "a": NodePruned, "b": NodeActive, "c": NodePruned} {
		n, err := s.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, n.Status, id)
	}

	children, err := s.GetChildren(ctx, "R", false)
	require.NoError(t, err)
	require.Len(t, children, 1)
	all, err := s.GetChildren(ctx, "R", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	again, err := s.KeepBestN(ctx, sessionID, 1, "R")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Pruned)

	ops, err := s.ListOperations(ctx, sessionID, OpKeepBestN)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"b"}, ops[0].NodeIDs)

	_, err = s.CreateNode(ctx, NodeInput{ID: "late", SessionID: sessionID, ParentID: "a", Depth: -1})
	assert.ErrorIs(t, err, ErrStaleWrite, "pruned parents take no children")
}

func TestKeepBestNSessionWideAndTies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "ties")

	mustNode(t, s, sessionID, "R", "", 4)
	mustNode(t, s, sessionID, "first", "R", 6)
	mustNode(t, s, sessionID, "second", "R", 6)

	res, err := s.KeepBestN(ctx, sessionID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, res.Kept, "ties go to the earlier node")
	assert.Equal(t, 2, res.Pruned)

	root, err := s.GetNode(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, NodePruned, root.Status, "session-wide scope includes roots")

	res, err = s.KeepBestN(ctx, sessionID, 0, "")
	require.NoError(t, err)
	assert.Empty(t, res.Kept)
	assert.Equal(t, 1, res.Pruned)

	_, err = s.KeepBestN(ctx, sessionID, -1, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCircuitBreak(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "breaker")

	mustNode(t, s, sessionID, "P", "", 6)
	mustNode(t, s, sessionID, "old", "P", 9)
	mustNode(t, s, sessionID, "x", "P", 3)
	mustNode(t, s, sessionID, "y", "P", 2)
	mustNode(t, s, sessionID, "z", "P", 4)
	mustNode(t, s, sessionID, "z1", "z", 1)

	check, err := s.CheckCircuitBreak(ctx, "P", 3, 5)
	require.NoError(t, err)
	assert.True(t, check.ShouldBreak)
	assert.Equal(t, BreakLowScores, check.Reason)
	assert.Equal(t, []string{"z", "y", "x"}, check.NodeIDs)
	assert.InDelta(t, 3.0, check.MeanScore, 1e-9)

	check, err = s.CheckCircuitBreak(ctx, "P", 4, 5)
	require.NoError(t, err)
	assert.False(t, check.ShouldBreak)
	assert.Equal(t, BreakHealthy, check.Reason)

	check, err = s.CheckCircuitBreak(ctx, "P", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, BreakInsufficientData, check.Reason)

	_, err = s.CheckCircuitBreak(ctx, "nope", 3, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := s.ExecuteCircuitBreak(ctx, "P", "three low scores")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "x", "y", "z", "z1"}, res.DeletedIDs)

	p, err := s.GetNode(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, NodeCircuitBroken, p.Status)
	assert.True(t, p.Meta.CircuitBroken)
	assert.Equal(t, "three low scores", p.Meta.CircuitBreakReason)
	assert.Equal(t, res.BrokenAt, p.Meta.CircuitBrokenAt)

	nodes, err := s.ListNodes(ctx, sessionID, "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = s.CreateNode(ctx, NodeInput{ID: "retry", SessionID: sessionID, ParentID: "P", Depth: -1})
	assert.ErrorIs(t, err, ErrStaleWrite)
	_, err = s.CreateNode(ctx, NodeInput{ID: "orphan", SessionID: sessionID, ParentID: "z", Depth: -1})
	assert.ErrorIs(t, err, ErrStaleWrite)

	_, err = s.ExecuteCircuitBreak(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtendBranchBudget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "budget")
	mustNode(t, s, sessionID, "R", "", 8)
	mustNode(t, s, sessionID, "loser", "R", 1)

	_, err := s.ExtendBranchBudget(ctx, "R", 2, 1000, "high quality")
	require.NoError(t, err)
	b, err := s.ExtendBranchBudget(ctx, "R", 1, 0, "still going")
	require.NoError(t, err)
	assert.Equal(t, Budget{NodeID: "R", DepthBudget: 3, TokenBudget: 1000, Extensions: 2}, *b)

	n, err := s.GetNode(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 3, n.Meta.DepthBudget)
	assert.Equal(t, 2, n.Meta.BudgetExtensions)

	_, err = s.ExtendBranchBudget(ctx, "R", -1, 0, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.ExtendBranchBudget(ctx, "R", 0, 0, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.ExtendBranchBudget(ctx, "missing", 1, 0, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.KeepBestN(ctx, sessionID, 0, "R")
	require.NoError(t, err)
	_, err = s.ExtendBranchBudget(ctx, "loser", 1, 0, "")
	assert.ErrorIs(t, err, ErrStaleWrite)

	ops, err := s.ListOperations(ctx, sessionID, OpExtendBudget)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.Equal(t, "high quality", ops[0].Parameters["reason"])
}

func TestLogOperation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "ops")

	id, err := s.LogOperation(ctx, sessionID, OpGenerate, []string{"a", "b"}, Metadata{"k": 2}, nil)
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.LogOperation(ctx, sessionID, "explode", nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ops, err := s.ListOperations(ctx, sessionID, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpGenerate, ops[0].Type)
	assert.Equal(t, []string{"a", "b"}, ops[0].NodeIDs)
}

func TestCalculateEntropy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "entropy")

	create := func(id, parent, content string) {
		_, err := s.CreateNode(ctx, NodeInput{ID: id, SessionID: sessionID, ParentID: parent, Content: content, Depth: -1})
		require.NoError(t, err)
	}
	create("R", "", "lithium battery chemistry")
	create("n1", "R", "sodium battery chemistry")
	create("n2", "R", "lithium battery chemistry")

	res, err := s.CalculateEntropy(ctx, []string{"n1"}, []string{"R"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, res.Entropy, 1e-9)
	assert.Equal(t, novelty.LowNovelty, res.Band)
	assert.Equal(t, []string{"sodium"}, res.NovelKeywords)
	assert.Equal(t, 1, res.NewNodes)
	assert.Equal(t, 1, res.ExistingNodes)

	res, err = s.CalculateEntropy(ctx, []string{"n2"}, []string{"R"})
	require.NoError(t, err)
	assert.Zero(t, res.Entropy)
	assert.Equal(t, novelty.Duplicate, res.Band)

	res, err = s.CalculateEntropy(ctx, []string{"n1", "unknown"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Entropy)
	assert.Equal(t, 1, res.NewNodes)

	_, err = s.CalculateEntropy(ctx, nil, []string{"R"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.CalculateEntropy(ctx, []string{"R"}, []string{"R"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCalculateEntropyStopWords(t *testing.T) {
	db, err := Open(context.Background(), Options{
		Path:      filepath.Join(t.TempDir(), "stop.db"),
		StopWords: []string{"Sodium", " "},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := db.Store()
	ctx := context.Background()
	sessionID := mustSession(t, s, "stop words")

	for _, n := range []NodeInput{
		{ID: "R", SessionID: sessionID, Content: "lithium battery chemistry", Depth: -1},
		{ID: "n1", SessionID: sessionID, ParentID: "R", Content: "sodium battery chemistry", Depth: -1},
	} {
		_, err := s.CreateNode(ctx, n)
		require.NoError(t, err)
	}

	res, err := s.CalculateEntropy(ctx, []string{"n1"}, []string{"R"})
	require.NoError(t, err)
	assert.Zero(t, res.Entropy)
	assert.Empty(t, res.NovelKeywords)
	assert.Equal(t, 2, res.NewKeywords)
}

func TestBranchHealth(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustSession(t, s, "health")

	mustNode(t, s, sessionID, "R", "", 5)
	mustNode(t, s, sessionID, "a", "R", 9.5)
	mustNode(t, s, sessionID, "b", "R", 7)
	mustNode(t, s, sessionID, "a1", "a", 8)
	mustNode(t, s, sessionID, "b1", "b", 5.5)

	h, err := s.BranchHealth(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 4, h.Descendants)
	assert.InDelta(t, 7.5, h.Average, 1e-9)
	assert.Equal(t, 5.5, h.Min)
	assert.Equal(t, 9.5, h.Max)
	assert.Equal(t, ScoreHistogram{Excellent: 1, Good: 2, Fair: 1}, h.Histogram)
	assert.Equal(t, HealthContinue, h.Recommendation)

	leaf, err := s.BranchHealth(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, HealthNoDescendants, leaf.Recommendation)
	assert.Zero(t, leaf.Descendants)

	_, err = s.BranchHealth(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerConnections(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	sessionID := mustSession(t, db.Store(), "workers")

	w, err := db.Worker(ctx)
	require.NoError(t, err)
	mustNode(t, w, sessionID, "R", "", 5)
	require.NoError(t, w.Release())
	require.NoError(t, w.Release(), "release is idempotent")

	n, err := db.Store().GetNode(ctx, "R")
	require.NoError(t, err)
	assert.NotNil(t, n)

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestConcurrentWorkersKeepBestN(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	sessionID := mustSession(t, db.Store(), "parallel branches")
	mustNode(t, db.Store(), sessionID, "root", "", 5)

	const (
		workers   = 8
		perWorker = 6
		keep      = 5
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			st, err := db.Worker(gctx)
			if err != nil {
				return err
			}
			defer st.Release()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-n%d", w, i)
				if _, err := st.CreateNode(gctx, NodeInput{
					ID:           id,
					SessionID:    sessionID,
					ParentID:     "root",
					Content:      "branch " + id,
					QualityScore: float64(w*perWorker+i) / 5,
					Depth:        -1,
				}); err != nil {
					return err
				}
				if _, err := st.CreateFact(gctx, FactInput{
					SessionID: sessionID,
					Entity:    "Acme",
					Attribute: "metric_" + id,
					Value:     fmt.Sprintf("%d", i),
				}); err != nil {
					return err
				}
				if _, err := st.KeepBestN(gctx, sessionID, keep, "root"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	s := db.Store()
	_, err := s.KeepBestN(ctx, sessionID, keep, "root")
	require.NoError(t, err)

	active, err := s.GetChildren(ctx, "root", false)
	require.NoError(t, err)
	require.Len(t, active, keep)

	all, err := s.GetChildren(ctx, "root", true)
	require.NoError(t, err)
	require.Len(t, all, workers*perWorker)

	minKept := active[0].QualityScore
	for _, n := range active {
		minKept = min(minKept, n.QualityScore)
	}
	for _, n := range all {
		if n.Status == NodeActive {
			continue
		}
		if n.Status != NodePruned {
			t.Errorf("node %s has status %s", n.ID, n.Status)
		}
		if n.QualityScore > minKept {
			t.Errorf("pruned node %s scores %v, above kept minimum %v", n.ID, n.QualityScore, minKept)
		}
	}

	facts, err := s.QueryFacts(ctx, FactQuery{SessionID: sessionID})
	require.NoError(t, err)
	assert.Len(t, facts, workers*perWorker)
}

func TestEngineInfo(t *testing.T) {
	db, _ := newTestDB(t)
	info, err := db.Engine(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.SQLite)
	assert.True(t, strings.HasPrefix(info.Vec, "v"), info.Vec)
}
