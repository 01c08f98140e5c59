package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/graph"
)

func openTestStore(t *testing.T) *DocStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hivemind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestDocStore_NodeRoundTrip persists a node with every field populated and
// reads it back.
func TestDocStore_NodeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	node := graph.Node{
		ID:           "synthesizer-abc123",
		Kind:         graph.KindSynthesizer,
		Instruction:  "produce the deliverable",
		Persona:      "",
		Dependencies: []string{"lead-1", "analyst-2"},
		Status:       graph.StatusComplete,
		Output:       "the deliverable text",
		Score:        91,
		HasScore:     true,
		Artifacts: &graph.Artifacts{
			Specification:      "spec",
			ImplementationPlan: "plan",
			Justification:      "why",
		},
		Round:     graph.RoundID("round-xyz"),
		Depth:     2,
		Failures:  1,
		LastError: "earlier transient failure",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.UpsertNodes(ctx, []graph.Node{node}))
	require.NoError(t, s.UpsertEdges(ctx, []graph.Edge{
		{Source: "lead-1", Target: "synthesizer-abc123"},
		{Source: "analyst-2", Target: "synthesizer-abc123"},
	}))

	nodes, edges, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Len(t, edges, 2)

	got := nodes[0]
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, node.Kind, got.Kind)
	assert.Equal(t, node.Dependencies, got.Dependencies)
	assert.Equal(t, node.Status, got.Status)
	assert.Equal(t, node.Score, got.Score)
	assert.True(t, got.HasScore)
	assert.Equal(t, node.Round, got.Round)
	assert.Equal(t, node.Failures, got.Failures)
	assert.Equal(t, node.LastError, got.LastError)
	require.NotNil(t, got.Artifacts)
	assert.Equal(t, *node.Artifacts, *got.Artifacts)
}

// TestDocStore_UpsertUpdatesMutableFields verifies the conflict clause
// updates execution state without duplicating rows.
func TestDocStore_UpsertUpdatesMutableFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	node := graph.Node{
		ID: "analyst-1", Kind: graph.KindAnalyst, Status: graph.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertNodes(ctx, []graph.Node{node}))

	node.Status = graph.StatusComplete
	node.Output = "finished analysis"
	node.Score = 80
	require.NoError(t, s.UpsertNodes(ctx, []graph.Node{node}))

	nodes, _, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, graph.StatusComplete, nodes[0].Status)
	assert.Equal(t, "finished analysis", nodes[0].Output)
}

// TestDocStore_CommitExpansionWritesNodesAndEdges covers the combined
// single-transaction write used for whole-expansion batches.
func TestDocStore_CommitExpansionWritesNodesAndEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	nodes := []graph.Node{
		{ID: "analyst-1", Kind: graph.KindAnalyst, Status: graph.StatusPending, CreatedAt: now, UpdatedAt: now},
		{ID: "lead-1", Kind: graph.KindLead, Status: graph.StatusPending,
			Dependencies: []string{"analyst-1"}, CreatedAt: now, UpdatedAt: now},
	}
	edges := []graph.Edge{{Source: "analyst-1", Target: "lead-1"}}
	require.NoError(t, s.CommitExpansion(ctx, nodes, edges))

	gotNodes, gotEdges, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, gotNodes, 2)
	require.Len(t, gotEdges, 1)
	assert.Equal(t, edges[0], gotEdges[0])
}

// TestDocStore_EdgeUpsertIsIdempotent verifies re-writing an edge does not
// error or duplicate.
func TestDocStore_EdgeUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	edge := []graph.Edge{{Source: "a", Target: "b"}}
	require.NoError(t, s.UpsertEdges(ctx, edge))
	require.NoError(t, s.UpsertEdges(ctx, edge))

	_, edges, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

// TestDocStore_ResetGraphClearsRunState verifies nodes, edges, and run logs
// clear together while memories survive.
func TestDocStore_ResetGraphClearsRunState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertNodes(ctx, []graph.Node{
		{ID: "a", Kind: graph.KindAnalyst, Status: graph.StatusPending, CreatedAt: now, UpdatedAt: now},
	}))
	require.NoError(t, s.UpsertEdges(ctx, []graph.Edge{{Source: "a", Target: "a2"}}))
	require.NoError(t, s.AppendLog(ctx, "run_started", "", "goal"))
	require.NoError(t, s.AddMemory(ctx, "analyst", "a durable lesson"))

	require.NoError(t, s.ResetGraph(ctx))

	nodes, edges, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Empty(t, edges)

	logs, err := s.RecentLogs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	memories, err := s.MemoriesFor(ctx, "analyst", 5)
	require.NoError(t, err)
	assert.Len(t, memories, 1, "memories must survive a graph reset")
}

// TestDocStore_RecentLogsNewestFirst verifies ordering and the limit.
func TestDocStore_RecentLogsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, event := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendLog(ctx, event, "", ""))
	}
	logs, err := s.RecentLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "third", logs[0].Event)
	assert.Equal(t, "second", logs[1].Event)
}

// TestDocStore_MemoriesScopedByPersona verifies recall filters on persona
// and respects the limit, newest first.
func TestDocStore_MemoriesScopedByPersona(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMemory(ctx, "analyst", "analyst lesson one"))
	require.NoError(t, s.AddMemory(ctx, "analyst", "analyst lesson two"))
	require.NoError(t, s.AddMemory(ctx, "lead", "lead lesson"))

	memories, err := s.MemoriesFor(ctx, "analyst", 5)
	require.NoError(t, err)
	require.Len(t, memories, 2)
	for _, m := range memories {
		assert.Equal(t, "analyst", m.Persona)
	}
}

// TestDocStore_KnowledgeGraphUpserts covers the kg tables.
func TestDocStore_KnowledgeGraphUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddKGNode(ctx, "goal-1", "billing migration", "intent", "migrate billing"))
	require.NoError(t, s.AddKGNode(ctx, "goal-1", "billing migration v2", "intent", "migrate billing safely"))
	require.NoError(t, s.AddKGEdge(ctx, "goal-1", "goal-0", "supersedes", 1.0))
	require.NoError(t, s.AddKGEdge(ctx, "goal-1", "goal-0", "supersedes", 0.5))
}
