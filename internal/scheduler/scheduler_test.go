package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hivemind/internal/config"
	"hivemind/internal/graph"
	"hivemind/internal/provider"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a worker goroutine in its package init that
	// lives for the whole process; it is not owned by the code under test.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedClient answers by role, inferred from the system prompt. Judge
// scores are scripted by call order; sub-task proposals are scripted
// directly.
type scriptedClient struct {
	mu         sync.Mutex
	judgeCalls int
	roleOrder  []string

	judgeScore func(call int) float64
	proposal   string
	analystErr error
	blockOnCtx bool
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Result, error) {
	if c.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if strings.Contains(prompt, "JSON array only") {
		c.record("proposal")
		return &provider.Result{Text: c.proposal}, nil
	}

	switch {
	case strings.Contains(opts.SystemPrompt, "independent judge"):
		c.mu.Lock()
		c.judgeCalls++
		call := c.judgeCalls
		c.roleOrder = append(c.roleOrder, "judge")
		c.mu.Unlock()
		score := 90.0
		if c.judgeScore != nil {
			score = c.judgeScore(call)
		}
		return &provider.Result{Text: fmt.Sprintf(
			`{"score": %.0f, "reasoning": "assessed against the stated requirements in detail"}`, score)}, nil

	case strings.Contains(opts.SystemPrompt, "You are the synthesizer"):
		c.record("synthesizer")
		return &provider.Result{Text: `{"specification": "the agreed specification",
			"implementation_plan": "the agreed implementation plan",
			"justification": "follows directly from the lead direction"}`}, nil

	case strings.Contains(opts.SystemPrompt, "team lead"):
		c.record("lead")
		return &provider.Result{Text: `{"analysis": "a reconciled direction merging all analyst findings into one plan", "confidence": 88}`}, nil

	default:
		c.record("analyst")
		if c.analystErr != nil {
			return nil, c.analystErr
		}
		return &provider.Result{Text: `{"analysis": "a focused and concrete analysis of the assigned aspect of the goal", "confidence": 82}`}, nil
	}
}

func (c *scriptedClient) record(role string) {
	c.mu.Lock()
	c.roleOrder = append(c.roleOrder, role)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Limits.RequestsPerMinute = 0 // unlimited in tests
	cfg.Limits.RequestsPerDay = 0
	cfg.Limits.BackoffBase = config.Duration(time.Millisecond)
	cfg.Limits.BackoffMax = config.Duration(2 * time.Millisecond)
	return cfg
}

// TestSession_RunsGoalToAcceptance drives a full run: seed, analysts, lead,
// synthesizer, unanimous judges, accept.
func TestSession_RunsGoalToAcceptance(t *testing.T) {
	client := &scriptedClient{}
	s := NewSession(testConfig(), client, nil)

	if err := s.Start(context.Background(), "design the billing migration"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sum := s.Summarize()
	if sum.Total != 8 {
		t.Fatalf("Expected 8 seeded nodes (3 analysts, lead, synthesizer, 3 judges), got %d", sum.Total)
	}
	if sum.Complete != 8 || sum.Errored != 0 {
		t.Fatalf("Expected all complete, got %+v", sum)
	}
}

// TestSession_RespectsDependencyOrder verifies no node runs before its
// dependencies: analysts first, then lead, then synthesizer, then judges.
func TestSession_RespectsDependencyOrder(t *testing.T) {
	client := &scriptedClient{}
	s := NewSession(testConfig(), client, nil)

	if err := s.Start(context.Background(), "order test goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	order := client.roleOrder
	if len(order) != 8 {
		t.Fatalf("Expected 8 provider calls, got %v", order)
	}
	rank := map[string]int{"analyst": 0, "lead": 1, "synthesizer": 2, "judge": 3}
	last := 0
	for i, role := range order {
		r, ok := rank[role]
		if !ok {
			t.Fatalf("Unexpected call %q at position %d", role, i)
		}
		if r < last {
			t.Fatalf("Dependency order violated: %v", order)
		}
		last = r
	}
}

// TestSession_WeakConsensusTriggersReexpansion verifies a coherent low-score
// round decomposes the deliverable and re-judges the replacement branch.
func TestSession_WeakConsensusTriggersReexpansion(t *testing.T) {
	client := &scriptedClient{
		judgeScore: func(call int) float64 {
			if call <= 3 {
				return 50 // first round rejects coherently
			}
			return 90
		},
		proposal: `[{"role": "analyst", "instruction": "rework the weak sections of the deliverable"}]`,
	}
	s := NewSession(testConfig(), client, nil)

	if err := s.Start(context.Background(), "rework goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sum := s.Summarize()
	// 8 seeded + 1 sub-task + 1 replacement synthesizer + 3 fresh judges
	if sum.Total != 13 {
		t.Fatalf("Expected 13 nodes after re-expansion, got %d", sum.Total)
	}
	if sum.Complete != 13 || sum.Errored != 0 {
		t.Fatalf("Expected all complete after rework, got %+v", sum)
	}

	nodes, _ := s.graph.GetAll()
	synths := 0
	for _, n := range nodes {
		if n.Kind == graph.KindSynthesizer {
			synths++
		}
	}
	if synths != 2 {
		t.Fatalf("Expected original + replacement synthesizer, got %d", synths)
	}
}

// TestSession_EscalationEndsInHumanReview walks the full 3 -> 5 -> 7 ladder
// with a persistent dissenter.
func TestSession_EscalationEndsInHumanReview(t *testing.T) {
	scores := []float64{95, 95, 5, 90, 90, 90, 90}
	client := &scriptedClient{
		judgeScore: func(call int) float64 {
			if call <= len(scores) {
				return scores[call-1]
			}
			return 90
		},
	}
	s := NewSession(testConfig(), client, nil)

	err := s.Start(context.Background(), "contested goal")
	if !errors.Is(err, ErrHumanReview) {
		t.Fatalf("Expected ErrHumanReview, got %v", err)
	}

	round := s.graph.LatestRound()
	if judges := len(s.graph.NodesInRound(round, graph.KindEvaluator)); judges != 7 {
		t.Fatalf("Expected the pool to grow to 7 judges, got %d", judges)
	}
	if client.judgeCalls != 7 {
		t.Fatalf("Expected 7 judge calls, got %d", client.judgeCalls)
	}
}

// TestSession_HardFailurePropagatesDownstream verifies a dead branch marks
// everything downstream errored and surfaces human review when decomposition
// cannot help.
func TestSession_HardFailurePropagatesDownstream(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxNodeFailures = 1
	client := &scriptedClient{
		analystErr: errors.New("model returned malformed content"),
		proposal:   "[]", // decomposition has nothing to offer
	}
	s := NewSession(cfg, client, nil)

	err := s.Start(context.Background(), "doomed goal")
	if !errors.Is(err, ErrHumanReview) {
		t.Fatalf("Expected ErrHumanReview, got %v", err)
	}

	sum := s.Summarize()
	if sum.Active != 0 {
		t.Fatalf("Nothing should stay active after a failed run, got %+v", sum)
	}
	// At least the failed analyst plus lead, synthesizer, and judges.
	if sum.Errored < 5 {
		t.Fatalf("Expected downstream error propagation, got %+v", sum)
	}
	for _, kind := range []graph.Kind{graph.KindLead, graph.KindSynthesizer} {
		nodes, _ := s.graph.GetAll()
		for _, n := range nodes {
			if n.Kind == kind && n.Status != graph.StatusError {
				t.Fatalf("Downstream %s node %s not errored: %s", kind, n.ID, n.Status)
			}
		}
	}
}

// TestEngine_DetectsDeadlock verifies a graph with an unsatisfiable
// dependency terminates with ErrDeadlock instead of hanging.
func TestEngine_DetectsDeadlock(t *testing.T) {
	s := NewSession(testConfig(), &scriptedClient{}, nil)
	s.graph.Load([]graph.Node{
		{ID: "stuck", Kind: graph.KindAnalyst, Status: graph.StatusPending,
			Dependencies: []string{"ghost"}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.engine.Run(ctx, "deadlock goal")
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("Expected ErrDeadlock, got %v", err)
	}
}

// TestEngine_ErroredDependencyTerminates verifies a pending node behind a
// permanently errored dependency ends the run with a reported failure rather
// than polling forever.
func TestEngine_ErroredDependencyTerminates(t *testing.T) {
	s := NewSession(testConfig(), &scriptedClient{}, nil)
	s.graph.Load([]graph.Node{
		{ID: "dead", Kind: graph.KindAnalyst, Status: graph.StatusError},
		{ID: "blocked", Kind: graph.KindLead, Status: graph.StatusPending,
			Dependencies: []string{"dead"}},
	}, []graph.Edge{{Source: "dead", Target: "blocked"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.engine.Run(ctx, "blocked goal")
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected failure termination, got %v", err)
	}

	blocked, _ := s.graph.Get("blocked")
	if blocked.Status != graph.StatusError {
		t.Fatalf("Blocked node should inherit the error, got %s", blocked.Status)
	}
}

// TestEngine_AllJudgesErroredTerminates verifies a round whose judges all
// died, as after resuming a failed run, ends the run with a reported failure
// instead of waiting forever for a verdict.
func TestEngine_AllJudgesErroredTerminates(t *testing.T) {
	s := NewSession(testConfig(), &scriptedClient{}, nil)
	round := graph.NewRoundID()
	nodes := []graph.Node{
		{ID: "synth", Kind: graph.KindSynthesizer, Status: graph.StatusComplete,
			Output: "the deliverable", Round: round},
	}
	for i := 0; i < 3; i++ {
		nodes = append(nodes, graph.Node{
			ID: fmt.Sprintf("judge-%d", i), Kind: graph.KindEvaluator, Round: round,
			Status: graph.StatusError, LastError: "dependency synth failed",
			Dependencies: []string{"synth"},
		})
	}
	s.graph.Load(nodes, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.engine.Run(ctx, "resumed goal")
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected failure termination, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed without remediation") {
		t.Fatalf("Expected unremediated-failure report, got %v", err)
	}
}

// countingRecorder tallies knowledge-graph writes.
type countingRecorder struct {
	mu    sync.Mutex
	nodes int
	edges int
}

func (r *countingRecorder) AddNode(context.Context, string, string, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes++
	return nil
}

func (r *countingRecorder) AddEdge(context.Context, string, string, string, float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges++
	return nil
}

// TestSession_MirrorsCompletedWorkIntoKnowledgeGraph verifies every completed
// node and its dependency edges are copied into the knowledge graph.
func TestSession_MirrorsCompletedWorkIntoKnowledgeGraph(t *testing.T) {
	s := NewSession(testConfig(), &scriptedClient{}, nil)
	rec := &countingRecorder{}
	s.knows = rec
	s.engine.knows = rec

	if err := s.Start(context.Background(), "mirrored goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Goal record + 8 completed nodes.
	if rec.nodes != 9 {
		t.Fatalf("Expected 9 knowledge nodes, got %d", rec.nodes)
	}
	// 3 analyst->lead, 1 lead->synthesizer, 3 synthesizer->judge.
	if rec.edges != 7 {
		t.Fatalf("Expected 7 knowledge edges, got %d", rec.edges)
	}
}

// TestSession_AbortRollsBackInFlightNodes verifies cancellation leaves every
// in-flight node pending and resumable.
func TestSession_AbortRollsBackInFlightNodes(t *testing.T) {
	client := &scriptedClient{blockOnCtx: true}
	s := NewSession(testConfig(), client, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background(), "aborted goal") }()

	// Wait until the analysts are in flight, then abort.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Summarize().Active > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.Abort()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after abort")
	}

	sum := s.Summarize()
	if sum.Active != 0 {
		t.Fatalf("Expected no active nodes after abort, got %d", sum.Active)
	}
	if sum.Errored != 0 {
		t.Fatalf("Abort must not record failures, got %d errored", sum.Errored)
	}
	if sum.Pending != sum.Total {
		t.Fatalf("All nodes should be pending for resume, got %+v", sum)
	}
}

// TestSession_RuntimeTuning covers the mid-run control surface.
func TestSession_RuntimeTuning(t *testing.T) {
	s := NewSession(testConfig(), &scriptedClient{}, nil)

	s.UpdateConcurrency(2)
	if s.gate.Max() != 2 {
		t.Fatalf("Expected gate max 2, got %d", s.gate.Max())
	}
	s.UpdateConcurrency(0)
	if s.gate.Max() != 1 {
		t.Fatalf("Expected clamp to 1, got %d", s.gate.Max())
	}
	s.UpdateRateLimits(30, 2000) // effective next acquisition; no observable panic here
}

// TestSession_ResetRefusedWhileRunning guards the destructive path.
func TestSession_ResetRefusedWhileRunning(t *testing.T) {
	client := &scriptedClient{blockOnCtx: true}
	s := NewSession(testConfig(), client, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background(), "running goal") }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Summarize().Active > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Reset(context.Background()); err == nil {
		t.Fatal("Reset should be refused while running")
	}
	s.Abort()
	<-errc

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset after stop failed: %v", err)
	}
	if s.graph.Count() != 0 {
		t.Fatalf("Reset left %d nodes", s.graph.Count())
	}
}
