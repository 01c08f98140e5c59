package scheduler

import (
	"context"
	"fmt"
	"sync"

	"hivemind/internal/config"
	"hivemind/internal/consensus"
	"hivemind/internal/decompose"
	"hivemind/internal/executor"
	"hivemind/internal/gate"
	"hivemind/internal/graph"
	"hivemind/internal/knowledge"
	"hivemind/internal/logging"
	"hivemind/internal/memory"
	"hivemind/internal/provider"
	"hivemind/internal/ratelimit"
	"hivemind/internal/store"
)

// analystFramings are the perspectives the seed analysts take on the goal.
type analystFraming struct {
	persona string
	angle   string
}

var analystFramings = []analystFraming{
	{"systems analyst", "Analyze the technical architecture and components this goal requires."},
	{"risk analyst", "Identify the risks, failure modes, and open questions in this goal."},
	{"domain analyst", "Analyze the domain requirements and success criteria behind this goal."},
	{"constraints analyst", "Identify the constraints, dependencies, and trade-offs this goal implies."},
	{"operations analyst", "Analyze how the result of this goal would be deployed, operated, and maintained."},
}

// Session is the control surface over one workspace: it owns the wired
// component graph and exposes run, resume, abort, and runtime tuning.
type Session struct {
	cfg     *config.Config
	graph   *graph.Store
	docs    *store.DocStore
	gate    *gate.Gate
	limiter *ratelimit.Limiter
	exec    *executor.Executor
	engine  *Engine

	knows knowledge.Recorder

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewSession wires all components. docs may be nil for an ephemeral,
// in-memory-only session.
func NewSession(cfg *config.Config, client provider.Client, docs *store.DocStore) *Session {
	var persister graph.Persister
	var mem memory.Store = memory.Noop{}
	var knows knowledge.Recorder = knowledge.Noop{}
	if docs != nil {
		persister = docs
		mem = memory.NewSQLiteStore(docs)
		knows = knowledge.NewSQLiteRecorder(docs)
	}

	g := graph.NewStore(persister)
	gt := gate.New(cfg.Limits.MaxConcurrent)
	limiter := ratelimit.New(cfg.Limits.RequestsPerMinute, cfg.Limits.RequestsPerDay)
	exec := executor.New(g, gt, limiter, client, mem, cfg.Limits, cfg.LLM)
	judges := consensus.NewCoordinator(g, cfg.Consensus)
	controller := decompose.New(g, client, judges, cfg.LLM,
		cfg.Session.MaxGraphNodes, cfg.Session.MaxNodeFailures)

	return &Session{
		cfg:     cfg,
		graph:   g,
		docs:    docs,
		gate:    gt,
		limiter: limiter,
		exec:    exec,
		engine:  NewEngine(g, exec, judges, controller, docs, knows),
		knows:   knows,
	}
}

// Graph exposes the task graph for status reporting.
func (s *Session) Graph() *graph.Store {
	return s.graph
}

// Start seeds the initial expansion for a goal and runs it to termination.
func (s *Session) Start(ctx context.Context, goal string) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.end()

	if err := s.seed(runCtx, goal); err != nil {
		return err
	}
	return s.engine.Run(runCtx, goal)
}

// Resume reloads a persisted graph and continues the run. Nodes that were
// in flight when the previous run stopped come back as pending and re-run.
func (s *Session) Resume(ctx context.Context, goal string) error {
	if s.docs == nil {
		return fmt.Errorf("resume requires a persistent store")
	}
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.end()

	nodes, edges, loadErr := s.docs.LoadGraph(runCtx)
	if loadErr != nil {
		return fmt.Errorf("failed to load persisted graph: %w", loadErr)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no persisted graph to resume")
	}
	s.graph.Load(nodes, edges)
	logging.Session("Resumed graph: %d nodes, %d edges", len(nodes), len(edges))
	return s.engine.Run(runCtx, goal)
}

func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("session already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	return runCtx, nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
}

// Abort cancels the run. In-flight nodes roll back to pending, so a later
// Resume picks up where the run stopped.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		logging.Session("Abort requested")
		s.cancel()
	}
}

// Reset clears the graph in memory and in the persistent mirror.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cannot reset a running session")
	}
	s.mu.Unlock()
	logging.Session("Session reset")
	return s.graph.Reset(ctx)
}

// UpdateConcurrency changes the parallelism bound mid-run. Raising it wakes
// queued nodes immediately; lowering it drains naturally as slots release.
func (s *Session) UpdateConcurrency(n int) {
	s.gate.SetMax(n)
	logging.Session("Concurrency bound set to %d", s.gate.Max())
}

// UpdateRateLimits swaps the request budget mid-run, effective from the next
// slot acquisition.
func (s *Session) UpdateRateLimits(rpm, rpd int) {
	s.limiter.Reconfigure(rpm, rpd)
	logging.Session("Rate limits set to %d/min, %d/day", rpm, rpd)
}

// seed commits the initial graph for a goal: parallel analysts fanning into a
// lead, a synthesizer producing the deliverable, and the first judge round on
// the synthesizer.
func (s *Session) seed(ctx context.Context, goal string) error {
	round := graph.NewRoundID()
	count := s.cfg.Session.AnalystCount
	if count > len(analystFramings) {
		count = len(analystFramings)
	}

	nodes := make([]graph.Node, 0, count+2)
	analystIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		f := analystFramings[i]
		id := graph.NewNodeID(graph.KindAnalyst)
		analystIDs = append(analystIDs, id)
		nodes = append(nodes, graph.Node{
			ID:          id,
			Kind:        graph.KindAnalyst,
			Persona:     f.persona,
			Round:       round,
			Instruction: fmt.Sprintf("%s\n\nGoal: %s", f.angle, goal),
		})
	}

	leadID := graph.NewNodeID(graph.KindLead)
	nodes = append(nodes, graph.Node{
		ID:           leadID,
		Kind:         graph.KindLead,
		Round:        round,
		Dependencies: analystIDs,
		Instruction:  "Reconcile the analyst findings into a single coherent direction for the goal: " + goal,
	})

	synthID := graph.NewNodeID(graph.KindSynthesizer)
	nodes = append(nodes, graph.Node{
		ID:           synthID,
		Kind:         graph.KindSynthesizer,
		Round:        round,
		Dependencies: []string{leadID},
		Instruction:  "Produce the deliverable for the goal: " + goal,
	})

	if err := s.graph.CommitExpansion(ctx, nodes, nil); err != nil {
		return fmt.Errorf("failed to seed graph: %w", err)
	}
	if err := s.engine.judges.SpawnJudges(ctx, round, []string{synthID}, goal,
		s.engine.judges.FirstTier(), 0); err != nil {
		return err
	}

	if err := s.knows.AddNode(ctx, "goal-"+string(round), goal, "intent", goal); err != nil {
		logging.Get(logging.CategoryMemory).Warn("Failed to record goal in knowledge graph: %v", err)
	}
	logging.Session("Seeded %d analysts, lead %s, synthesizer %s (round %s)",
		count, leadID, synthID, round)
	return nil
}

// Summary is a point-in-time view of the run for status reporting.
type Summary struct {
	Total    int
	Pending  int
	Active   int
	Complete int
	Errored  int
	InUse    int
	MaxConc  int
	Requests int
}

// Summarize counts node states plus gate and limiter occupancy.
func (s *Session) Summarize() Summary {
	nodes, _ := s.graph.GetAll()
	sum := Summary{
		Total:    len(nodes),
		InUse:    s.gate.InUse(),
		MaxConc:  s.gate.Max(),
		Requests: s.limiter.DayCount(),
	}
	for _, n := range nodes {
		switch n.Status {
		case graph.StatusPending:
			sum.Pending++
		case graph.StatusActive:
			sum.Active++
		case graph.StatusComplete:
			sum.Complete++
		case graph.StatusError:
			sum.Errored++
		}
	}
	return sum
}
