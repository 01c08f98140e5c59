// Package scheduler drives the run: an event-driven loop that dispatches
// runnable nodes, remediates failures, applies judge-round outcomes, and
// decides when the graph is finished, deadlocked, or in need of a human.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hivemind/internal/consensus"
	"hivemind/internal/decompose"
	"hivemind/internal/executor"
	"hivemind/internal/graph"
	"hivemind/internal/knowledge"
	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// ErrDeadlock reports a graph where pending nodes remain but none can ever
// run. It signals a construction bug, not a transient condition.
var ErrDeadlock = errors.New("scheduler deadlock: pending nodes with unsatisfiable dependencies")

// ErrHumanReview mirrors the decomposition controller's terminal escalation
// so callers can match on either package.
var ErrHumanReview = decompose.ErrHumanReview

// Engine owns the tick loop for one run. It is the only consumer of the graph
// store's commit notifications.
type Engine struct {
	graph      *graph.Store
	exec       *executor.Executor
	judges     *consensus.Coordinator
	controller *decompose.Controller
	docs       *store.DocStore // optional run-log sink
	knows      knowledge.Recorder

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup

	// wake signals after an in-flight node is cleaned up. The store's commit
	// signal fires before the inflight entry clears, so the loop also needs a
	// post-cleanup nudge or it could block with a stale in-flight count.
	wake chan struct{}

	// resolved records judge rounds whose outcome was already acted on, so a
	// reject or veto triggers exactly one remediation.
	resolved map[graph.RoundID]consensus.Decision

	// mirrored tracks nodes already copied into the knowledge graph.
	mirrored map[string]bool
}

// NewEngine wires a scheduler engine. docs may be nil; knows may be
// knowledge.Noop.
func NewEngine(g *graph.Store, exec *executor.Executor, judges *consensus.Coordinator,
	controller *decompose.Controller, docs *store.DocStore, knows knowledge.Recorder) *Engine {
	return &Engine{
		graph:      g,
		exec:       exec,
		judges:     judges,
		controller: controller,
		docs:       docs,
		knows:      knows,
		inflight:   make(map[string]bool),
		wake:       make(chan struct{}, 1),
		resolved:   make(map[graph.RoundID]consensus.Decision),
		mirrored:   make(map[string]bool),
	}
}

// Run executes the loop until the graph completes, deadlocks, escalates to
// human review, or the context is cancelled. It never busy-waits: each
// iteration re-scans the graph, then blocks on the store's commit signal.
func (e *Engine) Run(ctx context.Context, goal string) error {
	watch := e.graph.Watch()
	logging.Scheduler("Run started: %q", goal)
	e.appendLog(ctx, "run_started", "", goal)

	defer e.wg.Wait()

	for {
		if ctx.Err() != nil {
			logging.Scheduler("Run cancelled, waiting for in-flight nodes")
			e.wg.Wait()
			e.appendLog(context.WithoutCancel(ctx), "run_cancelled", "", ctx.Err().Error())
			return ctx.Err()
		}

		if err := e.remediateFailures(ctx, goal); err != nil {
			return e.finish(ctx, err)
		}
		e.graph.PropagateErrors(ctx)

		if err := e.applyRoundOutcomes(ctx, goal); err != nil {
			return e.finish(ctx, err)
		}
		e.mirrorCompleted(ctx)

		dispatched := e.dispatchRunnable(ctx)

		pending := len(e.graph.GetByStatus(graph.StatusPending))
		active := e.activeCount()
		if pending == 0 && active == 0 && dispatched == 0 && !e.awaitingRound() {
			if errored := e.graph.GetByStatus(graph.StatusError); len(errored) > 0 {
				// Terminal propagated errors with nothing left to remediate,
				// possible when resuming a previously failed run.
				return e.finish(ctx, fmt.Errorf("run halted: %d nodes failed without remediation", len(errored)))
			}
			logging.Scheduler("Graph quiescent, run complete")
			return e.finish(ctx, nil)
		}
		if active == 0 && dispatched == 0 && pending > 0 {
			logging.Get(logging.CategoryScheduler).Error(
				"Deadlock: %d pending nodes, none runnable, none active", pending)
			return e.finish(ctx, fmt.Errorf("%w (%d pending)", ErrDeadlock, pending))
		}

		select {
		case <-ctx.Done():
		case <-watch:
		case <-e.wake:
		}
	}
}

// finish waits out in-flight work and records the terminal event.
func (e *Engine) finish(ctx context.Context, err error) error {
	e.wg.Wait()
	commitCtx := context.WithoutCancel(ctx)
	if err != nil {
		// Terminal failure: downstream of any dead node must read as failed,
		// never as silently skipped.
		e.graph.PropagateErrors(commitCtx)
	}
	e.mirrorCompleted(commitCtx)
	switch {
	case err == nil:
		e.appendLog(commitCtx, "run_complete", "", "all nodes complete")
	case errors.Is(err, ErrHumanReview):
		e.appendLog(commitCtx, "human_review", "", err.Error())
	default:
		e.appendLog(commitCtx, "run_failed", "", err.Error())
	}
	return err
}

// remediateFailures routes every freshly errored node through the
// decomposition controller: bounded retry below the failure threshold,
// branch decomposition at it. Nodes errored by propagation (zero failures)
// are terminal and skipped.
func (e *Engine) remediateFailures(ctx context.Context, goal string) error {
	for _, n := range e.graph.GetByStatus(graph.StatusError) {
		if n.Failures == 0 {
			continue
		}
		e.appendLog(ctx, "node_failed", n.ID, n.LastError)
		if err := e.controller.HandleNodeError(ctx, n.ID, goal); err != nil {
			return err
		}
	}
	return nil
}

// applyRoundOutcomes evaluates every judge round exactly once after its
// judges finish, and acts on the decision.
func (e *Engine) applyRoundOutcomes(ctx context.Context, goal string) error {
	for _, round := range e.judgeRounds() {
		if _, done := e.resolved[round]; done {
			continue
		}
		outcome := e.judges.Evaluate(round)
		switch outcome.Decision {
		case consensus.DecisionPending:
			continue

		case consensus.DecisionAccept:
			e.resolved[round] = outcome.Decision
			e.appendLog(ctx, "round_accepted", "", fmt.Sprintf(
				"round %s: average %.1f across %d judges", round, outcome.Average, outcome.JudgeCount))

		case consensus.DecisionAbandoned:
			// Every judge errored or abstained. Close the round so the loop
			// can reach a terminal state; the judges' own failures surface
			// through the normal error paths.
			e.resolved[round] = outcome.Decision
			e.appendLog(ctx, "round_abandoned", "", fmt.Sprintf(
				"round %s: no judge produced a usable score", round))

		case consensus.DecisionEscalate:
			judges := e.graph.NodesInRound(round, graph.KindEvaluator)
			extra := outcome.NextTier - len(judges)
			if extra <= 0 {
				e.resolved[round] = outcome.Decision
				continue
			}
			if err := e.judges.SpawnJudges(ctx, round, judges[0].Dependencies, goal,
				extra, len(judges)); err != nil {
				return err
			}
			e.appendLog(ctx, "round_escalated", "", fmt.Sprintf(
				"round %s: variance %.1f, pool grows to %d", round, outcome.Variance, outcome.NextTier))

		case consensus.DecisionHumanReview:
			e.resolved[round] = outcome.Decision
			return fmt.Errorf("round %s: judges disagree at maximum pool size (variance %.1f): %w",
				round, outcome.Variance, ErrHumanReview)

		case consensus.DecisionVeto:
			e.resolved[round] = outcome.Decision
			anchor, err := e.roundAnchor(round)
			if err != nil {
				return err
			}
			e.appendLog(ctx, "round_vetoed", anchor, outcome.VetoReason)
			if err := e.controller.Correct(ctx, anchor, goal, outcome.VetoReason); err != nil {
				return err
			}

		case consensus.DecisionReject:
			e.resolved[round] = outcome.Decision
			anchor, err := e.roundAnchor(round)
			if err != nil {
				return err
			}
			e.appendLog(ctx, "round_rejected", anchor, fmt.Sprintf(
				"round %s: average %.1f below threshold", round, outcome.Average))
			if err := e.controller.Decompose(ctx, anchor, goal, outcome); err != nil {
				return err
			}
		}
	}
	return nil
}

// mirrorCompleted copies newly completed nodes into the knowledge graph: one
// record per node plus an edge per dependency. The knowledge graph is
// observational, so mirror failures are logged and never stall the run.
func (e *Engine) mirrorCompleted(ctx context.Context) {
	for _, n := range e.graph.GetByStatus(graph.StatusComplete) {
		if e.mirrored[n.ID] {
			continue
		}
		label := n.Persona
		if label == "" {
			label = string(n.Kind)
		}
		if err := e.knows.AddNode(ctx, n.ID, label, string(n.Kind), n.Output); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Failed to mirror node %s into knowledge graph: %v", n.ID, err)
			continue
		}
		for _, dep := range n.Dependencies {
			if err := e.knows.AddEdge(ctx, dep, n.ID, "feeds", 1); err != nil {
				logging.Get(logging.CategoryMemory).Warn("Failed to mirror edge %s->%s: %v", dep, n.ID, err)
			}
		}
		e.mirrored[n.ID] = true
	}
}

// judgeRounds lists distinct rounds that contain evaluator nodes, oldest
// first.
func (e *Engine) judgeRounds() []graph.RoundID {
	nodes, _ := e.graph.GetAll()
	seen := make(map[graph.RoundID]bool)
	var out []graph.RoundID
	for _, n := range nodes {
		if n.Kind != graph.KindEvaluator || seen[n.Round] {
			continue
		}
		seen[n.Round] = true
		out = append(out, n.Round)
	}
	return out
}

// roundAnchor returns the artifact node a round's judges evaluated: the
// shared dependency of its evaluator nodes.
func (e *Engine) roundAnchor(round graph.RoundID) (string, error) {
	judges := e.graph.NodesInRound(round, graph.KindEvaluator)
	if len(judges) == 0 || len(judges[0].Dependencies) == 0 {
		return "", fmt.Errorf("round %s has no judged artifact", round)
	}
	return judges[0].Dependencies[0], nil
}

// awaitingRound reports whether any unresolved judge round is still pending a
// decision.
func (e *Engine) awaitingRound() bool {
	for _, round := range e.judgeRounds() {
		if _, done := e.resolved[round]; !done {
			return true
		}
	}
	return false
}

// dispatchRunnable launches a goroutine per runnable node not already in
// flight. The concurrency gate inside the executor bounds how many actually
// run at once; the rest queue on the gate.
func (e *Engine) dispatchRunnable(ctx context.Context) int {
	dispatched := 0
	for _, n := range e.graph.Runnable() {
		e.mu.Lock()
		if e.inflight[n.ID] {
			e.mu.Unlock()
			continue
		}
		e.inflight[n.ID] = true
		e.mu.Unlock()

		dispatched++
		nodeID := n.ID
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.inflight, nodeID)
				e.mu.Unlock()
				select {
				case e.wake <- struct{}{}:
				default:
				}
			}()
			if err := e.exec.Execute(ctx, nodeID); err != nil {
				logging.SchedulerDebug("Node %s returned: %v", nodeID, err)
			}
		}()
	}
	if dispatched > 0 {
		logging.Scheduler("Dispatched %d runnable nodes (%d in flight)", dispatched, e.activeCount())
	}
	return dispatched
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// appendLog mirrors a scheduler event into the run-log table.
func (e *Engine) appendLog(ctx context.Context, event, nodeID, message string) {
	if e.docs == nil {
		return
	}
	if err := e.docs.AppendLog(ctx, event, nodeID, message); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to append run log %s: %v", event, err)
	}
}
