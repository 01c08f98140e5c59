// Package consensus runs the multi-judge voting protocol for evaluator
// rounds: k independent judges score an artifact, and the spread of their
// scores decides whether to trust the average, escalate to a larger pool, or
// hand the decision to a human.
package consensus

import (
	"context"
	"fmt"

	"hivemind/internal/config"
	"hivemind/internal/graph"
	"hivemind/internal/logging"
)

// Decision is the outcome of evaluating one judge round.
type Decision string

const (
	// DecisionPending means judges are still outstanding.
	DecisionPending Decision = "pending"
	// DecisionAccept means the average met the accept threshold.
	DecisionAccept Decision = "accept"
	// DecisionEscalate means variance is high and a larger tier is available.
	DecisionEscalate Decision = "escalate"
	// DecisionVeto means a judge scored exactly 0, overriding the average.
	DecisionVeto Decision = "veto"
	// DecisionReject means a coherent pool scored below the threshold.
	DecisionReject Decision = "reject"
	// DecisionHumanReview means the largest pool still disagrees; automatic
	// escalation stops here.
	DecisionHumanReview Decision = "human_review"
	// DecisionAbandoned means every judge in the round errored or abstained,
	// so no verdict is possible and the round closes without one.
	DecisionAbandoned Decision = "abandoned"
)

// Outcome aggregates one round's judge scores into a decision.
type Outcome struct {
	Decision   Decision
	Average    float64
	Variance   float64
	JudgeCount int     // completed judges counted
	NextTier   int     // target pool size when escalating
	VetoReason string  // reasoning of the vetoing judge
	Round      graph.RoundID
}

// judgePersonas are the independent judge framings, assigned in order as a
// pool grows.
var judgePersonas = []string{
	"correctness judge",
	"completeness judge",
	"feasibility judge",
	"risk judge",
	"clarity judge",
	"requirements-fidelity judge",
	"pragmatism judge",
}

// Coordinator evaluates judge rounds and spawns escalation judges.
type Coordinator struct {
	graph *graph.Store
	cfg   config.ConsensusConfig
}

// NewCoordinator creates a consensus coordinator over the graph store.
func NewCoordinator(g *graph.Store, cfg config.ConsensusConfig) *Coordinator {
	return &Coordinator{graph: g, cfg: cfg}
}

// JudgeNodes constructs count evaluator nodes for a round without committing
// them, so callers can splice judges into a larger atomic expansion.
// startIndex offsets persona assignment so escalation judges get fresh
// framings.
func (c *Coordinator) JudgeNodes(round graph.RoundID, deps []string,
	requirements string, count, startIndex int) []graph.Node {
	nodes := make([]graph.Node, 0, count)
	for i := 0; i < count; i++ {
		persona := judgePersonas[(startIndex+i)%len(judgePersonas)]
		nodes = append(nodes, graph.Node{
			ID:           graph.NewNodeID(graph.KindEvaluator),
			Kind:         graph.KindEvaluator,
			Persona:      persona,
			Round:        round,
			Dependencies: deps,
			Instruction: fmt.Sprintf("Acting as the %s, evaluate the upstream artifact against the original requirements:\n%s",
				persona, requirements),
		})
	}
	return nodes
}

// SpawnJudges commits count evaluator nodes into the round, all depending on
// the same upstream artifact nodes.
func (c *Coordinator) SpawnJudges(ctx context.Context, round graph.RoundID, deps []string,
	requirements string, count, startIndex int) error {
	nodes := c.JudgeNodes(round, deps, requirements, count, startIndex)
	if err := c.graph.CommitExpansion(ctx, nodes, nil); err != nil {
		return fmt.Errorf("failed to spawn judges: %w", err)
	}
	logging.Consensus("Spawned %d judges for round %s (pool now %d)",
		count, round, len(c.graph.NodesInRound(round, graph.KindEvaluator)))
	return nil
}

// Evaluate computes the decision for a round. Judges are grouped strictly by
// round, so re-evaluations never mix scores from different expansion cycles.
func (c *Coordinator) Evaluate(round graph.RoundID) Outcome {
	judges := c.graph.NodesInRound(round, graph.KindEvaluator)
	outcome := Outcome{Decision: DecisionPending, Round: round}
	if len(judges) == 0 {
		return outcome
	}

	var completed []graph.Node
	for _, j := range judges {
		switch j.Status {
		case graph.StatusComplete:
			// A completed judge with no recorded score abstains. It carries no
			// verdict, so its zero Score must never read as a veto.
			if j.HasScore {
				completed = append(completed, j)
			}
		case graph.StatusPending, graph.StatusActive:
			// Round not done; defer the decision.
			return outcome
		case graph.StatusError:
			// Errored judges take the normal node-failure path and are
			// excluded from the vote.
		}
	}
	if len(completed) == 0 {
		// Nothing left to wait for and nobody voted. Close the round so the
		// run can terminate on the underlying node failures.
		outcome.Decision = DecisionAbandoned
		logging.Consensus("Round %s abandoned: no judge produced a usable score", round)
		return outcome
	}

	sum := 0.0
	for _, j := range completed {
		if j.Score == 0 {
			outcome.Decision = DecisionVeto
			outcome.JudgeCount = len(completed)
			outcome.VetoReason = fmt.Sprintf("%s (%s) vetoed: %s", j.ID, j.Persona, j.Output)
			logging.Consensus("Round %s vetoed by %s", round, j.ID)
			return outcome
		}
		sum += j.Score
	}
	avg := sum / float64(len(completed))
	variance := 0.0
	for _, j := range completed {
		d := j.Score - avg
		variance += d * d
	}
	variance /= float64(len(completed))

	outcome.Average = avg
	outcome.Variance = variance
	outcome.JudgeCount = len(completed)

	poolSize := len(judges)
	if variance > c.cfg.VarianceThreshold {
		if next, ok := c.nextTier(poolSize); ok {
			outcome.Decision = DecisionEscalate
			outcome.NextTier = next
			logging.Consensus("Round %s: variance %.1f exceeds %.1f at k=%d, escalating to k=%d",
				round, variance, c.cfg.VarianceThreshold, poolSize, next)
			return outcome
		}
		outcome.Decision = DecisionHumanReview
		logging.Consensus("Round %s: variance %.1f still high at max tier k=%d, requires human review",
			round, variance, poolSize)
		return outcome
	}

	if avg >= c.cfg.AcceptThreshold {
		outcome.Decision = DecisionAccept
		logging.Consensus("Round %s accepted: average %.1f (k=%d)", round, avg, outcome.JudgeCount)
	} else {
		outcome.Decision = DecisionReject
		logging.Consensus("Round %s rejected: average %.1f below %.1f (k=%d)",
			round, avg, c.cfg.AcceptThreshold, outcome.JudgeCount)
	}
	return outcome
}

// nextTier returns the next escalation pool size above current, if any.
func (c *Coordinator) nextTier(current int) (int, bool) {
	for _, tier := range c.cfg.JudgeTiers {
		if tier > current {
			return tier, true
		}
	}
	return 0, false
}

// FirstTier returns the initial judge pool size.
func (c *Coordinator) FirstTier() int {
	if len(c.cfg.JudgeTiers) == 0 {
		return 3
	}
	return c.cfg.JudgeTiers[0]
}
