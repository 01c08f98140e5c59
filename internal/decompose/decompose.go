// Package decompose handles failing branches: repeated execution failures and
// evaluator rejections are remediated by synthesizing replacement sub-tasks
// and splicing them into the graph. When remediation cannot proceed (no
// proposed tasks, or the graph-size ceiling), the run escalates to human
// review instead of looping.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hivemind/internal/config"
	"hivemind/internal/consensus"
	"hivemind/internal/graph"
	"hivemind/internal/logging"
	"hivemind/internal/provider"
)

// ErrHumanReview is the terminal "stop automatic expansion" signal,
// distinguished from a crash. The session surfaces it and goes idle.
var ErrHumanReview = errors.New("human review required")

// Controller synthesizes replacement sub-tasks for failing branches.
type Controller struct {
	graph    *graph.Store
	client   provider.Client
	judges   *consensus.Coordinator
	llm      config.LLMConfig
	maxNodes int
	maxFails int
}

// New creates a decomposition controller.
func New(g *graph.Store, client provider.Client, judges *consensus.Coordinator,
	llm config.LLMConfig, maxNodes, maxNodeFailures int) *Controller {
	return &Controller{
		graph:    g,
		client:   client,
		judges:   judges,
		llm:      llm,
		maxNodes: maxNodes,
		maxFails: maxNodeFailures,
	}
}

// proposedTask is one LLM-proposed replacement sub-task.
type proposedTask struct {
	Role        string `json:"role"`
	Instruction string `json:"instruction"`
}

// HandleNodeError is trigger path (a): a node failed execution. Below the
// failure threshold the node goes back to pending for a bounded local retry;
// at the threshold the branch is decomposed and the counter reset.
func (c *Controller) HandleNodeError(ctx context.Context, nodeID, goal string) error {
	node, ok := c.graph.Get(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	if node.Failures < c.maxFails {
		logging.Decompose("Node %s failure %d/%d, retrying", nodeID, node.Failures, c.maxFails)
		return c.graph.SetStatus(ctx, nodeID, graph.StatusPending)
	}
	logging.Decompose("Node %s exceeded %d failures, decomposing", nodeID, c.maxFails)
	return c.expand(ctx, node, goal, fmt.Sprintf(
		"The task below failed %d consecutive executions (last error: %s). "+
			"Break it into smaller, independently executable sub-tasks.",
		node.Failures, node.LastError))
}

// Decompose is trigger path (b), low-score branch: an evaluator round scored
// the artifact below the accept threshold.
func (c *Controller) Decompose(ctx context.Context, anchorID, goal string, outcome consensus.Outcome) error {
	anchor, ok := c.graph.Get(anchorID)
	if !ok {
		return fmt.Errorf("unknown anchor node %s", anchorID)
	}
	logging.Decompose("Decomposing after weak consensus on %s (avg %.1f)", anchorID, outcome.Average)
	return c.expand(ctx, anchor, goal, fmt.Sprintf(
		"A judge panel scored the artifact below the quality bar (average %.0f/100). "+
			"Propose sub-tasks that rework the weak parts.", outcome.Average))
}

// Correct is trigger path (b), veto branch: a judge issued an authoritative
// rejection. The remediation is a targeted fix rather than generic
// decomposition.
func (c *Controller) Correct(ctx context.Context, anchorID, goal, vetoReason string) error {
	anchor, ok := c.graph.Get(anchorID)
	if !ok {
		return fmt.Errorf("unknown anchor node %s", anchorID)
	}
	logging.Decompose("Correction loop for %s after veto", anchorID)
	return c.expand(ctx, anchor, goal, fmt.Sprintf(
		"A judge issued a hard veto with this reasoning:\n%s\n"+
			"Propose a focused fix plan (usually one architect task plus at most "+
			"two supporting tasks) that addresses the veto directly.", vetoReason))
}

// expand makes the one additional provider call, parses the proposed tasks,
// and splices a replacement branch into the graph: sub-tasks anchored on the
// originating node, a synthesizer joining them, and a fresh judge round on
// the synthesizer.
func (c *Controller) expand(ctx context.Context, anchor graph.Node, goal, reason string) error {
	tasks, err := c.proposeTasks(ctx, anchor, goal, reason)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		logging.Decompose("Decomposition yielded no tasks for %s", anchor.ID)
		return fmt.Errorf("decomposition of %s produced no sub-tasks: %w", anchor.ID, ErrHumanReview)
	}

	// The branch adds the sub-tasks, one synthesizer, and a first-tier judge
	// round.
	if c.graph.Count()+len(tasks)+1+c.judges.FirstTier() > c.maxNodes {
		logging.Decompose("Graph ceiling (%d nodes) reached, no further expansion", c.maxNodes)
		return fmt.Errorf("graph size ceiling %d reached: %w", c.maxNodes, ErrHumanReview)
	}

	round := graph.NewRoundID()
	nodes := make([]graph.Node, 0, len(tasks)+1+c.judges.FirstTier())
	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		kind := kindForRole(t.Role)
		id := graph.NewNodeID(kind)
		taskIDs = append(taskIDs, id)
		nodes = append(nodes, graph.Node{
			ID:           id,
			Kind:         kind,
			Round:        round,
			Instruction:  t.Instruction,
			Dependencies: []string{anchor.ID},
		})
	}
	synthID := graph.NewNodeID(graph.KindSynthesizer)
	nodes = append(nodes, graph.Node{
		ID:           synthID,
		Kind:         graph.KindSynthesizer,
		Round:        round,
		Instruction:  "Merge the corrected sub-task results into a revised deliverable for the goal: " + goal,
		Dependencies: taskIDs,
	})
	nodes = append(nodes, c.judges.JudgeNodes(round, []string{synthID}, goal, c.judges.FirstTier(), 0)...)

	// The whole replacement branch lands in one commit. The anchor flips only
	// afterward, so a failed splice leaves it errored and re-remediable
	// instead of complete with nothing attached.
	if err := c.graph.CommitExpansion(ctx, nodes, nil); err != nil {
		return fmt.Errorf("failed to splice replacement branch: %w", err)
	}

	// The anchor must read as complete so the replacement branch (and any
	// original dependents) can run; its failure counter resets with the
	// remediation.
	if err := c.graph.Update(ctx, anchor.ID, func(n *graph.Node) {
		if n.Status == graph.StatusError {
			n.Status = graph.StatusComplete
			if n.Output == "" {
				n.Output = "[superseded by decomposition round " + string(round) + "]"
			}
		}
		n.Failures = 0
		n.LastError = ""
	}); err != nil {
		return err
	}
	logging.Decompose("Spliced %d sub-tasks + synthesizer for %s (round %s)",
		len(tasks), anchor.ID, round)
	return nil
}

// proposeTasks asks the provider for replacement sub-tasks and parses the
// response tolerantly. A malformed response reads as zero tasks.
func (c *Controller) proposeTasks(ctx context.Context, anchor graph.Node, goal, reason string) ([]proposedTask, error) {
	prompt := fmt.Sprintf(`%s

Overall goal: %s

Original task (%s): %s

Respond with a JSON array only:
[{"role": "analyst|architect|planner", "instruction": "..."}]
Propose between 1 and 4 sub-tasks. Respond with [] if the task cannot be
meaningfully subdivided.`, reason, goal, anchor.Kind, anchor.Instruction)

	result, err := c.client.Generate(ctx, prompt, provider.Options{
		Model:       c.llm.ModelFor(string(graph.KindPlanner)),
		Temperature: c.llm.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("sub-task proposal failed: %w", err)
	}
	return parseTasks(result.Text), nil
}

// parseTasks extracts the proposed-task array from a possibly noisy response.
func parseTasks(raw string) []proposedTask {
	jsonStr := extractArray(raw)
	if jsonStr == "" {
		return nil
	}
	var tasks []proposedTask
	if err := json.Unmarshal([]byte(jsonStr), &tasks); err != nil {
		return nil
	}
	out := tasks[:0]
	for _, t := range tasks {
		if strings.TrimSpace(t.Instruction) != "" {
			out = append(out, t)
		}
	}
	return out
}

// extractArray finds the first balanced [...] span in a response.
func extractArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// kindForRole maps a proposed role string onto the closed kind set.
func kindForRole(role string) graph.Kind {
	switch graph.Kind(strings.ToLower(strings.TrimSpace(role))) {
	case graph.KindArchitect:
		return graph.KindArchitect
	case graph.KindPlanner:
		return graph.KindPlanner
	case graph.KindLead:
		return graph.KindLead
	default:
		return graph.KindAnalyst
	}
}
