package executor

import "hivemind/internal/graph"

// roleSpec is the per-kind dispatch table: prompt framing, observability
// sub-phase, and which pipeline stages apply. Adding a role means adding a
// row here, not another branch chain.
type roleSpec struct {
	subPhase    string // logged while the node is active
	system      string // system prompt template
	usesMemory  bool   // analyst-type nodes get memory-context injection
	validated   bool   // run the quality gate before accepting output
	wantsScore  bool   // response must carry a numeric score
	isSynthesis bool   // response carries the artifacts triple
}

var roles = map[graph.Kind]roleSpec{
	graph.KindAnalyst: {
		subPhase:   "analyzing",
		usesMemory: true,
		validated:  true,
		system: `You are a domain analyst in a team of autonomous agents.
Research the assigned aspect of the goal and produce a focused, concrete
analysis. Be specific; do not hedge. Respond with JSON:
{"analysis": "...", "confidence": 0-100}`,
	},
	graph.KindLead: {
		subPhase:  "synthesizing",
		validated: true,
		system: `You are the team lead. Merge the analyst reports below into a
single coherent direction, resolving conflicts explicitly. Respond with JSON:
{"analysis": "...", "confidence": 0-100}`,
	},
	graph.KindSynthesizer: {
		subPhase:    "synthesizing",
		validated:   true,
		isSynthesis: true,
		system: `You are the synthesizer. Turn the upstream direction into a
deliverable. Respond with JSON:
{"specification": "...", "implementation_plan": "...", "justification": "..."}`,
	},
	graph.KindEvaluator: {
		subPhase:   "evaluating",
		wantsScore: true,
		system: `You are an independent judge. Evaluate the artifact below
against the original requirements. Score 0-100; a score of 0 is an explicit
veto reserved for fundamentally unacceptable work. Respond with JSON:
{"score": 0-100, "reasoning": "..."}`,
	},
	graph.KindArchitect: {
		subPhase:  "planning",
		validated: true,
		system: `You are the architect. Produce a targeted fix plan addressing
the rejection reasons below, preserving what already works. Respond with JSON:
{"analysis": "...", "confidence": 0-100}`,
	},
	graph.KindPlanner: {
		subPhase:  "planning",
		validated: true,
		system: `You are the planner. Break the goal below into concrete
sub-tasks. Respond with a JSON array:
[{"role": "analyst|architect|planner", "instruction": "..."}]`,
	},
}

func roleFor(kind graph.Kind) roleSpec {
	if spec, ok := roles[kind]; ok {
		return spec
	}
	// Unknown kinds cannot enter the graph; fall back to analyst framing.
	return roles[graph.KindAnalyst]
}
