// Package graph holds the task graph: agent nodes, dependency edges, and the
// store that is the single source of truth for scheduling decisions.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of agent roles. It determines which prompt template,
// model, and retry policy apply to a node.
type Kind string

const (
	KindAnalyst     Kind = "analyst"
	KindLead        Kind = "lead"
	KindSynthesizer Kind = "synthesizer"
	KindEvaluator   Kind = "evaluator"
	KindArchitect   Kind = "architect"
	KindPlanner     Kind = "planner"
)

// Valid reports whether k is a known role.
func (k Kind) Valid() bool {
	switch k {
	case KindAnalyst, KindLead, KindSynthesizer, KindEvaluator, KindArchitect, KindPlanner:
		return true
	}
	return false
}

// Status is the node lifecycle state. Active subsumes role-specific sub-phases
// (evaluating, synthesizing, planning) which exist only in logs.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// RoundID correlates nodes spawned together in one expansion cycle. Consensus
// recomputation and judge escalation are always scoped to a single round.
type RoundID string

// NewRoundID mints a fresh round identifier.
func NewRoundID() RoundID {
	return RoundID("round-" + uuid.NewString()[:8])
}

// NewNodeID mints a node identifier with a readable role prefix.
func NewNodeID(kind Kind) string {
	return string(kind) + "-" + uuid.NewString()[:8]
}

// Artifacts is the structured sub-result triple produced by synthesis-type
// nodes.
type Artifacts struct {
	Specification      string `json:"specification,omitempty"`
	ImplementationPlan string `json:"implementation_plan,omitempty"`
	Justification      string `json:"justification,omitempty"`
}

// Empty reports whether no artifact field is set.
func (a *Artifacts) Empty() bool {
	return a == nil || (a.Specification == "" && a.ImplementationPlan == "" && a.Justification == "")
}

// Node is one schedulable unit of agent work.
type Node struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Instruction  string     `json:"instruction"`
	Persona      string     `json:"persona,omitempty"` // Judge persona for evaluator nodes
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       Status     `json:"status"`
	Output       string     `json:"output,omitempty"`
	Score        float64    `json:"score"`               // Confidence/consensus value, 0-100
	HasScore     bool       `json:"has_score,omitempty"` // False when the response carried no parseable score
	Artifacts    *Artifacts `json:"artifacts,omitempty"`
	Round        RoundID    `json:"round_id"`
	Depth        int        `json:"depth"` // Distance from nearest root; layout/termination only

	// Execution tracking
	Failures  int       `json:"failures"` // Hard failures; decomposition trigger counter
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge is a directed dependency: Target requires Source's completion.
// Edges are only ever added, never removed, except on full session reset.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
