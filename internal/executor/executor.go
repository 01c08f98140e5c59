// Package executor runs a single node to completion: it acquires the
// concurrency gate and a rate-limiter slot, assembles the input context from
// completed dependencies, calls the text-generation provider, parses and
// quality-gates the result, and commits the final node state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hivemind/internal/config"
	"hivemind/internal/gate"
	"hivemind/internal/graph"
	"hivemind/internal/logging"
	"hivemind/internal/memory"
	"hivemind/internal/provider"
	"hivemind/internal/ratelimit"
)

// Executor drives the per-node state machine
// pending -> active(sub-phase) -> {complete | error}.
type Executor struct {
	graph   *graph.Store
	gate    *gate.Gate
	limiter *ratelimit.Limiter
	client  provider.Client
	memory  memory.Store
	limits  config.LimitsConfig
	llm     config.LLMConfig

	// sleep is injectable so tests can observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an executor. The memory store may be memory.Noop.
func New(g *graph.Store, gt *gate.Gate, limiter *ratelimit.Limiter, client provider.Client,
	mem memory.Store, limits config.LimitsConfig, llm config.LLMConfig) *Executor {
	return &Executor{
		graph:   g,
		gate:    gt,
		limiter: limiter,
		client:  client,
		memory:  mem,
		limits:  limits,
		llm:     llm,
		sleep:   sleepCtx,
	}
}

// SetLimits swaps the retry/validation policy at runtime.
func (e *Executor) SetLimits(limits config.LimitsConfig) {
	e.limits = limits
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs one node. A cancellation at any suspension point rolls the
// node back to pending so a future run can resume it; any non-quota provider
// error marks it errored for the decomposition controller.
func (e *Executor) Execute(ctx context.Context, nodeID string) error {
	if err := e.gate.Acquire(ctx); err != nil {
		// Cancelled while waiting: the node was never marked active and
		// stays eligible for a future run.
		return err
	}
	defer e.gate.Release()

	// Re-read after the suspension point; never act on a stale view.
	node, ok := e.graph.Get(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	if node.Status != graph.StatusPending {
		logging.ExecutorDebug("Skipping node %s: status %s", nodeID, node.Status)
		return nil
	}

	spec := roleFor(node.Kind)
	if err := e.graph.SetStatus(ctx, nodeID, graph.StatusActive); err != nil {
		return err
	}
	logging.Executor("Node %s active (%s, sub-phase=%s)", nodeID, node.Kind, spec.subPhase)

	parsed, err := e.run(ctx, node, spec)
	if err != nil {
		commitCtx := context.WithoutCancel(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Roll back for resume rather than recording a failure.
			_ = e.graph.SetStatus(commitCtx, nodeID, graph.StatusPending)
			logging.Executor("Node %s rolled back to pending on cancellation", nodeID)
			return err
		}
		_ = e.graph.Update(commitCtx, nodeID, func(n *graph.Node) {
			n.Status = graph.StatusError
			n.LastError = err.Error()
			n.Failures++
		})
		logging.Get(logging.CategoryExecutor).Error("Node %s failed: %v", nodeID, err)
		return err
	}

	if err := e.graph.Update(ctx, nodeID, func(n *graph.Node) {
		n.Status = graph.StatusComplete
		n.Output = parsed.Text
		n.Score = parsed.Score
		n.HasScore = parsed.HasScore
		n.Artifacts = parsed.Artifacts
	}); err != nil {
		return err
	}
	logging.Executor("Node %s complete (score=%.0f)", nodeID, parsed.Score)

	if spec.usesMemory {
		if err := e.memory.Record(ctx, string(node.Kind), parsed.Text); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Failed to record memory for %s: %v", nodeID, err)
		}
	}
	return nil
}

// run performs the generate/parse/validate loop for an active node.
func (e *Executor) run(ctx context.Context, node graph.Node, spec roleSpec) (parsedResponse, error) {
	prompt, err := e.buildInput(ctx, node, spec)
	if err != nil {
		return parsedResponse{}, err
	}

	var parsed parsedResponse
	temperature := e.llm.Temperature
	for attempt := 0; ; attempt++ {
		raw, err := e.generate(ctx, node, spec, prompt, temperature)
		if err != nil {
			return parsedResponse{}, err
		}
		parsed = parseResponse(raw)

		reason := ""
		if spec.validated {
			reason = validateOutput(parsed)
		}
		if spec.wantsScore && !parsed.HasScore {
			reason = "response carried no score"
		}
		if reason == "" || attempt >= e.limits.ValidationRetries {
			if reason != "" {
				// Content roles commit their best attempt; a scoreless judge
				// has no verdict to commit and must fail instead, or its zero
				// score would read as a vote.
				if spec.wantsScore && !parsed.HasScore {
					return parsedResponse{}, fmt.Errorf("no parseable score after %d attempts", attempt+1)
				}
				logging.Get(logging.CategoryExecutor).Warn(
					"Node %s: accepting output as-is after %d validation attempts (%s)",
					node.ID, attempt+1, reason)
			}
			return parsed, nil
		}

		// Re-attempt at adjusted sampling temperature.
		temperature += 0.15
		logging.ExecutorDebug("Node %s: validation failed (%s), retrying at temperature %.2f",
			node.ID, reason, temperature)
	}
}

// generate makes one provider call, transparently retrying quota violations
// with capped exponential backoff. The node's logical status shows pending
// while it waits, so observers see it as transient rather than stuck active.
func (e *Executor) generate(ctx context.Context, node graph.Node, spec roleSpec,
	prompt string, temperature float32) (string, error) {
	opts := provider.Options{
		Model:        e.llm.ModelFor(string(node.Kind)),
		SystemPrompt: spec.system,
		Temperature:  temperature,
	}

	for retry := 0; ; retry++ {
		if err := e.limiter.WaitForSlot(ctx); err != nil {
			return "", err
		}

		result, err := e.client.Generate(ctx, prompt, opts)
		if err == nil {
			return result.Text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !provider.IsQuota(err) {
			return "", err
		}

		wait := e.backoffFor(retry)
		logging.Executor("Node %s hit provider quota (retry %d), backing off %v", node.ID, retry, wait)
		_ = e.graph.SetStatus(ctx, node.ID, graph.StatusPending)
		if err := e.sleep(ctx, wait); err != nil {
			return "", err
		}
		_ = e.graph.SetStatus(ctx, node.ID, graph.StatusActive)
	}
}

// backoffFor returns base*2^retry clamped to the configured ceiling.
func (e *Executor) backoffFor(retry int) time.Duration {
	base := time.Duration(e.limits.BackoffBase)
	max := time.Duration(e.limits.BackoffMax)
	if retry > 16 {
		retry = 16
	}
	wait := base << uint(retry)
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

// buildInput assembles the node's input context: completed dependency outputs
// with their scores and artifacts, then the node's own instruction, with
// memory-context injection for analyst-type roles.
func (e *Executor) buildInput(ctx context.Context, node graph.Node, spec roleSpec) (string, error) {
	instruction := node.Instruction
	if spec.usesMemory {
		enriched, err := e.memory.InjectContext(ctx, string(node.Kind), instruction)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("Memory injection failed for %s: %v", node.ID, err)
		} else {
			instruction = enriched
		}
	}

	if len(node.Dependencies) == 0 {
		return instruction, nil
	}

	var sb strings.Builder
	sb.WriteString("## Inputs from upstream agents\n\n")
	for _, depID := range node.Dependencies {
		dep, ok := e.graph.Get(depID)
		if !ok {
			return "", fmt.Errorf("node %s references missing dependency %s", node.ID, depID)
		}
		if dep.Status != graph.StatusComplete {
			return "", fmt.Errorf("node %s dispatched before dependency %s completed", node.ID, depID)
		}
		fmt.Fprintf(&sb, "### %s (%s, confidence %.0f)\n%s\n\n", dep.ID, dep.Kind, dep.Score, dep.Output)
		if !dep.Artifacts.Empty() {
			sb.WriteString("Structured artifacts:\n")
			if dep.Artifacts.Specification != "" {
				fmt.Fprintf(&sb, "- Specification: %s\n", dep.Artifacts.Specification)
			}
			if dep.Artifacts.ImplementationPlan != "" {
				fmt.Fprintf(&sb, "- Implementation plan: %s\n", dep.Artifacts.ImplementationPlan)
			}
			if dep.Artifacts.Justification != "" {
				fmt.Fprintf(&sb, "- Justification: %s\n", dep.Artifacts.Justification)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("## Your task\n")
	sb.WriteString(instruction)
	return sb.String(), nil
}
