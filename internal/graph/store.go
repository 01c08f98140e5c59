package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hivemind/internal/logging"
)

// Persister mirrors graph mutations into a durable document store. Writes for
// a single logical mutation are expected to commit atomically on the persister
// side; CommitExpansion in particular must land a batch of nodes plus their
// edges together or not at all.
type Persister interface {
	UpsertNodes(ctx context.Context, nodes []Node) error
	UpsertEdges(ctx context.Context, edges []Edge) error
	CommitExpansion(ctx context.Context, nodes []Node, edges []Edge) error
	ResetGraph(ctx context.Context) error
}

// Store is the only shared mutable state in the system. All components treat
// it as the single source of truth and re-read nodes after every suspension
// point instead of caching them.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	order     []string // insertion order, for stable iteration
	edges     []Edge
	edgeSet   map[Edge]bool
	persister Persister

	// Coalesced commit notification; the scheduler blocks on this instead of
	// polling.
	notify chan struct{}
}

// NewStore creates an empty graph store. The persister may be nil.
func NewStore(persister Persister) *Store {
	return &Store{
		nodes:     make(map[string]*Node),
		edgeSet:   make(map[Edge]bool),
		persister: persister,
		notify:    make(chan struct{}, 1),
	}
}

// Watch returns a channel that receives a signal after every committed
// mutation. Signals are coalesced; receivers must re-scan the graph.
func (s *Store) Watch() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// CommitExpansion atomically adds a batch of new nodes plus their dependency
// edges. A node may depend on prior nodes or on earlier nodes in the same
// batch; anything else is rejected and nothing commits. This is the only way
// nodes enter the graph, which keeps the dependency relation acyclic by
// construction.
func (s *Store) CommitExpansion(ctx context.Context, nodes []Node, extraEdges []Edge) error {
	s.mu.Lock()

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("node with empty id in expansion batch")
		}
		if !n.Kind.Valid() {
			s.mu.Unlock()
			return fmt.Errorf("node %s has unknown kind %q", n.ID, n.Kind)
		}
		if _, exists := s.nodes[n.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("node id %s already exists", n.ID)
		}
		if known[n.ID] {
			s.mu.Unlock()
			return fmt.Errorf("duplicate node id %s in expansion batch", n.ID)
		}
		for _, dep := range n.Dependencies {
			if _, exists := s.nodes[dep]; !exists && !known[dep] {
				s.mu.Unlock()
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
		}
		known[n.ID] = true
	}
	for _, e := range extraEdges {
		if _, exists := s.nodes[e.Source]; !exists && !known[e.Source] {
			s.mu.Unlock()
			return fmt.Errorf("edge references unknown source %s", e.Source)
		}
		if _, exists := s.nodes[e.Target]; !exists && !known[e.Target] {
			s.mu.Unlock()
			return fmt.Errorf("edge references unknown target %s", e.Target)
		}
	}

	now := time.Now()
	newEdges := make([]Edge, 0, len(nodes)+len(extraEdges))
	committed := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		node := n
		if node.Status == "" {
			node.Status = StatusPending
		}
		node.CreatedAt = now
		node.UpdatedAt = now
		node.Depth = s.depthFor(&node)
		s.nodes[node.ID] = &node
		s.order = append(s.order, node.ID)
		committed = append(committed, node)
		for _, dep := range node.Dependencies {
			e := Edge{Source: dep, Target: node.ID}
			if !s.edgeSet[e] {
				s.edgeSet[e] = true
				s.edges = append(s.edges, e)
				newEdges = append(newEdges, e)
			}
		}
	}
	for _, e := range extraEdges {
		if !s.edgeSet[e] {
			s.edgeSet[e] = true
			s.edges = append(s.edges, e)
			newEdges = append(newEdges, e)
		}
	}
	s.mu.Unlock()

	logging.StoreDebug("Committed expansion: %d nodes, %d edges", len(committed), len(newEdges))
	if s.persister != nil {
		if err := s.persister.CommitExpansion(ctx, committed, newEdges); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to persist expansion: %v", err)
		}
	}
	s.signal()
	return nil
}

// depthFor computes distance from the nearest root. Callers hold s.mu.
func (s *Store) depthFor(n *Node) int {
	depth := 0
	for _, dep := range n.Dependencies {
		if parent, ok := s.nodes[dep]; ok && parent.Depth+1 > depth {
			depth = parent.Depth + 1
		}
	}
	return depth
}

// UpsertEdges adds explicit edges between existing nodes.
func (s *Store) UpsertEdges(ctx context.Context, edges []Edge) error {
	s.mu.Lock()
	added := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if _, ok := s.nodes[e.Source]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("edge references unknown source %s", e.Source)
		}
		if _, ok := s.nodes[e.Target]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("edge references unknown target %s", e.Target)
		}
		if !s.edgeSet[e] {
			s.edgeSet[e] = true
			s.edges = append(s.edges, e)
			added = append(added, e)
		}
	}
	s.mu.Unlock()

	s.persist(ctx, nil, added)
	s.signal()
	return nil
}

// Get returns a copy of one node.
func (s *Store) Get(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// GetAll returns copies of every node (in insertion order) and edge.
func (s *Store) GetAll() ([]Node, []Edge) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]Node, 0, len(s.order))
	for _, id := range s.order {
		nodes = append(nodes, *s.nodes[id])
	}
	edges := make([]Edge, len(s.edges))
	copy(edges, s.edges)
	return nodes, edges
}

// GetByStatus returns copies of all nodes with the given status.
func (s *Store) GetByStatus(status Status) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, id := range s.order {
		if s.nodes[id].Status == status {
			out = append(out, *s.nodes[id])
		}
	}
	return out
}

// Count returns the total node count, used against the graph-size ceiling.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Update applies fn to a node under the store lock and commits the result.
// Dependencies cannot be changed through Update; edges are append-only.
func (s *Store) Update(ctx context.Context, id string, fn func(*Node)) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown node %s", id)
	}
	deps := n.Dependencies
	fn(n)
	n.Dependencies = deps
	n.UpdatedAt = time.Now()
	updated := *n
	s.mu.Unlock()

	s.persist(ctx, []Node{updated}, nil)
	s.signal()
	return nil
}

// SetStatus is shorthand for the common status-only update.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.Update(ctx, id, func(n *Node) { n.Status = status })
}

// Runnable returns pending nodes whose dependencies are all complete.
func (s *Store) Runnable() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range n.Dependencies {
			parent, ok := s.nodes[dep]
			if !ok || parent.Status != StatusComplete {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, *n)
		}
	}
	return out
}

// PropagateErrors marks every pending node that depends on an errored node as
// errored itself, transitively, without executing it. Failure flows
// downstream; it never silently skips. Returns the nodes it marked.
func (s *Store) PropagateErrors(ctx context.Context) []Node {
	s.mu.Lock()
	var marked []Node
	for {
		changed := false
		for _, id := range s.order {
			n := s.nodes[id]
			if n.Status != StatusPending {
				continue
			}
			for _, dep := range n.Dependencies {
				if parent, ok := s.nodes[dep]; ok && parent.Status == StatusError {
					n.Status = StatusError
					n.LastError = fmt.Sprintf("dependency %s failed", dep)
					n.UpdatedAt = time.Now()
					marked = append(marked, *n)
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	s.mu.Unlock()

	if len(marked) > 0 {
		logging.Store("Propagated error status to %d downstream nodes", len(marked))
		s.persist(ctx, marked, nil)
		s.signal()
	}
	return marked
}

// NodesInRound returns nodes of a given kind within one round.
func (s *Store) NodesInRound(round RoundID, kind Kind) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.Round == round && n.Kind == kind {
			out = append(out, *n)
		}
	}
	return out
}

// LatestRound returns the round of the most recently added evaluator node.
func (s *Store) LatestRound() RoundID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.nodes[s.order[i]]
		if n.Kind == KindEvaluator {
			return n.Round
		}
	}
	return ""
}

// Reset clears the whole graph and its edges together. Only a session reset
// or mode switch may call this.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.nodes = make(map[string]*Node)
	s.order = nil
	s.edges = nil
	s.edgeSet = make(map[Edge]bool)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.ResetGraph(ctx); err != nil {
			return fmt.Errorf("failed to reset persisted graph: %w", err)
		}
	}
	s.signal()
	return nil
}

// persist mirrors changes into the document store. Persistence failures are
// logged, not propagated: the in-memory graph stays authoritative for the run
// and the next successful write re-converges the mirror.
func (s *Store) persist(ctx context.Context, nodes []Node, edges []Edge) {
	if s.persister == nil {
		return
	}
	if len(nodes) > 0 {
		if err := s.persister.UpsertNodes(ctx, nodes); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to persist %d nodes: %v", len(nodes), err)
		}
	}
	if len(edges) > 0 {
		if err := s.persister.UpsertEdges(ctx, edges); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to persist %d edges: %v", len(edges), err)
		}
	}
}

// Load replaces in-memory state from persisted records, used on resume.
// In-flight statuses roll back to pending so the work re-runs.
func (s *Store) Load(nodes []Node, edges []Edge) {
	s.mu.Lock()
	s.nodes = make(map[string]*Node, len(nodes))
	s.order = make([]string, 0, len(nodes))
	s.edges = nil
	s.edgeSet = make(map[Edge]bool)
	for _, n := range nodes {
		node := n
		if node.Status == StatusActive {
			node.Status = StatusPending
		}
		s.nodes[node.ID] = &node
		s.order = append(s.order, node.ID)
	}
	for _, e := range edges {
		if !s.edgeSet[e] {
			s.edgeSet[e] = true
			s.edges = append(s.edges, e)
		}
	}
	s.mu.Unlock()
	s.signal()
}
