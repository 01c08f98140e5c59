// Package knowledge is the knowledge-graph collaborator. It is observational
// only: the scheduler mirrors completed work into it and never reads it back
// for scheduling decisions.
package knowledge

import (
	"context"

	"hivemind/internal/store"
)

// Recorder receives knowledge-graph nodes and edges.
type Recorder interface {
	AddNode(ctx context.Context, id, label, layer, content string) error
	AddEdge(ctx context.Context, from, to, relation string, weight float64) error
}

// SQLiteRecorder persists the knowledge graph in the document store.
type SQLiteRecorder struct {
	docs *store.DocStore
}

// NewSQLiteRecorder wraps a document store.
func NewSQLiteRecorder(docs *store.DocStore) *SQLiteRecorder {
	return &SQLiteRecorder{docs: docs}
}

func (r *SQLiteRecorder) AddNode(ctx context.Context, id, label, layer, content string) error {
	return r.docs.AddKGNode(ctx, id, label, layer, content)
}

func (r *SQLiteRecorder) AddEdge(ctx context.Context, from, to, relation string, weight float64) error {
	return r.docs.AddKGEdge(ctx, from, to, relation, weight)
}

// Noop discards everything.
type Noop struct{}

func (Noop) AddNode(context.Context, string, string, string, string) error { return nil }
func (Noop) AddEdge(context.Context, string, string, string, float64) error {
	return nil
}
