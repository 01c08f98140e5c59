// Package memory is the long-term memory collaborator: pure context
// enrichment for analyst nodes, never an input to scheduling.
package memory

import (
	"context"
	"fmt"
	"strings"

	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Store enriches instructions with recalled context and records new output.
type Store interface {
	InjectContext(ctx context.Context, persona, baseInstruction string) (string, error)
	Record(ctx context.Context, persona, content string) error
}

// SQLiteStore backs Store with the document store's memory_records table.
type SQLiteStore struct {
	docs   *store.DocStore
	recall int // records injected per persona
}

// NewSQLiteStore wraps a document store.
func NewSQLiteStore(docs *store.DocStore) *SQLiteStore {
	return &SQLiteStore{docs: docs, recall: 3}
}

// InjectContext prepends the persona's recent memory to the instruction.
func (s *SQLiteStore) InjectContext(ctx context.Context, persona, baseInstruction string) (string, error) {
	records, err := s.docs.MemoriesFor(ctx, persona, s.recall)
	if err != nil {
		return "", fmt.Errorf("memory recall failed: %w", err)
	}
	if len(records) == 0 {
		return baseInstruction, nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant memory from earlier sessions:\n")
	for _, r := range records {
		sb.WriteString("- ")
		sb.WriteString(r.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(baseInstruction)

	logging.Get(logging.CategoryMemory).Debug("Injected %d memory records for persona %s", len(records), persona)
	return sb.String(), nil
}

// Record stores a new memory entry.
func (s *SQLiteStore) Record(ctx context.Context, persona, content string) error {
	if content == "" {
		return nil
	}
	return s.docs.AddMemory(ctx, persona, content)
}

// Noop is a memory store that enriches nothing, for tests and runs without
// persistence.
type Noop struct{}

func (Noop) InjectContext(_ context.Context, _ string, baseInstruction string) (string, error) {
	return baseInstruction, nil
}

func (Noop) Record(context.Context, string, string) error { return nil }
