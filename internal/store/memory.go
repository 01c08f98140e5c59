package store

import (
	"context"
	"fmt"
	"time"
)

// MemoryRecord is one stored memory entry for a persona.
type MemoryRecord struct {
	ID        int64     `json:"id"`
	Persona   string    `json:"persona"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AddMemory stores a memory record for a persona.
func (s *DocStore) AddMemory(ctx context.Context, persona, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (persona, content, created_at) VALUES (?, ?, ?)`,
		persona, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add memory record: %w", err)
	}
	return nil
}

// MemoriesFor returns the most recent records for a persona, newest first.
func (s *DocStore) MemoriesFor(ctx context.Context, persona string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona, content, created_at FROM memory_records
		 WHERE persona = ? ORDER BY id DESC LIMIT ?`, persona, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory records: %w", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Persona, &r.Content, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddKGNode records an observational knowledge-graph node.
func (s *DocStore) AddKGNode(ctx context.Context, id, label, layer, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kg_nodes (id, label, layer, content, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET label=excluded.label, layer=excluded.layer, content=excluded.content`,
		id, label, layer, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add kg node: %w", err)
	}
	return nil
}

// AddKGEdge records an observational knowledge-graph edge.
func (s *DocStore) AddKGEdge(ctx context.Context, from, to, relation string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kg_edges (source, target, relation, weight) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, target, relation) DO UPDATE SET weight=excluded.weight`,
		from, to, relation, weight)
	if err != nil {
		return fmt.Errorf("failed to add kg edge: %w", err)
	}
	return nil
}
