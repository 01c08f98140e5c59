// Package store implements the durable document store backing the task graph:
// bulk upsert/query per entity type (nodes, edges, run logs, memory records,
// knowledge-graph records) over SQLite. Whole-expansion commits run inside a
// single transaction so a batch of nodes plus edges lands together or not at
// all.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hivemind/internal/graph"
	"hivemind/internal/logging"

	_ "modernc.org/sqlite"
)

// DocStore is the SQLite-backed document store.
type DocStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*DocStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &DocStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logging.Store("Document store ready at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *DocStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *DocStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			instruction TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			dependencies TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 0,
			has_score INTEGER NOT NULL DEFAULT 0,
			artifacts TEXT,
			round_id TEXT NOT NULL DEFAULT '',
			depth INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			PRIMARY KEY (source, target)
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			persona TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kg_nodes (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			layer TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kg_edges (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			relation TEXT NOT NULL DEFAULT '',
			weight REAL NOT NULL DEFAULT 1,
			PRIMARY KEY (source, target, relation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_round ON nodes(round_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_persona ON memory_records(persona)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertNodes writes a batch of node records in one transaction.
func (s *DocStore) UpsertNodes(ctx context.Context, nodes []graph.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertEdges writes a batch of edge records in one transaction.
func (s *DocStore) UpsertEdges(ctx context.Context, edges []graph.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEdgesTx(ctx, tx, edges); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitExpansion writes a whole expansion batch, nodes plus their dependency
// edges, in a single transaction. A crash never leaves nodes persisted
// without the edges that gate them.
func (s *DocStore) CommitExpansion(ctx context.Context, nodes []graph.Node, edges []graph.Edge) error {
	if len(nodes) == 0 && len(edges) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}
	if err := upsertEdgesTx(ctx, tx, edges); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertNodesTx(ctx context.Context, tx *sql.Tx, nodes []graph.Node) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO nodes
		(id, kind, instruction, persona, dependencies, status, output, score,
		 has_score, artifacts, round_id, depth, failures, last_error,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, output=excluded.output, score=excluded.score,
			has_score=excluded.has_score, artifacts=excluded.artifacts,
			failures=excluded.failures, last_error=excluded.last_error,
			updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range nodes {
		deps, err := json.Marshal(n.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to encode dependencies for %s: %w", n.ID, err)
		}
		var artifacts any
		if !n.Artifacts.Empty() {
			data, err := json.Marshal(n.Artifacts)
			if err != nil {
				return fmt.Errorf("failed to encode artifacts for %s: %w", n.ID, err)
			}
			artifacts = string(data)
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, string(n.Kind), n.Instruction, n.Persona, string(deps),
			string(n.Status), n.Output, n.Score, n.HasScore, artifacts,
			string(n.Round), n.Depth, n.Failures, n.LastError,
			n.CreatedAt.Unix(), n.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
		}
	}
	return nil
}

func upsertEdgesTx(ctx context.Context, tx *sql.Tx, edges []graph.Edge) error {
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO edges (source, target) VALUES (?, ?)`,
			e.Source, e.Target); err != nil {
			return fmt.Errorf("failed to upsert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return nil
}

// LoadGraph reads back every node and edge, used on session resume.
func (s *DocStore) LoadGraph(ctx context.Context) ([]graph.Node, []graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, instruction, persona,
		dependencies, status, output, score, has_score, artifacts, round_id,
		depth, failures, last_error, created_at, updated_at
		FROM nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var n graph.Node
		var deps string
		var artifacts sql.NullString
		var createdAt, updatedAt int64
		var kind, status, round string
		if err := rows.Scan(&n.ID, &kind, &n.Instruction, &n.Persona, &deps,
			&status, &n.Output, &n.Score, &n.HasScore, &artifacts, &round,
			&n.Depth, &n.Failures, &n.LastError, &createdAt, &updatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Kind = graph.Kind(kind)
		n.Status = graph.Status(status)
		n.Round = graph.RoundID(round)
		n.CreatedAt = time.Unix(createdAt, 0)
		n.UpdatedAt = time.Unix(updatedAt, 0)
		if err := json.Unmarshal([]byte(deps), &n.Dependencies); err != nil {
			return nil, nil, fmt.Errorf("corrupt dependencies for node %s: %w", n.ID, err)
		}
		if artifacts.Valid && artifacts.String != "" {
			var a graph.Artifacts
			if err := json.Unmarshal([]byte(artifacts.String), &a); err == nil {
				n.Artifacts = &a
			}
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx, `SELECT source, target FROM edges`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []graph.Edge
	for edgeRows.Next() {
		var e graph.Edge
		if err := edgeRows.Scan(&e.Source, &e.Target); err != nil {
			return nil, nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}

// ResetGraph deletes all nodes and edges together.
func (s *DocStore) ResetGraph(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"nodes", "edges", "run_logs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
