package store

import (
	"context"
	"fmt"
	"time"
)

// RunLog is one append-only run event, mirroring scheduler/executor activity
// for the CLI status view.
type RunLog struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendLog records a run event.
func (s *DocStore) AppendLog(ctx context.Context, event, nodeID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (event, node_id, message, created_at) VALUES (?, ?, ?, ?)`,
		event, nodeID, message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest run events, newest first.
func (s *DocStore) RecentLogs(ctx context.Context, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, node_id, message, created_at FROM run_logs
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var logs []RunLog
	for rows.Next() {
		var l RunLog
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.Event, &l.NodeID, &l.Message, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(createdAt, 0)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
