package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseAction records one active-response attempt against a chat member.
type ResponseAction struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"` // "ban", "notify"
	ChatID    int64             `json:"chat_id"`
	AuthorID  int64             `json:"author_id"`
	IOC       string            `json:"ioc,omitempty"`
	Status    string            `json:"status"` // "ok", "failed", "skipped"
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Store) setupResponseTables() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS response_actions (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			author_id INTEGER NOT NULL,
			ioc TEXT,
			status TEXT NOT NULL,
			details TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_response_actions_author ON response_actions(author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_response_actions_created ON response_actions(created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("failed to execute response migration: %w", err)
		}
	}
	return nil
}

// AddResponseAction records a; ID and CreatedAt are filled in when empty.
func (s *Store) AddResponseAction(ctx context.Context, a ResponseAction) (string, error) {
	if a.ID == "" {
		a.ID = "act_" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO response_actions (
		id, action, chat_id, author_id, ioc, status, details, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Action, a.ChatID, a.AuthorID, a.IOC, a.Status, details, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save response action: %w", err)
	}
	return a.ID, nil
}

// ListResponseActions returns recorded actions for authorID (all authors
// when zero), newest first.
func (s *Store) ListResponseActions(ctx context.Context, authorID int64, limit int) ([]ResponseAction, error) {
	query := `SELECT id, action, chat_id, author_id, ioc, status, details, created_at
		FROM response_actions WHERE 1=1`
	var args []interface{}
	if authorID != 0 {
		query += " AND author_id = ?"
		args = append(args, authorID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query response actions: %w", err)
	}
	defer rows.Close()

	var out []ResponseAction
	for rows.Next() {
		var (
			a       ResponseAction
			details string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.ChatID, &a.AuthorID, &a.IOC, &a.Status, &details, &created); err != nil {
			return nil, fmt.Errorf("failed to scan response action: %w", err)
		}
		if details != "" {
			_ = json.Unmarshal([]byte(details), &a.Details)
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
