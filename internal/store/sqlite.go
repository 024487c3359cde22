package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
)

// Store is the SQLite archive of detection records and response actions.
type Store struct {
	db *sql.DB
}

// Detection is an archived detection record.
type Detection struct {
	ID string `json:"id"`
	event.DetectionEvent
	CreatedAt time.Time `json:"created_at"`
}

// DetectionFilter narrows ListDetections. Zero values match everything.
type DetectionFilter struct {
	IOC          string
	ChatID       int64
	MinMalicious int
	Since        time.Time
	Limit        int
}

// Stats summarises the archive.
type Stats struct {
	Total        int       `json:"total"`
	Malicious    int       `json:"malicious"`
	DistinctIOCs int       `json:"distinct_iocs"`
	Latest       time.Time `json:"latest,omitempty"`
}

// NewStore opens (creating if needed) the archive at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriver, dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			integration_source TEXT NOT NULL,
			source_chat TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			author_id INTEGER NOT NULL,
			message_snippet TEXT NOT NULL,
			ioc TEXT NOT NULL,
			ioc_type TEXT NOT NULL,
			malicious INTEGER NOT NULL,
			total_engines INTEGER NOT NULL,
			permalink TEXT NOT NULL,
			cyber_score REAL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_ioc ON detections(ioc)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_chat_id ON detections(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_malicious ON detections(malicious)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return s.setupResponseTables()
}

// SaveDetection archives ev and returns its generated id.
func (s *Store) SaveDetection(ctx context.Context, ev event.DetectionEvent) (string, error) {
	id := "det_" + uuid.NewString()

	var score sql.NullFloat64
	if ev.AIClassification != nil {
		score = sql.NullFloat64{Float64: ev.AIClassification.CyberScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO detections (
		id, timestamp, integration_source, source_chat, chat_id, author_id,
		message_snippet, ioc, ioc_type, malicious, total_engines, permalink,
		cyber_score, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.Timestamp.UnixMilli(), ev.IntegrationSource, ev.SourceChat, ev.ChatID, ev.AuthorID,
		ev.MessageSnippet, ev.IOC, string(ev.IOCType), ev.VirusTotal.Malicious, ev.VirusTotal.TotalEngines,
		ev.VirusTotal.Permalink, score, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save detection: %w", err)
	}
	return id, nil
}

// ListDetections returns archived detections, newest first.
func (s *Store) ListDetections(ctx context.Context, f DetectionFilter) ([]Detection, error) {
	query := `SELECT id, timestamp, integration_source, source_chat, chat_id, author_id,
		message_snippet, ioc, ioc_type, malicious, total_engines, permalink,
		cyber_score, created_at
		FROM detections WHERE 1=1`
	var args []interface{}

	if f.IOC != "" {
		query += " AND ioc = ?"
		args = append(args, f.IOC)
	}
	if f.ChatID != 0 {
		query += " AND chat_id = ?"
		args = append(args, f.ChatID)
	}
	if f.MinMalicious > 0 {
		query += " AND malicious >= ?"
		args = append(args, f.MinMalicious)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var (
			d        Detection
			ts, made int64
			kind     string
			score    sql.NullFloat64
		)
		err := rows.Scan(&d.ID, &ts, &d.IntegrationSource, &d.SourceChat, &d.ChatID, &d.AuthorID,
			&d.MessageSnippet, &d.IOC, &kind, &d.VirusTotal.Malicious, &d.VirusTotal.TotalEngines,
			&d.VirusTotal.Permalink, &score, &made)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.Timestamp = time.UnixMilli(ts).UTC()
		d.CreatedAt = time.UnixMilli(made).UTC()
		d.IOCType = ioc.Kind(kind)
		if score.Valid {
			d.AIClassification = &event.AIClassification{CyberScore: score.Float64, IsRelevant: true}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats counts archived detections; threshold decides what counts as
// malicious.
func (s *Store) Stats(ctx context.Context, threshold int) (Stats, error) {
	var (
		st     Stats
		latest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN malicious >= ? THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT ioc),
		MAX(timestamp)
		FROM detections`, threshold).Scan(&st.Total, &st.Malicious, &st.DistinctIOCs, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	if latest.Valid {
		st.Latest = time.UnixMilli(latest.Int64).UTC()
	}
	return st, nil
}

// LatestVerdict returns the most recent archived verdict for value. It lets
// operators see what the pipeline last concluded without spending quota.
func (s *Store) LatestVerdict(ctx context.Context, value string) (reputation.Result, time.Time, bool, error) {
	var (
		r  reputation.Result
		ts int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT malicious, total_engines, permalink, timestamp
		FROM detections WHERE ioc = ? ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
		strings.TrimSpace(value)).Scan(&r.Malicious, &r.TotalEngines, &r.Permalink, &ts)
	if err == sql.ErrNoRows {
		return reputation.Result{}, time.Time{}, false, nil
	}
	if err != nil {
		return reputation.Result{}, time.Time{}, false, fmt.Errorf("failed to query verdict: %w", err)
	}
	return r, time.UnixMilli(ts).UTC(), true, nil
}

// PurgeBefore deletes detections older than cutoff and returns how many
// rows went.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge detections: %w", err)
	}
	return res.RowsAffected()
}
