// Package store persists per-request accounting to SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// RequestLog is one completed proxy request.
type RequestLog struct {
	ID                int64
	RequestID         string
	SessionID         string
	Provider          string
	Model             string
	Route             string
	AuthType          string
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
	Status            int
	DurationMs        int64
	CreatedAt         time.Time
}

// UsagePeriod aggregates request_log rows over a time window.
type UsagePeriod struct {
	Label        string `json:"label"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (request_id, session_id, provider, model, route, auth_type,
			input_tokens, output_tokens, cache_read_tokens, cache_create_tokens,
			status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.SessionID, l.Provider, l.Model, l.Route, l.AuthType,
		l.InputTokens, l.OutputTokens, l.CacheReadTokens, l.CacheCreateTokens,
		l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

// RecentRequestLogs returns up to limit rows, newest first.
func (s *Store) RecentRequestLogs(ctx context.Context, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, session_id, provider, model, route, auth_type,
			input_tokens, output_tokens, cache_read_tokens, cache_create_tokens,
			status, duration_ms, created_at
		FROM request_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.RequestID, &l.SessionID, &l.Provider, &l.Model,
			&l.Route, &l.AuthType, &l.InputTokens, &l.OutputTokens,
			&l.CacheReadTokens, &l.CacheCreateTokens, &l.Status, &l.DurationMs, &ts); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// QueryUsagePeriods returns usage for today, the last 7 days, and the
// last 30 days.
func (s *Store) QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	periods := []struct {
		label string
		since time.Time
	}{
		{"today", todayStart},
		{"7 days", now.Add(-7 * 24 * time.Hour)},
		{"30 days", now.Add(-30 * 24 * time.Hour)},
	}

	result := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
			FROM request_log WHERE created_at >= ?`, p.since.Unix())
		up := UsagePeriod{Label: p.label}
		if err := row.Scan(&up.Requests, &up.InputTokens, &up.OutputTokens); err != nil {
			return nil, err
		}
		result = append(result, up)
	}
	return result, nil
}

// PurgeOldLogs deletes rows created before the cutoff.
func (s *Store) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPurge deletes logs older than retention once a day until ctx ends.
func (s *Store) RunPurge(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeOldLogs(ctx, time.Now().Add(-retention))
		}
	}
}
