// Package feedback stores classifier training feedback.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"a3sist/internal/domain"
)

// SQLiteStore implements domain.FeedbackStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.FeedbackStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate feedback db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS training_feedback (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			intent      TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_intent ON training_feedback(intent);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb domain.TrainingFeedback) error {
	if fb.RecordedAt.IsZero() {
		fb.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO training_feedback (request_id, prompt, intent, user_id, recorded_at) VALUES (?, ?, ?, ?, ?)",
		fb.RequestID, fb.Prompt, fb.Intent, fb.UserID, fb.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewSubSystemError("feedback", "SQLiteStore.SaveFeedback", domain.ErrFeedbackStore, err.Error())
	}
	return nil
}

// ListFeedback returns the most recent entries first. limit <= 0 returns all.
func (s *SQLiteStore) ListFeedback(ctx context.Context, limit int) ([]domain.TrainingFeedback, error) {
	query := "SELECT request_id, prompt, intent, user_id, recorded_at FROM training_feedback ORDER BY seq DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewSubSystemError("feedback", "SQLiteStore.ListFeedback", domain.ErrFeedbackStore, err.Error())
	}
	defer rows.Close()

	var out []domain.TrainingFeedback
	for rows.Next() {
		var (
			fb         domain.TrainingFeedback
			recordedAt string
		)
		if err := rows.Scan(&fb.RequestID, &fb.Prompt, &fb.Intent, &fb.UserID, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, fb)
	}
	return out, rows.Err()
}
