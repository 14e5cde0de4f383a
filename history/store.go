// Package history persists query and console history and saved tabs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

var ErrTabNotFound = errors.New("tab not found")

type (
	QueryRecord struct {
		UserID       string
		ConnectionID string
		Start        time.Time
		End          time.Time
		Status       string
		Snippet      string
	}

	ConsoleRecord struct {
		UserID       string
		ConnectionID string
		Start        time.Time
		Snippet      string
	}

	// TabRecord is the persisted state of an editor tab. A zero ID inserts
	// a new record.
	TabRecord struct {
		ID           int64
		UserID       string
		ConnectionID string
		Title        string
		Snippet      string
		UpdatedAt    time.Time
	}
)

func (r *QueryRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Store is the sqlite backed history.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens (creating when missing) and migrates the store at path.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer, and a single shared database for ":memory:"
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LogQuery(ctx context.Context, rec QueryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_history (user_id, connection_id, start_time, end_time, duration_ms, status, snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ConnectionID,
		rec.Start.UnixMilli(), rec.End.UnixMilli(), rec.Duration().Milliseconds(),
		rec.Status, rec.Snippet,
	)
	if err != nil {
		return fmt.Errorf("failed to log query: %w", err)
	}
	return nil
}

func (s *Store) LogConsole(ctx context.Context, rec ConsoleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO console_history (user_id, connection_id, start_time, snippet)
		VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.ConnectionID, rec.Start.UnixMilli(), rec.Snippet,
	)
	if err != nil {
		return fmt.Errorf("failed to log console command: %w", err)
	}
	return nil
}

// Queries lists the latest query history entries, newest first.
func (s *Store) Queries(ctx context.Context, userID, connectionID string, limit int) ([]QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, connection_id, start_time, end_time, status, snippet
		FROM query_history
		WHERE user_id = ? AND connection_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?`,
		userID, connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var (
			rec        QueryRecord
			start, end int64
		)
		if err := rows.Scan(&rec.UserID, &rec.ConnectionID, &start, &end, &rec.Status, &rec.Snippet); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		rec.Start = time.UnixMilli(start)
		rec.End = time.UnixMilli(end)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Consoles lists the latest console commands, newest first.
func (s *Store) Consoles(ctx context.Context, userID, connectionID string, limit int) ([]ConsoleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, connection_id, start_time, snippet
		FROM console_history
		WHERE user_id = ? AND connection_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?`,
		userID, connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list console history: %w", err)
	}
	defer rows.Close()

	var out []ConsoleRecord
	for rows.Next() {
		var (
			rec   ConsoleRecord
			start int64
		)
		if err := rows.Scan(&rec.UserID, &rec.ConnectionID, &start, &rec.Snippet); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		rec.Start = time.UnixMilli(start)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveTab inserts a new tab record or updates an existing one and returns its id.
func (s *Store) SaveTab(ctx context.Context, tab TabRecord) (int64, error) {
	now := s.now().UnixMilli()

	if tab.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tabs (user_id, connection_id, title, snippet, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tab.UserID, tab.ConnectionID, tab.Title, tab.Snippet, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert tab: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("res.LastInsertId: %w", err)
		}
		s.log.Debug("tab saved", "id", id, "user", tab.UserID)
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tabs SET title = ?, snippet = ?, updated_at = ? WHERE id = ?`,
		tab.Title, tab.Snippet, now, tab.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update tab: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, fmt.Errorf("%d: %w", tab.ID, ErrTabNotFound)
	}
	return tab.ID, nil
}

func (s *Store) Tabs(ctx context.Context, userID string) ([]TabRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, connection_id, title, snippet, updated_at
		FROM tabs WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	defer rows.Close()

	var out []TabRecord
	for rows.Next() {
		var (
			tab     TabRecord
			updated int64
		)
		if err := rows.Scan(&tab.ID, &tab.UserID, &tab.ConnectionID, &tab.Title, &tab.Snippet, &updated); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		tab.UpdatedAt = time.UnixMilli(updated)
		out = append(out, tab)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTab(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tab: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%d: %w", id, ErrTabNotFound)
	}
	return nil
}
