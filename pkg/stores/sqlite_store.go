package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements LogStore using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// InsertLogs writes a batch of records in a single transaction.
func (s *SQLiteStore) InsertLogs(ctx context.Context, records []LogRecord) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO log_entries (id, sequence, ts, level, event_type, message, metadata, session_id, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for i := range records {
		r := &records[i]
		metadata := r.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			int64(r.Sequence),
			r.Timestamp.UnixNano(),
			r.Level,
			r.EventType,
			r.Message,
			metadata,
			r.SessionID,
			now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert log entry %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log batch: %w", err)
	}

	return nil
}

// CountLogs returns the number of stored log records.
func (s *SQLiteStore) CountLogs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return count, nil
}

// DeleteOldestLogs deletes the n earliest-inserted records.
func (s *SQLiteStore) DeleteOldestLogs(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM log_entries
		WHERE rowid IN (SELECT rowid FROM log_entries ORDER BY rowid ASC LIMIT ?)
	`

	result, err := s.db.ExecContext(ctx, query, n)
	if err != nil {
		return 0, fmt.Errorf("failed to delete oldest log entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// ListLogs returns records matching the query in insertion order.
func (s *SQLiteStore) ListLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	var start, end *int64
	if q.Start != nil {
		v := q.Start.UnixNano()
		start = &v
	}
	if q.End != nil {
		v := q.End.UnixNano()
		end = &v
	}
	var text *string
	if q.Text != nil {
		v := strings.ToLower(*q.Text)
		text = &v
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, sequence, ts, level, event_type, message, metadata, session_id
		FROM log_entries
		WHERE (? IS NULL OR level >= ?)
		  AND (? IS NULL OR event_type = ?)
		  AND (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR ts <= ?)
		  AND (? IS NULL OR instr(lower(message), ?) > 0 OR instr(lower(event_type), ?) > 0)
		ORDER BY rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.MinLevel, q.MinLevel,
		q.EventType, q.EventType,
		start, start,
		end, end,
		text, text, text,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	records := []LogRecord{}
	for rows.Next() {
		var (
			r   LogRecord
			seq int64
			ts  int64
		)
		if err := rows.Scan(&r.ID, &seq, &ts, &r.Level, &r.EventType, &r.Message, &r.Metadata, &r.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		r.Sequence = uint64(seq)
		r.Timestamp = time.Unix(0, ts)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return records, nil
}

// CountByLevel returns stored record counts grouped by level.
func (s *SQLiteStore) CountByLevel(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM log_entries GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by level: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan level count: %w", err)
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// CountByEventType returns stored record counts grouped by event type.
func (s *SQLiteStore) CountByEventType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM log_entries GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by event type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			n         int
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event type count: %w", err)
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
