package authority

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var _ RankStore = (*SQLiteStore)(nil)

// Assignment is one row of the rank ledger.
type Assignment struct {
	Rank       int
	Name       string
	AssignedAt time.Time
}

// SQLiteStore is the authority's rank ledger. Rows are only ever inserted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the ledger at path. The registry is the
// only writer in-process; busy_timeout covers another process holding the
// write lock.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rank ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rank ledger: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rank_assignments (
		server_rank INTEGER PRIMARY KEY,
		name        TEXT NOT NULL,
		assigned_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rank_assignments_name ON rank_assignments(name);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// HighestRank returns the largest rank ever assigned, or 0.
func (s *SQLiteStore) HighestRank(ctx context.Context) (int, error) {
	var highest int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(server_rank), 0) FROM rank_assignments`).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("query highest rank: %w", err)
	}
	return highest, nil
}

// RecordAssignment appends an assignment. Reusing a rank is a constraint
// violation.
func (s *SQLiteStore) RecordAssignment(ctx context.Context, name string, rank int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rank_assignments (server_rank, name, assigned_at) VALUES (?, ?, ?)`,
		rank, name, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert rank %d: %w", rank, err)
	}
	return nil
}

// Assignments lists the ledger in rank order.
func (s *SQLiteStore) Assignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_rank, name, assigned_at FROM rank_assignments ORDER BY server_rank`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var at string
		if err := rows.Scan(&a.Rank, &a.Name, &at); err != nil {
			return nil, err
		}
		a.AssignedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}
