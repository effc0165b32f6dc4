package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
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

// ErrNotFound is returned when an assembly does not exist.
var ErrNotFound = errors.New("assembly not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

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

// RecordAssembly stores an assembly with its stacks and violations in one
// transaction.
func (s *SQLiteStore) RecordAssembly(ctx context.Context, a *Assembly) error {
	if a.ID == "" {
		return fmt.Errorf("assembly id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	sources, err := encodeList(a.Sources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assemblies (id, version, status, sources, out_dir, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.Version,
		a.Status,
		sources,
		a.OutDir,
		a.Error,
		a.Duration.Milliseconds(),
		a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record assembly: %w", err)
	}

	for _, st := range a.Stacks {
		outputs, err := encodeList(st.Outputs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stacks (assembly_id, name, template, resources, outputs)
			VALUES (?, ?, ?, ?, ?)
		`, a.ID, st.Name, st.Template, st.Resources, outputs)
		if err != nil {
			return fmt.Errorf("failed to record stack %s: %w", st.Name, err)
		}
	}

	for _, v := range a.Violations {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO violations (assembly_id, stack, resource, policy, severity, message)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.ID, v.Stack, v.Resource, v.Policy, v.Severity, v.Message)
		if err != nil {
			return fmt.Errorf("failed to record violation: %w", err)
		}
		v.AssemblyID = a.ID
		if id, err := result.LastInsertId(); err == nil {
			v.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assembly: %w", err)
	}
	return nil
}

// GetAssembly retrieves an assembly with its stacks and violations
func (s *SQLiteStore) GetAssembly(ctx context.Context, id string) (*Assembly, error) {
	query := `
		SELECT id, version, status, sources, out_dir, error, duration_ms, created_at
		FROM assemblies
		WHERE id = ?
	`

	a, err := scanAssembly(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assembly: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, template, resources, outputs
		FROM stacks
		WHERE assembly_id = ?
		ORDER BY rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &StackRecord{}
		var outputs string
		if err := rows.Scan(&st.Name, &st.Template, &st.Resources, &outputs); err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		if st.Outputs, err = decodeList(outputs); err != nil {
			return nil, err
		}
		a.Stacks = append(a.Stacks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	a.Violations, err = s.ListViolations(ctx, ViolationFilter{AssemblyID: &id}, -1, 0)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// ListAssemblies lists assemblies, newest first, without stacks or violations
func (s *SQLiteStore) ListAssemblies(ctx context.Context, limit, offset int) ([]*Assembly, error) {
	query := `
		SELECT id, version, status, sources, out_dir, error, duration_ms, created_at
		FROM assemblies
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list assemblies: %w", err)
	}
	defer rows.Close()

	assemblies := []*Assembly{}
	for rows.Next() {
		a, err := scanAssembly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assembly: %w", err)
		}
		assemblies = append(assemblies, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assemblies: %w", err)
	}

	return assemblies, nil
}

// DeleteAssembly deletes an assembly and everything recorded with it
func (s *SQLiteStore) DeleteAssembly(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM assemblies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete assembly: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// PruneAssemblies keeps the newest keep assemblies and deletes the rest
func (s *SQLiteStore) PruneAssemblies(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM assemblies
		WHERE id NOT IN (
			SELECT id FROM assemblies ORDER BY created_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune assemblies: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// ListViolations lists recorded violations matching filter
func (s *SQLiteStore) ListViolations(ctx context.Context, filter ViolationFilter, limit, offset int) ([]*ViolationRecord, error) {
	query := `
		SELECT id, assembly_id, stack, resource, policy, severity, message
		FROM violations
	`
	var conditions []string
	var args []interface{}

	if filter.AssemblyID != nil {
		conditions = append(conditions, "assembly_id = ?")
		args = append(args, *filter.AssemblyID)
	}
	if filter.Severity != nil {
		conditions = append(conditions, "severity = ?")
		args = append(args, *filter.Severity)
	}
	if filter.Policy != nil {
		conditions = append(conditions, "policy = ?")
		args = append(args, *filter.Policy)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	violations := []*ViolationRecord{}
	for rows.Next() {
		v := &ViolationRecord{}
		err := rows.Scan(&v.ID, &v.AssemblyID, &v.Stack, &v.Resource, &v.Policy, &v.Severity, &v.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}

	return violations, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssembly(row rowScanner) (*Assembly, error) {
	a := &Assembly{}
	var sources string
	var durationMS int64
	err := row.Scan(
		&a.ID,
		&a.Version,
		&a.Status,
		&sources,
		&a.OutDir,
		&a.Error,
		&durationMS,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	if a.Sources, err = decodeList(sources); err != nil {
		return nil, err
	}
	return a, nil
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(s string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return items, nil
}
