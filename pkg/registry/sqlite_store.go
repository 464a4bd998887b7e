package registry

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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pressbox/pressbox/pkg/orchestrator"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements orchestrator.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations. The
// pragmas use modernc.org/sqlite's _pragma form so they actually take
// effect on every connection in the pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// migrate applies the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Create persists a new site record.
func (s *SQLiteStore) Create(ctx context.Context, record *orchestrator.SiteRecord) error {
	config, paths, err := marshalBlobs(record)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sites (id, name, domain, environment, status, status_reason, port, config, paths, created_at, last_accessed, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Name,
		record.Domain,
		record.Environment,
		record.Status,
		record.StatusReason,
		record.Port,
		config,
		paths,
		record.CreatedAt,
		record.LastAccessed,
		record.Version,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return orchestrator.NewValidationError(
				orchestrator.ReasonDuplicateDomain,
				fmt.Sprintf("domain %q is already in use", record.Domain),
				err,
			).WithSite(record.ID)
		}
		return fmt.Errorf("failed to create site: %w", err)
	}
	return nil
}

// Get retrieves a site record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*orchestrator.SiteRecord, error) {
	query := selectColumns + ` FROM sites WHERE id = ?`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.NewValidationError(
			orchestrator.ReasonNotFound,
			fmt.Sprintf("site not found: %s", id),
			nil,
		).WithSite(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return record, nil
}

// List returns all site records ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]*orchestrator.SiteRecord, error) {
	query := selectColumns + ` FROM sites ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	records := []*orchestrator.SiteRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Update applies mutate to the current record and persists the result under
// a compare-and-swap on the version read before mutate ran. A concurrent
// writer that bumped the version in between causes a conflict error rather
// than a lost update.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*orchestrator.SiteRecord) error) (*orchestrator.SiteRecord, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		if isBusy(err) {
			return nil, busyConflict(id, err)
		}
		return nil, err
	}

	readVersion := current.Version
	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.ID = current.ID
	updated.Version = readVersion + 1

	config, paths, err := marshalBlobs(updated)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE sites
		SET name = ?, domain = ?, environment = ?, status = ?, status_reason = ?, port = ?, config = ?, paths = ?, last_accessed = ?, version = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		updated.Name,
		updated.Domain,
		updated.Environment,
		updated.Status,
		updated.StatusReason,
		updated.Port,
		config,
		paths,
		updated.LastAccessed,
		updated.Version,
		id,
		readVersion,
	)
	if err != nil {
		if isBusy(err) {
			return nil, busyConflict(id, err)
		}
		return nil, fmt.Errorf("failed to update site: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, orchestrator.NewConflictError(
			orchestrator.ReasonOperationInProgress,
			"site record changed concurrently",
			nil,
		).WithSite(id)
	}
	return updated, nil
}

// Remove deletes a site record.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove site: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return orchestrator.NewValidationError(
			orchestrator.ReasonNotFound,
			fmt.Sprintf("site not found: %s", id),
			nil,
		).WithSite(id)
	}
	return nil
}

const selectColumns = `
	SELECT id, name, domain, environment, status, status_reason, port, config, paths, created_at, last_accessed, version
`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*orchestrator.SiteRecord, error) {
	record := &orchestrator.SiteRecord{}
	var config, paths string
	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Domain,
		&record.Environment,
		&record.Status,
		&record.StatusReason,
		&record.Port,
		&config,
		&paths,
		&record.CreatedAt,
		&record.LastAccessed,
		&record.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(config), &record.Config); err != nil {
		return nil, fmt.Errorf("failed to decode site config: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &record.Paths); err != nil {
		return nil, fmt.Errorf("failed to decode site paths: %w", err)
	}
	return record, nil
}

func marshalBlobs(record *orchestrator.SiteRecord) (config string, paths string, err error) {
	configBytes, err := json.Marshal(record.Config)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode site config: %w", err)
	}
	pathsBytes, err := json.Marshal(record.Paths)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode site paths: %w", err)
	}
	return string(configBytes), string(pathsBytes), nil
}

// isUniqueViolation detects a SQLite unique-constraint failure on the
// domain column.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy detects a SQLITE_BUSY result that slipped past the busy timeout
// under write contention.
func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// busyConflict maps SQLITE_BUSY onto the retryable conflict callers already
// handle for version mismatches.
func busyConflict(id string, err error) error {
	return orchestrator.NewConflictError(
		orchestrator.ReasonOperationInProgress,
		"site record is locked by a concurrent writer",
		err,
	).WithSite(id)
}
