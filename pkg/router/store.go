package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// Supported SQL drivers for the router table.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TableName is the router table queried by the store.
const TableName = "pm_athena_router"

// Entry is one row of the router table.
type Entry struct {
	ID        int64     `json:"id"`
	HostMatch string    `json:"host_match"`
	Origin    string    `json:"origin"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLStore reads and writes routing rules in a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenStore opens a router store for driver ("sqlite" or "postgres").
func OpenStore(driver, dsn string) (*SQLStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported router store driver %q: use sqlite or postgres", driver)
	}
}

// NewSQLiteStore creates a SQLite-backed router store.
// dsn can be a file path (e.g. /var/lib/athena/router.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "athena-router.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite router store: %w", err)
	}
	store := &SQLStore{db: db, dialect: DriverSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed router store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres router store: %w", err)
	}
	store := &SQLStore{db: db, dialect: DriverPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s router store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case DriverPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS pm_athena_router (
	id BIGSERIAL PRIMARY KEY,
	host_match TEXT NOT NULL,
	origin TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS pm_athena_router (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_match TEXT NOT NULL,
	origin TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s router schema: %w", s.dialect, err)
	}
	return nil
}

// List returns every router entry ordered by priority, then id.
func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	q := `
SELECT id, host_match, origin, priority, created_at
FROM pm_athena_router
ORDER BY priority ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list router entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.HostMatch, &e.Origin, &e.Priority, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan router entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate router entries: %w", err)
	}
	return entries, nil
}

// Add inserts a routing rule and returns the stored entry.
func (s *SQLStore) Add(ctx context.Context, hostMatch, origin string, priority int) (*Entry, error) {
	if err := (Table{DefaultOrigin: DefaultOrigin, Rules: []Rule{{Match: hostMatch, Origin: origin}}}).Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	q := s.bind(`
INSERT INTO pm_athena_router(host_match, origin, priority, created_at)
VALUES(?, ?, ?, ?)
RETURNING id`)

	var id int64
	if err := s.db.QueryRowContext(ctx, q, hostMatch, origin, priority, now).Scan(&id); err != nil {
		return nil, fmt.Errorf("add router entry: %w", err)
	}

	return &Entry{
		ID:        id,
		HostMatch: hostMatch,
		Origin:    origin,
		Priority:  priority,
		CreatedAt: now,
	}, nil
}

// Table loads the stored rules as a routing table with the given fallback.
func (s *SQLStore) Table(ctx context.Context, defaultOrigin string) (*Table, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	table := &Table{DefaultOrigin: defaultOrigin, Rules: make([]Rule, 0, len(entries))}
	for _, e := range entries {
		table.Rules = append(table.Rules, Rule{Match: e.HostMatch, Origin: e.Origin})
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("router table %s: %w", TableName, err)
	}
	return table, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
