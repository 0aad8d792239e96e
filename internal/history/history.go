// Package history is the optional execution-history store supplementing
// spec.md's in-memory flow tracker (§4.3): every finished execution is
// persisted so it survives process restarts and can be queried later.
// It follows the teacher's db package shape (bun over a migrated sqlite
// connection) narrowed to a single table and sqlite-only, since this
// service has no multi-tenant Postgres deployment target.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

//go:embed all:migrations
var migrationFiles embed.FS

// Record is the persisted form of a flow.Execution, per spec.md §3's
// Execution attributes.
type Record struct {
	bun.BaseModel `bun:"table:executions"`

	ReqExecID       string    `bun:"req_exec_id,pk"`
	FlowID          string    `bun:"flow_id,notnull"`
	SessionID       string    `bun:"session_id"`
	Label           string    `bun:"label"`
	Method          string    `bun:"method,notnull"`
	URL             string    `bun:"url,notnull"`
	Status          string    `bun:"status,notnull"`
	ResponseStatus  int       `bun:"response_status"`
	ErrorStage      string    `bun:"error_stage"`
	ErrorMessage    string    `bun:"error_message"`
	StartedAt       time.Time `bun:"started_at,notnull"`
	EndedAt         time.Time `bun:"ended_at"`
	DurationMs      int64     `bun:"duration_ms"`
	RequestHeaders  string    `bun:"request_headers"`
	ResponseHeaders string    `bun:"response_headers"`
	BodyPreview     string    `bun:"body_preview"`
	Truncated       bool      `bun:"truncated,notnull,default:false"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Store wraps the migrated bun connection.
type Store struct {
	db *bun.DB
}

// Open opens (creating if necessary) a sqlite database at dsn, runs
// pending migrations, and returns a ready Store.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: set busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: enable WAL: %w", err)
	}
	conn.SetMaxIdleConns(1)

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	return &Store{db: bun.NewDB(conn, sqlitedialect.New())}, nil
}

func runMigrations(conn *sql.DB) error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	var driver database.Driver
	driver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordExecution upserts a finished execution into history.
func (s *Store) RecordExecution(ctx context.Context, rec Record) error {
	_, err := s.db.NewInsert().Model(&rec).
		On("CONFLICT (req_exec_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("response_status = EXCLUDED.response_status").
		Set("error_stage = EXCLUDED.error_stage").
		Set("error_message = EXCLUDED.error_message").
		Set("ended_at = EXCLUDED.ended_at").
		Set("duration_ms = EXCLUDED.duration_ms").
		Set("response_headers = EXCLUDED.response_headers").
		Set("body_preview = EXCLUDED.body_preview").
		Set("truncated = EXCLUDED.truncated").
		Exec(ctx)
	return err
}

// ListByFlow returns all executions recorded for flowID, oldest first.
func (s *Store) ListByFlow(ctx context.Context, flowID string) ([]Record, error) {
	var recs []Record
	err := s.db.NewSelect().Model(&recs).
		Where("flow_id = ?", flowID).
		OrderExpr("started_at ASC").
		Scan(ctx)
	return recs, err
}

// Get returns a single recorded execution by its reqExecId.
func (s *Store) Get(ctx context.Context, reqExecID string) (*Record, error) {
	var rec Record
	err := s.db.NewSelect().Model(&rec).Where("req_exec_id = ?", reqExecID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// HeadersJSON is a small helper for the common case of persisting a
// map[string]string as the headers columns above.
func HeadersJSON(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}
