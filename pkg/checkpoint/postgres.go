package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/connectorforge/forge/pkg/state"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the network-backed variant. Row-level isolation handles
// concurrent pipelines on different threads; within one thread the engine
// serializes writes by construction.
type PostgresStore struct {
	db  *sql.DB
	ids *idSource
}

// NewPostgresStore connects to the database at url, verifies the
// connection, and applies embedded schema migrations.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres checkpoint db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run checkpoint migrations: %w", err)
	}

	return &PostgresStore{db: db, ids: newIDSource()}, nil
}

// runMigrations applies the embedded SQL migrations with golang-migrate.
// Migration files are compiled into the binary so deployments need no
// external schema step.
func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "checkpoints", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source. m.Close() would also close the shared *sql.DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Put appends a checkpoint row in a single INSERT.
func (s *PostgresStore) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	var parentID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = $1 ORDER BY checkpoint_id DESC LIMIT 1`,
		threadID).Scan(&parentID.String)
	if err == nil {
		parentID.Valid = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query parent checkpoint: %w", err)
	}

	blob, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	nextNodes, err := json.Marshal(cp.NextNodes)
	if err != nil {
		return fmt.Errorf("serialize next nodes: %w", err)
	}

	now := time.Now().UTC()
	id := s.ids.next(now)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, state_blob, next_nodes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		threadID, id, parentID, blob, nextNodes, now); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	cp.ID = id
	cp.ParentID = parentID.String
	cp.ThreadID = threadID
	cp.CreatedAt = now
	return nil
}

// GetLatest returns the most recent checkpoint for the thread.
func (s *PostgresStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, parent_id, state_blob, next_nodes, created_at
		 FROM checkpoints WHERE thread_id = $1 ORDER BY checkpoint_id DESC LIMIT 1`,
		threadID)
	cp, err := scanPostgresCheckpoint(row, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// History returns the thread's checkpoints newest first.
func (s *PostgresStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, parent_id, state_blob, next_nodes, created_at
		 FROM checkpoints WHERE thread_id = $1 ORDER BY checkpoint_id DESC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanPostgresCheckpoint(rows, threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Ping reports store reachability for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func scanPostgresCheckpoint(row rowScanner, threadID string) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parentID  sql.NullString
		blob      []byte
		nextNodes []byte
	)
	if err := row.Scan(&cp.ID, &parentID, &blob, &nextNodes, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.ThreadID = threadID
	cp.ParentID = parentID.String

	var st state.PipelineState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("deserialize state for checkpoint %s: %w", cp.ID, err)
	}
	cp.State = st

	if err := json.Unmarshal(nextNodes, &cp.NextNodes); err != nil {
		return nil, fmt.Errorf("deserialize next nodes for checkpoint %s: %w", cp.ID, err)
	}
	return &cp, nil
}
