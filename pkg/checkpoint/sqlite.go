package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/connectorforge/forge/pkg/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT,
	state_blob    BLOB NOT NULL,
	next_nodes    TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, checkpoint_id DESC);
`

// SQLiteStore is the single-file embedded variant. SQLite allows one writer
// at a time; writes are funneled through a mutex on top of a
// single-connection pool so concurrent pipelines never trip SQLITE_BUSY.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	ids  *idSource
}

// NewSQLiteStore opens (creating if necessary) the checkpoint database at
// path and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, ids: newIDSource()}, nil
}

// Path returns the database file path (reported by the health endpoint).
func (s *SQLiteStore) Path() string { return s.path }

// Put appends a checkpoint row. The single INSERT is atomic, so readers see
// either the full record or none.
func (s *SQLiteStore) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parentID sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`,
		threadID)
	if err := row.Scan(&parentID.String); err == nil {
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, id, parentID, blob, string(nextNodes), now); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	cp.ID = id
	cp.ParentID = parentID.String
	cp.ThreadID = threadID
	cp.CreatedAt = now
	return nil
}

// GetLatest returns the most recent checkpoint for the thread.
func (s *SQLiteStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, parent_id, state_blob, next_nodes, created_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`,
		threadID)
	cp, err := scanCheckpoint(row, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// History returns the thread's checkpoints newest first.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, parent_id, state_blob, next_nodes, created_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner, threadID string) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parentID  sql.NullString
		blob      []byte
		nextNodes string
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

	if err := json.Unmarshal([]byte(nextNodes), &cp.NextNodes); err != nil {
		return nil, fmt.Errorf("deserialize next nodes for checkpoint %s: %w", cp.ID, err)
	}
	return &cp, nil
}
