// Package checkpoint persists the append-only checkpoint history that makes
// pipeline runs durable and resumable. Three variants share one contract:
// in-memory (tests), SQLite (single process), and PostgreSQL (multi
// pipeline, remote).
package checkpoint

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/connectorforge/forge/pkg/state"
)

// ErrNotFound is returned by GetLatest when a thread has never written a
// checkpoint.
var ErrNotFound = errors.New("no checkpoint for thread")

// Checkpoint is an immutable snapshot of pipeline state plus the nodes the
// engine will run next. ID and ParentID are assigned by the store on Put.
type Checkpoint struct {
	ID        string              `json:"checkpoint_id"`
	ParentID  string              `json:"parent_id,omitempty"`
	ThreadID  string              `json:"thread_id"`
	State     state.PipelineState `json:"state"`
	NextNodes []string            `json:"next_nodes"`
	CreatedAt time.Time           `json:"created_at"`
}

// Store is the checkpoint persistence contract.
//
// Put must be atomic with respect to readers: a concurrent GetLatest sees
// either the full new record or none of it. Checkpoint IDs are strictly
// monotonic per thread (ULIDs from a shared monotonic source), so
// "latest" and "history order" are both defined by ID ordering.
type Store interface {
	Put(ctx context.Context, threadID string, cp *Checkpoint) error
	GetLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	// History returns checkpoints ordered newest to oldest.
	History(ctx context.Context, threadID string) ([]*Checkpoint, error)
	Close() error
}

// idSource hands out monotonically increasing ULIDs. Shared by all store
// variants so checkpoint ordering survives sub-millisecond writes.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	seed := time.Now().UnixNano()
	return &idSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

func (s *idSource) next(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}
