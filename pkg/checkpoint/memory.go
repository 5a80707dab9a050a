package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoint history in process memory. No durability —
// intended for tests and local experiments only.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint // oldest first
	ids     *idSource
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Checkpoint),
		ids:     newIDSource(),
	}
}

// Put appends a checkpoint for the thread, assigning its ID and parent.
func (m *MemoryStore) Put(_ context.Context, threadID string, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := &Checkpoint{
		ID:        m.ids.next(now),
		ThreadID:  threadID,
		State:     cp.State.Clone(),
		NextNodes: append([]string(nil), cp.NextNodes...),
		CreatedAt: now,
	}
	if prev := m.threads[threadID]; len(prev) > 0 {
		stored.ParentID = prev[len(prev)-1].ID
	}
	m.threads[threadID] = append(m.threads[threadID], stored)

	// Reflect assigned identity back to the caller.
	cp.ID = stored.ID
	cp.ParentID = stored.ParentID
	cp.ThreadID = threadID
	cp.CreatedAt = stored.CreatedAt
	return nil
}

// GetLatest returns the most recent checkpoint for the thread.
func (m *MemoryStore) GetLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

// History returns the thread's checkpoints newest first.
func (m *MemoryStore) History(_ context.Context, threadID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		out = append(out, cloneCheckpoint(cps[i]))
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := &Checkpoint{
		ID:        cp.ID,
		ParentID:  cp.ParentID,
		ThreadID:  cp.ThreadID,
		State:     cp.State.Clone(),
		NextNodes: append([]string(nil), cp.NextNodes...),
		CreatedAt: cp.CreatedAt,
	}
	return out
}
