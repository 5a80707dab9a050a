package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/state"
)

// ErrNoSavedState is returned when resuming a thread that has never written
// a checkpoint.
var ErrNoSavedState = errors.New("no saved state for thread")

// App is a compiled, runnable graph bound to a checkpoint store.
type App struct {
	nodes map[string]NodeFunc
	edges map[string]edge
	entry string
	store checkpoint.Store
}

// Step describes one completed node execution: the merged state after the
// node, the nodes scheduled next (empty when terminal), and the checkpoint
// that recorded the transition.
type Step struct {
	Node         string
	State        state.PipelineState
	NextNodes    []string
	CheckpointID string
}

// StepFunc observes steps as they complete. It runs synchronously on the
// engine goroutine; observers that may block should hand off internally.
type StepFunc func(Step)

// Stream executes the graph for threadID, checkpointing after every node
// and invoking emit per step. A non-nil initial state starts a fresh run at
// the entry node; a nil initial state resumes from the latest checkpoint,
// proceeding from its saved next nodes without re-executing the node that
// produced it. Returns the final merged state.
//
// Cancellation terminates between or inside nodes without writing a further
// checkpoint, so a later resume re-enters the interrupted node.
func (a *App) Stream(ctx context.Context, initial *state.PipelineState, threadID string, emit StepFunc) (state.PipelineState, error) {
	var (
		cur       state.PipelineState
		nextNodes []string
	)

	if initial != nil {
		cur = initial.Clone()
		nextNodes = []string{a.entry}
	} else {
		cp, err := a.store.GetLatest(ctx, threadID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return state.PipelineState{}, ErrNoSavedState
		}
		if err != nil {
			return state.PipelineState{}, fmt.Errorf("load latest checkpoint: %w", err)
		}
		cur = cp.State.Clone()
		nextNodes = append([]string(nil), cp.NextNodes...)
		slog.Info("resuming pipeline from checkpoint",
			"thread_id", threadID, "checkpoint_id", cp.ID, "next_nodes", nextNodes)
	}

	for len(nextNodes) > 0 {
		if err := ctx.Err(); err != nil {
			return cur, err
		}

		nodeName := nextNodes[0]
		fn, ok := a.nodes[nodeName]
		if !ok {
			return cur, fmt.Errorf("unknown node %q scheduled for thread %s", nodeName, threadID)
		}

		update, err := fn(ctx, cur.Clone())
		if err != nil {
			if ctx.Err() != nil {
				return cur, ctx.Err()
			}
			return cur, fmt.Errorf("node %s: %w", nodeName, err)
		}

		cur = state.Apply(cur, &update)

		next, err := a.nextFor(nodeName, cur)
		if err != nil {
			return cur, err
		}
		if next == End {
			if cur.CompletedAt == nil {
				now := time.Now().UTC()
				cur.CompletedAt = &now
				cur.TotalDuration = now.Sub(cur.CreatedAt).Seconds()
			}
			nextNodes = nil
		} else {
			nextNodes = []string{next}
		}

		cp := &checkpoint.Checkpoint{State: cur.Clone(), NextNodes: nextNodes}
		if err := a.store.Put(ctx, threadID, cp); err != nil {
			return cur, fmt.Errorf("write checkpoint after node %s: %w", nodeName, err)
		}
		slog.Debug("checkpoint written",
			"thread_id", threadID, "node", nodeName, "checkpoint_id", cp.ID, "next_nodes", nextNodes)

		if emit != nil {
			emit(Step{
				Node:         nodeName,
				State:        cur.Clone(),
				NextNodes:    append([]string(nil), nextNodes...),
				CheckpointID: cp.ID,
			})
		}
	}

	return cur, nil
}

// nextFor evaluates the outgoing edge of a node against the merged state.
func (a *App) nextFor(nodeName string, st state.PipelineState) (string, error) {
	e, ok := a.edges[nodeName]
	if !ok {
		return "", fmt.Errorf("node %q has no outgoing edge", nodeName)
	}
	if e.router == nil {
		return e.to, nil
	}
	target := e.router(st)
	if !e.targets[target] {
		return "", fmt.Errorf("router for node %q produced undeclared target %q", nodeName, target)
	}
	return target, nil
}

// State returns the latest checkpoint for the thread: the current state
// values and the nodes scheduled next.
func (a *App) State(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	return a.store.GetLatest(ctx, threadID)
}

// History returns the thread's checkpoints newest first.
func (a *App) History(ctx context.Context, threadID string) ([]*checkpoint.Checkpoint, error) {
	return a.store.History(ctx, threadID)
}
