// Package runner owns the lifecycle of pipeline runs: starting, resuming,
// cancelling, the concurrency cap, the wall-clock timeout, and the active
// run registry backing the status and health endpoints.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/events"
	"github.com/connectorforge/forge/pkg/graph"
	"github.com/connectorforge/forge/pkg/pipeline"
	"github.com/connectorforge/forge/pkg/state"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrTooManyPipelines = errors.New("too many concurrent pipelines")
	ErrUnknownThread    = errors.New("unknown thread")
	ErrAlreadyRunning   = errors.New("pipeline already running")
	ErrNotRunning       = errors.New("pipeline is not running")
)

// ValidationError rejects a malformed start request before any thread is
// created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StartRequest is a validated request to launch a new pipeline.
type StartRequest struct {
	ConnectorName   string
	ConnectorType   string
	OriginalRequest string
	APIDocURL       *string
}

// AgentFactory builds the per-run agent suite. The thread suffix
// namespaces the run's working directory.
type AgentFactory func(threadSuffix string) pipeline.Agents

// Config parameterizes the runner.
type Config struct {
	Limits                 state.Limits
	MaxConcurrentPipelines int
	PipelineTimeout        time.Duration
	RunRetention           time.Duration
}

// Runner manages all pipeline runs in this process.
type Runner struct {
	store       checkpoint.Store
	agents      AgentFactory
	broadcaster *events.Broadcaster
	cfg         Config
	logger      *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run

	wg        sync.WaitGroup
	sweepStop chan struct{}
	stopOnce  sync.Once
}

// run is one registry entry: the cancel handle plus a status snapshot
// updated after every checkpoint.
type run struct {
	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is the lightweight snapshot served by the active and status
// endpoints without touching the checkpoint store.
type Status struct {
	ThreadID        string     `json:"thread_id"`
	ConnectorName   string     `json:"connector_name"`
	ConnectorType   string     `json:"connector_type"`
	Phase           string     `json:"current_phase"`
	PipelineStatus  string     `json:"status"`
	CoverageRatio   float64    `json:"coverage_ratio"`
	TestRetries     int        `json:"test_retries"`
	GenFixRetries   int        `json:"gen_fix_retries"`
	ReviewRetries   int        `json:"review_retries"`
	ResearchRetries int        `json:"research_retries"`
	Active          bool       `json:"is_active"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// New creates a runner and starts its retention sweep.
func New(store checkpoint.Store, agents AgentFactory, broadcaster *events.Broadcaster, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:       store,
		agents:      agents,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.With("component", "runner"),
		runs:        make(map[string]*run),
		sweepStop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Start validates the request and launches a new pipeline run in the
// background. Returns the new thread ID.
func (r *Runner) Start(req StartRequest) (string, error) {
	if req.ConnectorName == "" {
		return "", &ValidationError{Field: "connector_name", Message: "must not be empty"}
	}
	ct := state.ConnectorType(req.ConnectorType)
	if ct == "" {
		ct = state.ConnectorTypeSource
	}
	if ct != state.ConnectorTypeSource && ct != state.ConnectorTypeDestination {
		return "", &ValidationError{Field: "connector_type", Message: "must be source or destination"}
	}

	suffix := uuid.New().String()[:8]
	threadID := fmt.Sprintf("pipeline-%s-%s", state.Slug(req.ConnectorName), suffix)
	initial := state.New(req.ConnectorName, ct, req.OriginalRequest, req.APIDocURL, r.cfg.Limits)

	if err := r.launch(threadID, suffix, &initial, req.ConnectorName, string(ct)); err != nil {
		return "", err
	}
	return threadID, nil
}

// Resume continues a previously checkpointed pipeline from its saved
// frontier.
func (r *Runner) Resume(ctx context.Context, threadID string) error {
	cp, err := r.store.GetLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
		}
		return fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}

	suffix := threadSuffix(threadID)
	return r.launch(threadID, suffix, nil, cp.State.ConnectorName, string(cp.State.ConnectorType))
}

// threadSuffix recovers the namespacing suffix from a thread ID so a
// resumed run reuses the original working directory.
func threadSuffix(threadID string) string {
	if i := len(threadID) - 8; i > 0 && threadID[i-1] == '-' {
		return threadID[i:]
	}
	return threadID
}

// launch registers the run handle and starts the pipeline goroutine.
// initial is nil on resume.
func (r *Runner) launch(threadID, suffix string, initial *state.PipelineState, connectorName, connectorType string) error {
	app, err := pipeline.New(r.agents(suffix), r.logger).Build(r.store)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.runs[threadID]; ok && existing.snapshot().Active {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, threadID)
	}
	if r.activeCountLocked() >= r.cfg.MaxConcurrentPipelines {
		r.mu.Unlock()
		return fmt.Errorf("%w (cap %d)", ErrTooManyPipelines, r.cfg.MaxConcurrentPipelines)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PipelineTimeout)
	h := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			ThreadID:       threadID,
			ConnectorName:  connectorName,
			ConnectorType:  connectorType,
			PipelineStatus: string(state.StatusRunning),
			Active:         true,
			StartedAt:      time.Now().UTC(),
		},
	}
	r.runs[threadID] = h
	r.mu.Unlock()

	channel := events.ConnectorChannel(connectorType, connectorName)
	r.broadcaster.Publish(channel, events.PipelineEvent{
		Type:          events.EventTypePipelineStarted,
		ThreadID:      threadID,
		ConnectorName: connectorName,
		ConnectorType: connectorType,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(ctx, app, h, threadID, channel, initial)
	}()
	return nil
}

// execute drives one pipeline run to completion and records the outcome.
func (r *Runner) execute(ctx context.Context, app *graph.App, h *run, threadID, channel string, initial *state.PipelineState) {
	r.logger.Info("pipeline run starting", "thread_id", threadID, "resume", initial == nil)

	_, err := app.Stream(ctx, initial, threadID, func(step graph.Step) {
		h.update(func(s *Status) {
			s.Phase = string(step.State.CurrentPhase)
			s.PipelineStatus = string(step.State.Status)
			s.CoverageRatio = step.State.CoverageRatio
			s.TestRetries = step.State.TestRetries
			s.GenFixRetries = step.State.GenFixRetries
			s.ReviewRetries = step.State.ReviewRetries
			s.ResearchRetries = step.State.ResearchRetries
		})
		r.broadcaster.Publish(channel, events.PipelineEvent{
			Type:            events.EventTypePhaseCompleted,
			ThreadID:        threadID,
			ConnectorName:   step.State.ConnectorName,
			ConnectorType:   string(step.State.ConnectorType),
			Phase:           step.Node,
			Status:          string(step.State.Status),
			CoverageRatio:   step.State.CoverageRatio,
			TestRetries:     step.State.TestRetries,
			GenFixRetries:   step.State.GenFixRetries,
			ReviewRetries:   step.State.ReviewRetries,
			ResearchRetries: step.State.ResearchRetries,
		})
	})

	now := time.Now().UTC()
	eventType := events.EventTypePipelineCompleted
	h.update(func(s *Status) {
		s.Active = false
		s.CompletedAt = &now
		switch {
		case err == nil:
			// Final status came from the last checkpoint.
			if s.PipelineStatus == string(state.StatusFailed) {
				eventType = events.EventTypePipelineFailed
			}
		case errors.Is(err, context.DeadlineExceeded):
			s.PipelineStatus = string(state.StatusFailed)
			s.Error = "pipeline timeout"
			eventType = events.EventTypePipelineFailed
		case errors.Is(err, context.Canceled):
			s.PipelineStatus = string(state.StatusCancelled)
			eventType = events.EventTypePipelineCancelled
		default:
			s.PipelineStatus = string(state.StatusFailed)
			s.Error = err.Error()
			eventType = events.EventTypePipelineFailed
		}
	})
	close(h.done)

	final := h.snapshot()
	if err != nil {
		r.logger.Error("pipeline run ended abnormally",
			"thread_id", threadID, "status", final.PipelineStatus, "error", err)
	} else {
		r.logger.Info("pipeline run finished",
			"thread_id", threadID, "status", final.PipelineStatus, "phase", final.Phase)
	}

	r.broadcaster.Publish(channel, events.PipelineEvent{
		Type:          eventType,
		ThreadID:      threadID,
		ConnectorName: final.ConnectorName,
		ConnectorType: final.ConnectorType,
		Phase:         final.Phase,
		Status:        final.PipelineStatus,
		CoverageRatio: final.CoverageRatio,
	})
}

// Cancel stops a running pipeline. The engine writes no checkpoint for
// the interrupted node; a later resume re-executes it.
func (r *Runner) Cancel(threadID string) error {
	r.mu.RLock()
	h, ok := r.runs[threadID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	if !h.snapshot().Active {
		return fmt.Errorf("%w: %s", ErrNotRunning, threadID)
	}

	h.cancel()
	<-h.done
	r.logger.Info("pipeline run cancelled", "thread_id", threadID)
	return nil
}

// Status returns the registry snapshot for a thread.
func (r *Runner) Status(threadID string) (Status, bool) {
	r.mu.RLock()
	h, ok := r.runs[threadID]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return h.snapshot(), true
}

// Active returns snapshots of all currently running pipelines.
func (r *Runner) Active() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []Status
	for _, h := range r.runs {
		if s := h.snapshot(); s.Active {
			active = append(active, s)
		}
	}
	return active
}

// ActiveCount returns the number of running pipelines.
func (r *Runner) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Runner) activeCountLocked() int {
	count := 0
	for _, h := range r.runs {
		if h.snapshot().Active {
			count++
		}
	}
	return count
}

// Shutdown cancels every active run and waits for all goroutines.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.sweepStop) })

	r.mu.RLock()
	for _, h := range r.runs {
		if h.snapshot().Active {
			h.cancel()
		}
	}
	r.mu.RUnlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

// sweepLoop drops completed run handles after the retention window so the
// registry does not grow without bound. Checkpoints are unaffected.
func (r *Runner) sweepLoop() {
	defer r.wg.Done()
	interval := r.cfg.RunRetention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		}
	}
}

func (r *Runner) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for threadID, h := range r.runs {
		s := h.snapshot()
		if !s.Active && s.CompletedAt != nil && now.Sub(*s.CompletedAt) > r.cfg.RunRetention {
			delete(r.runs, threadID)
			r.logger.Debug("swept completed run", "thread_id", threadID)
		}
	}
}

func (h *run) snapshot() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *run) update(fn func(*Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.status)
}

