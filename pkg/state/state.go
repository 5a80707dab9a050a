// Package state defines the pipeline state record threaded through every
// graph node, and the reducer semantics used to merge node updates into it.
package state

import (
	"time"
)

// MaxLogsInState bounds the logs list; older entries are trimmed first.
const MaxLogsInState = 100

// Phase is the pipeline phase mirrored in CurrentPhase.
type Phase string

const (
	PhasePending        Phase = "pending"
	PhaseResearching    Phase = "researching"
	PhaseGenerating     Phase = "generating"
	PhaseMockGenerating Phase = "mock_generating"
	PhaseTesting        Phase = "testing"
	PhaseTestReviewing  Phase = "test_reviewing"
	PhaseReviewing      Phase = "reviewing"
	PhasePublishing     Phase = "publishing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// Status is the overall pipeline outcome.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ConnectorType distinguishes data-source from data-destination connectors.
type ConnectorType string

const (
	ConnectorTypeSource      ConnectorType = "source"
	ConnectorTypeDestination ConnectorType = "destination"
)

// TestReviewDecision classifies why tests failed (or that they passed).
type TestReviewDecision string

const (
	TestReviewInvalid   TestReviewDecision = "invalid"
	TestReviewValidFail TestReviewDecision = "valid_fail"
	TestReviewValidPass TestReviewDecision = "valid_pass"
)

// ReviewDecision is the reviewer's ship/no-ship verdict.
type ReviewDecision string

const (
	ReviewApprove       ReviewDecision = "approve"
	ReviewRejectCode    ReviewDecision = "reject_code"
	ReviewRejectContext ReviewDecision = "reject_context"
)

// ResearchOutput is the structured research document produced by the
// research phase.
type ResearchOutput struct {
	FullDocument         string    `json:"full_document"`
	ConnectorName        string    `json:"connector_name"`
	ContextGapsAddressed []string  `json:"context_gaps_addressed,omitempty"`
	ResearchedAt         time.Time `json:"researched_at"`
	DurationSeconds      float64   `json:"duration_seconds"`
	TokensUsed           int       `json:"tokens_used"`
}

// GeneratedCode holds the in-state copy of generated connector source.
// Files survives process restarts even if the working directory is lost;
// downstream consumers prefer it when the disk copy is absent.
type GeneratedCode struct {
	Files    map[string]string `json:"files"`
	Action   string            `json:"action"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MockGenerationOutput summarizes the mock-fixture phase. A failure is
// recorded here (and in logs), not in the pipeline error list: mock
// generation is best-effort and the pipeline proceeds to the tester.
type MockGenerationOutput struct {
	Summary     string `json:"summary"`
	FixturesDir string `json:"fixtures_dir,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TestResults is the tester phase output. CoverageRatio is
// TestsPassed/TestsTotal, zero when no tests ran.
type TestResults struct {
	Status        string   `json:"status"` // "ok" or "error"
	Passed        bool     `json:"passed"`
	TestsPassed   int      `json:"tests_passed"`
	TestsFailed   int      `json:"tests_failed"`
	TestsTotal    int      `json:"tests_total"`
	Failures      []string `json:"failures,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Details       string   `json:"details,omitempty"`
	CoverageRatio float64  `json:"coverage_ratio"`
}

// PipelineState is the single record threaded through every node. Nodes
// never mutate it directly; they return an Update which the engine merges
// via Apply.
type PipelineState struct {
	// Request identity — set once at initialization, never mutated.
	ConnectorName   string        `json:"connector_name"`
	ConnectorType   ConnectorType `json:"connector_type"`
	OriginalRequest string        `json:"original_request"`
	APIDocURL       *string       `json:"api_doc_url,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`

	// Control.
	CurrentPhase Phase  `json:"current_phase"`
	Status       Status `json:"status"`

	// Retry counters with bounds.
	TestRetries        int `json:"test_retries"`
	MaxTestRetries     int `json:"max_test_retries"`
	GenFixRetries      int `json:"gen_fix_retries"`
	MaxGenFixRetries   int `json:"max_gen_fix_retries"`
	ReviewRetries      int `json:"review_retries"`
	MaxReviewRetries   int `json:"max_review_retries"`
	ResearchRetries    int `json:"research_retries"`
	MaxResearchRetries int `json:"max_research_retries"`

	// Artifacts.
	ResearchOutput        *ResearchOutput       `json:"research_output,omitempty"`
	ContextGaps           []string              `json:"context_gaps,omitempty"`
	GeneratedCode         *GeneratedCode        `json:"generated_code,omitempty"`
	MockGenerationOutput  *MockGenerationOutput `json:"mock_generation_output,omitempty"`
	MockGenerationSkipped bool                  `json:"mock_generation_skipped"`
	FixturesCreated       []string              `json:"fixtures_created,omitempty"`
	TestCode              map[string]string     `json:"test_code,omitempty"`
	ConnectorDir          string                `json:"connector_dir,omitempty"`
	TestResults           *TestResults          `json:"test_results,omitempty"`
	CoverageRatio         float64               `json:"coverage_ratio"`

	// Verdicts. Empty string means no decision recorded.
	TestReviewDecision TestReviewDecision `json:"test_review_decision,omitempty"`
	TestReviewFeedback []string           `json:"test_review_feedback,omitempty"`
	ReviewDecision     ReviewDecision     `json:"review_decision,omitempty"`
	ReviewFeedback     []string           `json:"review_feedback,omitempty"`
	DegradedMode       bool               `json:"degraded_mode"`
	DegradedStreams    []string           `json:"degraded_streams,omitempty"`

	// Outcome and trace.
	Published     bool       `json:"published"`
	PRURL         *string    `json:"pr_url,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
	Logs          []string   `json:"logs,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalDuration float64    `json:"total_duration"`
}

// Limits carries the retry ceilings applied to a new pipeline state.
type Limits struct {
	MaxTestRetries     int
	MaxGenFixRetries   int
	MaxReviewRetries   int
	MaxResearchRetries int
}

// DefaultLimits returns the built-in retry ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxTestRetries:     3,
		MaxGenFixRetries:   3,
		MaxReviewRetries:   2,
		MaxResearchRetries: 1,
	}
}

// New creates the initial state for a pipeline run.
func New(connectorName string, connectorType ConnectorType, originalRequest string, apiDocURL *string, limits Limits) PipelineState {
	return PipelineState{
		ConnectorName:      connectorName,
		ConnectorType:      connectorType,
		OriginalRequest:    originalRequest,
		APIDocURL:          apiDocURL,
		CreatedAt:          time.Now().UTC(),
		CurrentPhase:       PhasePending,
		Status:             StatusRunning,
		MaxTestRetries:     limits.MaxTestRetries,
		MaxGenFixRetries:   limits.MaxGenFixRetries,
		MaxReviewRetries:   limits.MaxReviewRetries,
		MaxResearchRetries: limits.MaxResearchRetries,
	}
}

// Terminal reports whether the state has reached a terminal phase.
func (s *PipelineState) Terminal() bool {
	return s.CurrentPhase == PhaseCompleted || s.CurrentPhase == PhaseFailed
}

// Clone returns a deep copy of the state. The engine hands clones to
// subscribers and the checkpoint store so later merges never alias
// previously published snapshots.
func (s *PipelineState) Clone() PipelineState {
	out := *s
	out.APIDocURL = cloneStringPtr(s.APIDocURL)
	out.PRURL = cloneStringPtr(s.PRURL)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.ResearchOutput != nil {
		ro := *s.ResearchOutput
		ro.ContextGapsAddressed = cloneStrings(s.ResearchOutput.ContextGapsAddressed)
		out.ResearchOutput = &ro
	}
	if s.GeneratedCode != nil {
		gc := *s.GeneratedCode
		gc.Files = cloneStringMap(s.GeneratedCode.Files)
		gc.Metadata = cloneStringMap(s.GeneratedCode.Metadata)
		out.GeneratedCode = &gc
	}
	if s.MockGenerationOutput != nil {
		mo := *s.MockGenerationOutput
		out.MockGenerationOutput = &mo
	}
	if s.TestResults != nil {
		tr := *s.TestResults
		tr.Failures = cloneStrings(s.TestResults.Failures)
		tr.Errors = cloneStrings(s.TestResults.Errors)
		out.TestResults = &tr
	}
	out.ContextGaps = cloneStrings(s.ContextGaps)
	out.FixturesCreated = cloneStrings(s.FixturesCreated)
	out.TestCode = cloneStringMap(s.TestCode)
	out.TestReviewFeedback = cloneStrings(s.TestReviewFeedback)
	out.ReviewFeedback = cloneStrings(s.ReviewFeedback)
	out.DegradedStreams = cloneStrings(s.DegradedStreams)
	out.Errors = cloneStrings(s.Errors)
	out.Logs = cloneStrings(s.Logs)
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
