package state

import (
	"fmt"
	"time"
)

// Update is a partial state update returned by a node. Nil pointer fields
// and nil slices mean "no change".
//
// Merge policies per field family:
//   - scalars: overwrite when the pointer (or non-empty enum) is set
//   - ContextGaps, Errors: append
//   - Logs: append, then trim to the newest MaxLogsInState entries
//   - TestReviewFeedback, ReviewFeedback, DegradedStreams, FixturesCreated:
//     replace when non-nil — an explicit empty slice clears (this is how the
//     generator clears consumed feedback)
//   - ResetArtifacts: the reviewer's re-research reset, applied before the
//     field merges; it preserves ReviewDecision for the router to consume
type Update struct {
	CurrentPhase Phase
	Status       Status

	TestRetries     *int
	GenFixRetries   *int
	ReviewRetries   *int
	ResearchRetries *int

	ResearchOutput        *ResearchOutput
	ContextGaps           []string
	GeneratedCode         *GeneratedCode
	MockGenerationOutput  *MockGenerationOutput
	MockGenerationSkipped *bool
	FixturesCreated       []string
	TestCode              map[string]string
	ConnectorDir          string
	TestResults           *TestResults
	CoverageRatio         *float64

	// SetTestReviewDecision / SetReviewDecision distinguish "clear the
	// decision" from "no change" since the empty enum is the null value.
	TestReviewDecision    TestReviewDecision
	SetTestReviewDecision bool
	TestReviewFeedback    []string
	ReviewDecision        ReviewDecision
	SetReviewDecision     bool
	ReviewFeedback        []string
	DegradedMode          *bool
	DegradedStreams       []string

	Published     *bool
	PRURL         *string
	Errors        []string
	Logs          []string
	CompletedAt   *time.Time
	TotalDuration *float64

	ResetArtifacts bool
}

// Apply merges an update into a previous state and returns the new state.
// It is pure: prev is not mutated, and applying the same update to equal
// states yields equal results.
func Apply(prev PipelineState, u *Update) PipelineState {
	s := prev.Clone()
	if u == nil {
		return s
	}

	if u.ResetArtifacts {
		s.GeneratedCode = nil
		s.TestCode = nil
		s.TestResults = nil
		s.CoverageRatio = 0
		s.TestReviewDecision = ""
		s.TestReviewFeedback = nil
		s.ReviewFeedback = nil
	}

	if u.CurrentPhase != "" {
		s.CurrentPhase = u.CurrentPhase
	}
	if u.Status != "" {
		s.Status = u.Status
	}

	if u.TestRetries != nil {
		s.TestRetries = *u.TestRetries
	}
	if u.GenFixRetries != nil {
		s.GenFixRetries = *u.GenFixRetries
	}
	if u.ReviewRetries != nil {
		s.ReviewRetries = *u.ReviewRetries
	}
	if u.ResearchRetries != nil {
		s.ResearchRetries = *u.ResearchRetries
	}

	if u.ResearchOutput != nil {
		s.ResearchOutput = u.ResearchOutput
	}
	if u.GeneratedCode != nil {
		s.GeneratedCode = u.GeneratedCode
	}
	if u.MockGenerationOutput != nil {
		s.MockGenerationOutput = u.MockGenerationOutput
	}
	if u.MockGenerationSkipped != nil {
		s.MockGenerationSkipped = *u.MockGenerationSkipped
	}
	if u.TestCode != nil {
		s.TestCode = cloneStringMap(u.TestCode)
	}
	if u.ConnectorDir != "" {
		s.ConnectorDir = u.ConnectorDir
	}
	if u.TestResults != nil {
		s.TestResults = u.TestResults
	}
	if u.CoverageRatio != nil {
		s.CoverageRatio = *u.CoverageRatio
	}

	// Append-style fields.
	s.ContextGaps = appendList(s.ContextGaps, u.ContextGaps)
	s.Errors = appendList(s.Errors, u.Errors)
	s.Logs = trimAppend(s.Logs, u.Logs, MaxLogsInState)

	// Replace-style list fields: non-nil replaces, empty clears.
	if u.FixturesCreated != nil {
		s.FixturesCreated = cloneStrings(u.FixturesCreated)
	}
	if u.TestReviewFeedback != nil {
		s.TestReviewFeedback = cloneStrings(u.TestReviewFeedback)
	}
	if u.ReviewFeedback != nil {
		s.ReviewFeedback = cloneStrings(u.ReviewFeedback)
	}
	if u.DegradedStreams != nil {
		s.DegradedStreams = cloneStrings(u.DegradedStreams)
	}

	if u.SetTestReviewDecision {
		s.TestReviewDecision = u.TestReviewDecision
	}
	if u.SetReviewDecision {
		s.ReviewDecision = u.ReviewDecision
	}
	if u.DegradedMode != nil {
		s.DegradedMode = *u.DegradedMode
	}

	if u.Published != nil {
		s.Published = *u.Published
	}
	if u.PRURL != nil {
		s.PRURL = cloneStringPtr(u.PRURL)
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		s.CompletedAt = &t
	}
	if u.TotalDuration != nil {
		s.TotalDuration = *u.TotalDuration
	}

	return s
}

// LogEntry formats a timestamped log line for the state log trail.
func LogEntry(format string, args ...any) string {
	return fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

func appendList(old, add []string) []string {
	if len(add) == 0 {
		return old
	}
	out := make([]string, 0, len(old)+len(add))
	out = append(out, old...)
	out = append(out, add...)
	return out
}

func trimAppend(old, add []string, limit int) []string {
	merged := appendList(old, add)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

// IntPtr, Float64Ptr and BoolPtr are small helpers for building updates.
func IntPtr(v int) *int             { return &v }
func Float64Ptr(v float64) *float64 { return &v }
func BoolPtr(v bool) *bool          { return &v }
func StringPtr(v string) *string    { return &v }
