// Package pipeline assembles the connector pipeline: seven phase nodes, the
// routing policy between them, and the compiled graph.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/graph"
	"github.com/connectorforge/forge/pkg/state"
)

// Pipeline binds the phase agents to the node functions.
type Pipeline struct {
	agents Agents
	logger *slog.Logger
}

// New creates a pipeline driving the given agents.
func New(agents Agents, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{agents: agents, logger: logger.With("component", "pipeline")}
}

// Build compiles the pipeline graph against a checkpoint store.
func (p *Pipeline) Build(store checkpoint.Store) (*graph.App, error) {
	b := graph.NewBuilder()

	nodes := map[string]graph.NodeFunc{
		NodeResearch:      p.researchNode,
		NodeGenerator:     p.generatorNode,
		NodeMockGenerator: p.mockGeneratorNode,
		NodeTester:        p.testerNode,
		NodeTestReviewer:  p.testReviewerNode,
		NodeReviewer:      p.reviewerNode,
		NodePublisher:     p.publisherNode,
		NodeFailed:        p.failedNode,
	}
	for name, fn := range nodes {
		if err := b.AddNode(name, fn); err != nil {
			return nil, err
		}
	}

	if err := b.AddConditionalEdges(NodeResearch, routeAfterResearch, []string{NodeGenerator, NodeFailed}); err != nil {
		return nil, err
	}
	if err := b.AddConditionalEdges(NodeGenerator, routeAfterGenerate, []string{NodeMockGenerator, NodeFailed}); err != nil {
		return nil, err
	}
	// Mock generation is best-effort: its failures are recorded in the mock
	// output, never in the error list, so the edge is unconditional.
	if err := b.AddEdge(NodeMockGenerator, NodeTester); err != nil {
		return nil, err
	}
	if err := b.AddEdge(NodeTester, NodeTestReviewer); err != nil {
		return nil, err
	}
	if err := b.AddConditionalEdges(NodeTestReviewer, RouteAfterTestReview,
		[]string{NodeTester, NodeGenerator, NodeReviewer, NodeFailed}); err != nil {
		return nil, err
	}
	if err := b.AddConditionalEdges(NodeReviewer, RouteAfterReview,
		[]string{NodeGenerator, NodeResearch, NodePublisher, NodeFailed}); err != nil {
		return nil, err
	}
	if err := b.AddConditionalEdges(NodePublisher, routeAfterPublish, []string{NodeFailed, graph.End}); err != nil {
		return nil, err
	}
	if err := b.AddEdge(NodeFailed, graph.End); err != nil {
		return nil, err
	}

	b.SetEntry(NodeResearch)
	return b.Compile(store)
}

// researchNode produces the structured research document. On re-entry after
// REJECT:CONTEXT it targets the accumulated context gaps, and clears the
// review decision the reviewer preserved for routing.
func (p *Pipeline) researchNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	logs := []string{state.LogEntry("research: starting for %s (retry %d, %d context gaps)",
		st.ConnectorName, st.ResearchRetries, len(st.ContextGaps))}

	out, err := p.agents.Research(ctx, ResearchInput{
		ConnectorName:   st.ConnectorName,
		ConnectorType:   st.ConnectorType,
		OriginalRequest: st.OriginalRequest,
		APIDocURL:       st.APIDocURL,
		ContextGaps:     st.ContextGaps,
		ResearchRetries: st.ResearchRetries,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase:      state.PhaseResearching,
			SetReviewDecision: true,
			Errors:            []string{fmt.Sprintf("research: %v", err)},
			Logs:              append(logs, state.LogEntry("research: failed: %v", err)),
		}, nil
	}

	p.logger.Info("research completed", "connector", st.ConnectorName, "tokens", out.TokensUsed)
	return state.Update{
		CurrentPhase:      state.PhaseResearching,
		ResearchOutput:    out,
		SetReviewDecision: true,
		Logs: append(logs, state.LogEntry("research: completed in %.1fs (%d tokens)",
			out.DurationSeconds, out.TokensUsed)),
	}, nil
}

// generatorMode computes the generator sub-mode from the state pattern.
func generatorMode(st state.PipelineState) GeneratorMode {
	switch {
	case len(st.TestReviewFeedback) > 0:
		return GenerateModeFix
	case len(st.ReviewFeedback) > 0:
		return GenerateModeImprove
	default:
		return GenerateModeInitial
	}
}

// generatorNode produces or repairs connector source. It clears both
// feedback lists by explicit overwrite after consuming them.
func (p *Pipeline) generatorNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	mode := generatorMode(st)
	logs := []string{state.LogEntry("generator: starting for %s (mode %s)", st.ConnectorName, mode)}

	res, err := p.agents.Generate(ctx, GenerateInput{
		Mode:               mode,
		ConnectorName:      st.ConnectorName,
		ConnectorType:      st.ConnectorType,
		Research:           st.ResearchOutput,
		GeneratedCode:      st.GeneratedCode,
		TestReviewFeedback: st.TestReviewFeedback,
		ReviewFeedback:     st.ReviewFeedback,
		ConnectorDir:       st.ConnectorDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase: state.PhaseGenerating,
			Errors:       []string{fmt.Sprintf("generator: %v", err)},
			Logs:         append(logs, state.LogEntry("generator: failed: %v", err)),
		}, nil
	}

	fileCount := 0
	if res.Code != nil {
		fileCount = len(res.Code.Files)
	}
	return state.Update{
		CurrentPhase:       state.PhaseGenerating,
		GeneratedCode:      res.Code,
		ConnectorDir:       res.ConnectorDir,
		TestReviewFeedback: []string{},
		ReviewFeedback:     []string{},
		Logs:               append(logs, state.LogEntry("generator: produced %d files", fileCount)),
	}, nil
}

// mockGeneratorNode produces API mock fixtures. It is best-effort: a
// failure is recorded in the mock output and logs, and the pipeline
// proceeds to the tester regardless.
func (p *Pipeline) mockGeneratorNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	logs := []string{state.LogEntry("mock_generator: starting for %s", st.ConnectorName)}

	res, err := p.agents.GenerateMocks(ctx, MockInput{
		ConnectorName: st.ConnectorName,
		ConnectorDir:  st.ConnectorDir,
		GeneratedCode: st.GeneratedCode,
		Research:      st.ResearchOutput,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase: state.PhaseMockGenerating,
			MockGenerationOutput: &state.MockGenerationOutput{
				Summary: "mock generation failed",
				Error:   err.Error(),
			},
			MockGenerationSkipped: state.BoolPtr(false),
			Logs:                  append(logs, state.LogEntry("mock_generator: failed (continuing): %v", err)),
		}, nil
	}

	if res.Skipped {
		logs = append(logs, state.LogEntry("mock_generator: fixtures already exist, skipping"))
	} else {
		logs = append(logs, state.LogEntry("mock_generator: created %d fixtures", len(res.FixturesCreated)))
	}
	update := state.Update{
		CurrentPhase:          state.PhaseMockGenerating,
		MockGenerationOutput:  res.Output,
		MockGenerationSkipped: state.BoolPtr(res.Skipped),
		Logs:                  logs,
	}
	if res.FixturesCreated != nil {
		update.FixturesCreated = res.FixturesCreated
	}
	return update, nil
}

// testerMode computes the tester sub-mode from counters and feedback tags.
func testerMode(st state.PipelineState) TesterMode {
	if st.TestRetries > 0 && hasFeedbackTag(st.TestReviewFeedback, "TEST_ISSUE:") {
		return TestModeFix
	}
	if st.GenFixRetries > 0 {
		return TestModeRerun
	}
	return TestModeGenerate
}

func hasFeedbackTag(feedback []string, tag string) bool {
	for _, f := range feedback {
		if strings.HasPrefix(f, tag) {
			return true
		}
	}
	return false
}

// testerNode authors or re-executes the test suite. Infrastructure failures
// surface as test_results.status=error rather than pipeline errors, so the
// test reviewer can triage them.
func (p *Pipeline) testerNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	mode := testerMode(st)
	logs := []string{state.LogEntry("tester: starting for %s (mode %s)", st.ConnectorName, mode)}

	res, err := p.agents.RunTests(ctx, TestInput{
		Mode:               mode,
		ConnectorName:      st.ConnectorName,
		ConnectorDir:       st.ConnectorDir,
		GeneratedCode:      st.GeneratedCode,
		TestCode:           st.TestCode,
		TestReviewFeedback: st.TestReviewFeedback,
		FixturesCreated:    st.FixturesCreated,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase: state.PhaseTesting,
			TestResults: &state.TestResults{
				Status: "error",
				Passed: false,
				Errors: []string{err.Error()},
			},
			CoverageRatio: state.Float64Ptr(0),
			Logs:          append(logs, state.LogEntry("tester: infrastructure failure: %v", err)),
		}, nil
	}

	results := res.Results
	if results == nil {
		results = &state.TestResults{Status: "error", Passed: false,
			Errors: []string{"tester returned no results"}}
	}
	results.CoverageRatio = coverageRatio(results)

	update := state.Update{
		CurrentPhase:  state.PhaseTesting,
		TestResults:   results,
		CoverageRatio: state.Float64Ptr(results.CoverageRatio),
		Logs: append(logs, state.LogEntry("tester: %d/%d passed (coverage %.2f)",
			results.TestsPassed, results.TestsTotal, results.CoverageRatio)),
	}
	if res.TestCode != nil {
		update.TestCode = res.TestCode
	}
	if mode == TestModeFix {
		// The fix consumed the TEST_ISSUE feedback; clear it by explicit
		// overwrite so later generator entries dispatch on fresh signals.
		update.TestReviewFeedback = []string{}
	}
	return update, nil
}

// coverageRatio is tests_passed/tests_total, zero when no tests ran.
func coverageRatio(tr *state.TestResults) float64 {
	if tr.TestsTotal == 0 {
		return 0
	}
	return float64(tr.TestsPassed) / float64(tr.TestsTotal)
}

// testReviewerNode classifies why tests failed. Passing tests take the fast
// path: valid_pass, no feedback, no counter increment. On adapter failure it
// defaults to valid_fail, preferring a code fix over a test fix when the
// signal is unclear.
func (p *Pipeline) testReviewerNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	logs := []string{state.LogEntry("test_reviewer: starting for %s", st.ConnectorName)}

	if st.TestResults != nil && st.TestResults.Passed {
		return state.Update{
			CurrentPhase:          state.PhaseTestReviewing,
			TestReviewDecision:    state.TestReviewValidPass,
			SetTestReviewDecision: true,
			Logs:                  append(logs, state.LogEntry("test_reviewer: tests passed, valid_pass")),
		}, nil
	}

	res, err := p.agents.ReviewTests(ctx, TestReviewInput{
		ConnectorName: st.ConnectorName,
		ConnectorDir:  st.ConnectorDir,
		TestResults:   st.TestResults,
		TestCode:      st.TestCode,
		GeneratedCode: st.GeneratedCode,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase:          state.PhaseTestReviewing,
			TestReviewDecision:    state.TestReviewValidFail,
			SetTestReviewDecision: true,
			GenFixRetries:         state.IntPtr(st.GenFixRetries + 1),
			Logs: append(logs, state.LogEntry(
				"test_reviewer: adapter failed, defaulting to valid_fail: %v", err)),
		}, nil
	}

	update := state.Update{
		CurrentPhase:          state.PhaseTestReviewing,
		TestReviewDecision:    res.Decision,
		SetTestReviewDecision: true,
		Logs:                  append(logs, state.LogEntry("test_reviewer: decision %s", res.Decision)),
	}
	if res.Feedback != nil {
		update.TestReviewFeedback = res.Feedback
	}
	switch res.Decision {
	case state.TestReviewInvalid:
		update.TestRetries = state.IntPtr(st.TestRetries + 1)
	case state.TestReviewValidFail:
		update.GenFixRetries = state.IntPtr(st.GenFixRetries + 1)
	}
	return update, nil
}

// reviewerNode decides whether to ship. The decision is coverage-driven;
// the agent may override it on semantic grounds. On reject_context it
// performs the re-research reset, preserving review_decision for the
// router to consume.
func (p *Pipeline) reviewerNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	logs := []string{state.LogEntry("reviewer: starting for %s (coverage %.2f)",
		st.ConnectorName, st.CoverageRatio)}

	res, err := p.agents.ReviewCode(ctx, ReviewInput{
		ConnectorName: st.ConnectorName,
		ConnectorDir:  st.ConnectorDir,
		CoverageRatio: st.CoverageRatio,
		GeneratedCode: st.GeneratedCode,
		TestResults:   st.TestResults,
		Research:      st.ResearchOutput,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase: state.PhaseReviewing,
			Errors:       []string{fmt.Sprintf("reviewer: %v", err)},
			Logs:         append(logs, state.LogEntry("reviewer: failed: %v", err)),
		}, nil
	}

	decision := triageByCoverage(st.CoverageRatio)
	if res.Decision != "" {
		decision = res.Decision
	}
	logs = append(logs, state.LogEntry("reviewer: decision %s", decision))

	update := state.Update{
		CurrentPhase:      state.PhaseReviewing,
		ReviewDecision:    decision,
		SetReviewDecision: true,
		Logs:              logs,
	}

	switch decision {
	case state.ReviewApprove:
		if st.CoverageRatio < 1.0 {
			update.DegradedMode = state.BoolPtr(true)
			if res.DegradedStreams != nil {
				update.DegradedStreams = res.DegradedStreams
			}
		}
		if res.Feedback != nil {
			update.ReviewFeedback = res.Feedback
		}
	case state.ReviewRejectCode:
		update.ReviewRetries = state.IntPtr(st.ReviewRetries + 1)
		if res.Feedback != nil {
			update.ReviewFeedback = res.Feedback
		}
	case state.ReviewRejectContext:
		// Re-research reset: scrub artifacts, accumulate the gap,
		// pre-increment research_retries. review_decision stays set.
		update.ResetArtifacts = true
		update.ResearchRetries = state.IntPtr(st.ResearchRetries + 1)
		gaps := res.ContextGaps
		if len(gaps) == 0 {
			gaps = []string{fmt.Sprintf("review found fundamental misunderstanding at coverage %.2f", st.CoverageRatio)}
		}
		update.ContextGaps = gaps
		update.Logs = append(update.Logs,
			state.LogEntry("reviewer: re-research reset, research_retries now %d", st.ResearchRetries+1))
	}
	return update, nil
}

// triageByCoverage implements the coverage-threshold policy.
func triageByCoverage(coverage float64) state.ReviewDecision {
	switch {
	case coverage >= coverageApproveThreshold:
		return state.ReviewApprove
	case coverage >= coverageRejectThreshold:
		return state.ReviewRejectCode
	default:
		return state.ReviewRejectContext
	}
}

// publisherNode places the generated files on the code host. Success sets
// the terminal status: partial when shipping in degraded mode, success
// otherwise.
func (p *Pipeline) publisherNode(ctx context.Context, st state.PipelineState) (state.Update, error) {
	logs := []string{state.LogEntry("publisher: starting for %s (degraded=%v)",
		st.ConnectorName, st.DegradedMode)}

	res, err := p.agents.Publish(ctx, PublishInput{
		ConnectorName:   st.ConnectorName,
		ConnectorDir:    st.ConnectorDir,
		GeneratedCode:   st.GeneratedCode,
		TestCode:        st.TestCode,
		DegradedMode:    st.DegradedMode,
		DegradedStreams: st.DegradedStreams,
	})
	if err != nil {
		if ctx.Err() != nil {
			return state.Update{}, err
		}
		return state.Update{
			CurrentPhase: state.PhasePublishing,
			Errors:       []string{fmt.Sprintf("publisher: %v", err)},
			Logs:         append(logs, state.LogEntry("publisher: failed: %v", err)),
		}, nil
	}

	status := state.StatusSuccess
	if st.DegradedMode {
		status = state.StatusPartial
	}
	p.logger.Info("connector published",
		"connector", st.ConnectorName, "pr_url", res.PRURL, "status", status)
	return state.Update{
		CurrentPhase: state.PhaseCompleted,
		Status:       status,
		Published:    state.BoolPtr(true),
		PRURL:        state.StringPtr(res.PRURL),
		Logs:         append(logs, state.LogEntry("publisher: published at %s", res.PRURL)),
	}, nil
}

// failedNode marks the terminal failure state.
func (p *Pipeline) failedNode(_ context.Context, st state.PipelineState) (state.Update, error) {
	p.logger.Warn("pipeline failed",
		"connector", st.ConnectorName, "errors", len(st.Errors), "phase", st.CurrentPhase)
	return state.Update{
		CurrentPhase: state.PhaseFailed,
		Status:       state.StatusFailed,
		Logs:         []string{state.LogEntry("pipeline failed after phase %s", st.CurrentPhase)},
	}, nil
}
