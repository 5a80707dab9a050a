package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/graph"
	"github.com/connectorforge/forge/pkg/state"
)

// mockAgents scripts deterministic phase outputs. Queued results pop in
// order; the last entry repeats once a queue is drained.
type mockAgents struct {
	mu sync.Mutex

	researchErr    error
	generateErr    error
	mockErr        error
	testErr        error
	reviewTestsErr error
	reviewCodeErr  error
	publishErr     error

	testResults []state.TestResults
	testReviews []TestReviewResult
	reviews     []ReviewResult

	generateModes []GeneratorMode
	testModes     []TesterMode
	researchGaps  [][]string

	researchCalls int
	generateCalls int
	mockCalls     int
	testCalls     int
	publishCalls  int
}

func (m *mockAgents) Research(_ context.Context, in ResearchInput) (*state.ResearchOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.researchCalls++
	m.researchGaps = append(m.researchGaps, in.ContextGaps)
	if m.researchErr != nil {
		return nil, m.researchErr
	}
	return &state.ResearchOutput{
		FullDocument:         "## " + in.ConnectorName + " API\nauth, endpoints, rate limits",
		ConnectorName:        in.ConnectorName,
		ContextGapsAddressed: in.ContextGaps,
		ResearchedAt:         time.Now().UTC(),
		DurationSeconds:      1.5,
		TokensUsed:           1200,
	}, nil
}

func (m *mockAgents) Generate(_ context.Context, in GenerateInput) (*GenerateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	m.generateModes = append(m.generateModes, in.Mode)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &GenerateResult{
		Code: &state.GeneratedCode{
			Files: map[string]string{
				"connector.py": "class Connector: ...",
				"client.py":    "class Client: ...",
				"streams.py":   "STREAMS = [...]",
				"auth.py":      "class Auth: ...",
				"schema.json":  "{}",
			},
			Action: string(in.Mode),
		},
		ConnectorDir: "source-" + in.ConnectorName,
	}, nil
}

func (m *mockAgents) GenerateMocks(_ context.Context, in MockInput) (*MockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mockCalls++
	if m.mockErr != nil {
		return nil, m.mockErr
	}
	if m.mockCalls > 1 {
		return &MockResult{
			Output:  &state.MockGenerationOutput{Summary: "fixtures already exist"},
			Skipped: true,
		}, nil
	}
	return &MockResult{
		Output: &state.MockGenerationOutput{
			Summary:     "created 3 fixtures",
			FixturesDir: in.ConnectorDir + "/tests/fixtures",
		},
		FixturesCreated: []string{"fixtures/list.json", "fixtures/get.json", "fixtures/error.json"},
	}, nil
}

func (m *mockAgents) RunTests(_ context.Context, in TestInput) (*TestRunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testCalls++
	m.testModes = append(m.testModes, in.Mode)
	if m.testErr != nil {
		return nil, m.testErr
	}
	results := state.TestResults{Status: "ok", Passed: true, TestsPassed: 20, TestsTotal: 20}
	if len(m.testResults) > 0 {
		results = m.testResults[0]
		if len(m.testResults) > 1 {
			m.testResults = m.testResults[1:]
		}
	}
	return &TestRunResult{
		Results:  &results,
		TestCode: map[string]string{"tests/test_connector.py": "def test_ok(): ..."},
	}, nil
}

func (m *mockAgents) ReviewTests(_ context.Context, _ TestReviewInput) (*TestReviewResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reviewTestsErr != nil {
		return nil, m.reviewTestsErr
	}
	if len(m.testReviews) == 0 {
		return &TestReviewResult{Decision: state.TestReviewValidFail}, nil
	}
	res := m.testReviews[0]
	if len(m.testReviews) > 1 {
		m.testReviews = m.testReviews[1:]
	}
	return &res, nil
}

func (m *mockAgents) ReviewCode(_ context.Context, _ ReviewInput) (*ReviewResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reviewCodeErr != nil {
		return nil, m.reviewCodeErr
	}
	if len(m.reviews) == 0 {
		return &ReviewResult{}, nil // no override, coverage triage stands
	}
	res := m.reviews[0]
	if len(m.reviews) > 1 {
		m.reviews = m.reviews[1:]
	}
	return &res, nil
}

func (m *mockAgents) Publish(_ context.Context, in PublishInput) (*PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCalls++
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &PublishResult{PRURL: "https://git.example/repo/tree/connector/" + in.ConnectorName}, nil
}

func runPipeline(t *testing.T, agents Agents, store checkpoint.Store, threadID string, emit graph.StepFunc) (state.PipelineState, error) {
	t.Helper()
	app, err := New(agents, nil).Build(store)
	require.NoError(t, err)
	initial := state.New("widget-api", state.ConnectorTypeSource, "build widget-api", nil, state.DefaultLimits())
	return app.Stream(context.Background(), &initial, threadID, emit)
}

func TestScenarioA_HappyPath(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{}

	var visited []string
	final, err := runPipeline(t, agents, store, "pipeline-widget-api-0000000a", func(s graph.Step) {
		visited = append(visited, s.Node)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		NodeResearch, NodeGenerator, NodeMockGenerator, NodeTester,
		NodeTestReviewer, NodeReviewer, NodePublisher,
	}, visited)

	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Equal(t, state.PhaseCompleted, final.CurrentPhase)
	assert.Equal(t, 1.0, final.CoverageRatio)
	assert.Equal(t, 0, final.TestRetries)
	assert.Equal(t, 0, final.GenFixRetries)
	assert.Equal(t, 0, final.ReviewRetries)
	assert.Equal(t, 0, final.ResearchRetries)
	assert.False(t, final.DegradedMode)
	assert.True(t, final.Published)
	require.NotNil(t, final.PRURL)
	assert.Equal(t, "https://git.example/repo/tree/connector/widget-api", *final.PRURL)
	require.NotNil(t, final.CompletedAt)

	history, err := store.History(context.Background(), "pipeline-widget-api-0000000a")
	require.NoError(t, err)
	assert.Len(t, history, 7)
}

func TestScenarioB_TestFixCycle(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{
		testResults: []state.TestResults{
			{Status: "ok", Passed: false, TestsPassed: 0, TestsFailed: 0, TestsTotal: 0},
			{Status: "ok", Passed: false, TestsPassed: 20, TestsFailed: 5, TestsTotal: 25},
			{Status: "ok", Passed: false, TestsPassed: 23, TestsFailed: 2, TestsTotal: 25},
			{Status: "ok", Passed: true, TestsPassed: 25, TestsFailed: 0, TestsTotal: 25},
		},
		testReviews: []TestReviewResult{
			{Decision: state.TestReviewInvalid, Feedback: []string{"TEST_ISSUE: mocks never registered", "FIX: register fixtures in loader"}},
			{Decision: state.TestReviewValidFail, Feedback: []string{"CODE_BUG: pagination cursor ignored", "FIX: pass cursor param"}},
			{Decision: state.TestReviewValidFail, Feedback: []string{"CODE_BUG: error model mismatch", "FIX: map 429 to retryable"}},
		},
	}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-0000000b", nil)
	require.NoError(t, err)

	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Equal(t, state.PhaseCompleted, final.CurrentPhase)
	assert.Equal(t, 1, final.TestRetries)
	assert.Equal(t, 2, final.GenFixRetries)
	assert.Equal(t, 0, final.ReviewRetries)
	assert.Equal(t, 0, final.ResearchRetries)

	// Generator ran initial, then twice in fix mode; the tester fixed its
	// own suite once and reran after each code fix.
	assert.Equal(t, []GeneratorMode{GenerateModeInitial, GenerateModeFix, GenerateModeFix}, agents.generateModes)
	assert.Equal(t, []TesterMode{TestModeGenerate, TestModeFix, TestModeRerun, TestModeRerun}, agents.testModes)
}

func TestScenarioC_RejectContextReResearch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{
		reviews: []ReviewResult{
			{Decision: state.ReviewRejectContext, ContextGaps: []string{"pagination endpoint missing"}},
			{Decision: state.ReviewRejectCode, Feedback: []string{"streams.py hardcodes page size"}},
			{}, // coverage triage stands: approve at 1.0
		},
	}

	var afterReset *state.PipelineState
	final, err := runPipeline(t, agents, store, "pipeline-widget-api-0000000c", func(s graph.Step) {
		if s.Node == NodeReviewer && afterReset == nil {
			st := s.State.Clone()
			afterReset = &st
		}
	})
	require.NoError(t, err)

	// The first reviewer pass performed the re-research reset.
	require.NotNil(t, afterReset)
	assert.Nil(t, afterReset.GeneratedCode)
	assert.Nil(t, afterReset.TestResults)
	assert.Equal(t, 0.0, afterReset.CoverageRatio)
	assert.Equal(t, 1, afterReset.ResearchRetries)
	assert.Equal(t, state.ReviewRejectContext, afterReset.ReviewDecision)
	assert.Contains(t, afterReset.ContextGaps, "pagination endpoint missing")

	// The second research pass received the accumulated gaps, and the
	// research node cleared the preserved decision.
	require.Len(t, agents.researchGaps, 2)
	assert.Empty(t, agents.researchGaps[0])
	assert.Contains(t, agents.researchGaps[1], "pagination endpoint missing")

	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Equal(t, 1, final.ResearchRetries)
	assert.Equal(t, 1, final.ReviewRetries)
}

func TestScenarioD_ExhaustedTestRetries(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{
		testResults: []state.TestResults{
			{Status: "ok", Passed: false, TestsPassed: 0, TestsFailed: 0, TestsTotal: 0},
		},
		testReviews: []TestReviewResult{
			{Decision: state.TestReviewInvalid, Feedback: []string{"TEST_ISSUE: wrong patch path"}},
		},
	}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-0000000d", nil)
	require.NoError(t, err)

	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Equal(t, state.PhaseFailed, final.CurrentPhase)
	assert.Equal(t, final.MaxTestRetries, final.TestRetries)
	assert.False(t, final.Published)
	require.NotNil(t, final.CompletedAt)
}

func TestScenarioE_DegradedModePublish(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{
		testResults: []state.TestResults{
			{Status: "ok", Passed: true, TestsPassed: 17, TestsFailed: 3, TestsTotal: 20},
		},
		reviews: []ReviewResult{
			{Decision: state.ReviewApprove, DegradedStreams: []string{"stream_3", "stream_4"}},
		},
	}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-0000000e", nil)
	require.NoError(t, err)

	assert.Equal(t, state.StatusPartial, final.Status)
	assert.Equal(t, state.PhaseCompleted, final.CurrentPhase)
	assert.InDelta(t, 0.85, final.CoverageRatio, 0.001)
	assert.True(t, final.DegradedMode)
	assert.Equal(t, []string{"stream_3", "stream_4"}, final.DegradedStreams)
	require.NotNil(t, final.PRURL)
}

func TestScenarioF_CrashAndResume(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	threadID := "pipeline-widget-api-0000000f"

	// First process: cancel right after the tester checkpoint lands.
	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(&mockAgents{}, nil).Build(store)
	require.NoError(t, err)
	initial := state.New("widget-api", state.ConnectorTypeSource, "build widget-api", nil, state.DefaultLimits())
	_, err = app.Stream(ctx, &initial, threadID, func(s graph.Step) {
		if s.Node == NodeTester {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	latest, err := store.GetLatest(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []string{NodeTestReviewer}, latest.NextNodes)

	// Second process: fresh pipeline and app over the same store, resumed
	// with a nil initial state.
	agents := &mockAgents{}
	app2, err := New(agents, nil).Build(store)
	require.NoError(t, err)
	var resumed []string
	final, err := app2.Stream(context.Background(), nil, threadID, func(s graph.Step) {
		resumed = append(resumed, s.Node)
	})
	require.NoError(t, err)

	// Continues from test_reviewer, never re-running the tester.
	assert.Equal(t, []string{NodeTestReviewer, NodeReviewer, NodePublisher}, resumed)
	assert.Equal(t, 0, agents.testCalls)

	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Equal(t, state.PhaseCompleted, final.CurrentPhase)
	assert.Equal(t, 1.0, final.CoverageRatio)
	require.NotNil(t, final.PRURL)

	history, err := store.History(context.Background(), threadID)
	require.NoError(t, err)
	assert.Len(t, history, 7)
}

func TestResearchFailureRoutesToFailed(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{researchErr: errors.New("agent session unavailable")}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-00000010", nil)
	require.NoError(t, err)

	assert.Equal(t, state.PhaseFailed, final.CurrentPhase)
	assert.Equal(t, state.StatusFailed, final.Status)
	require.NotEmpty(t, final.Errors)
	assert.Contains(t, final.Errors[0], "agent session unavailable")
	assert.Equal(t, 0, agents.generateCalls)
}

func TestMockGeneratorFailureIsBestEffort(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{mockErr: errors.New("fixture synthesis failed")}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-00000011", nil)
	require.NoError(t, err)

	// The failure is recorded on the mock output, not the error list, and
	// the pipeline still ships.
	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Empty(t, final.Errors)
	require.NotNil(t, final.MockGenerationOutput)
	assert.Contains(t, final.MockGenerationOutput.Error, "fixture synthesis failed")
	assert.Equal(t, 1, agents.testCalls)
}

func TestPublisherFailureRoutesToFailed(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{publishErr: errors.New("missing repo access token")}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-00000012", nil)
	require.NoError(t, err)

	assert.Equal(t, state.PhaseFailed, final.CurrentPhase)
	assert.Equal(t, state.StatusFailed, final.Status)
	assert.False(t, final.Published)
	assert.Nil(t, final.PRURL)
	require.NotEmpty(t, final.Errors)
	assert.Contains(t, final.Errors[0], "missing repo access token")
}

func TestTestReviewerAdapterFailureDefaultsToValidFail(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{
		testResults: []state.TestResults{
			{Status: "ok", Passed: false, TestsPassed: 10, TestsFailed: 10, TestsTotal: 20},
			{Status: "ok", Passed: true, TestsPassed: 20, TestsFailed: 0, TestsTotal: 20},
		},
		reviewTestsErr: errors.New("reviewer session timed out"),
	}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-00000013", nil)
	require.NoError(t, err)

	// One default valid_fail verdict sent the generator on a fix pass.
	assert.Equal(t, state.StatusSuccess, final.Status)
	assert.Equal(t, 1, final.GenFixRetries)
	assert.Equal(t, 2, agents.generateCalls)
}

func TestTesterInfrastructureFailureTriagedAsValidFail(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	agents := &mockAgents{testErr: errors.New("pytest harness missing")}

	final, err := runPipeline(t, agents, store, "pipeline-widget-api-00000014", nil)
	require.NoError(t, err)

	// Tester error becomes test_results.status=error; the default
	// valid_fail verdict loops through the generator until the budget is
	// spent, then the router fails the run.
	assert.Equal(t, state.PhaseFailed, final.CurrentPhase)
	assert.Equal(t, final.MaxGenFixRetries, final.GenFixRetries)
	assert.Empty(t, final.Errors)
}
