package pipeline

import (
	"context"

	"github.com/connectorforge/forge/pkg/state"
)

// GeneratorMode selects the generator sub-mode, computed from state pattern
// at node entry (which feedback lists are present).
type GeneratorMode string

const (
	GenerateModeInitial GeneratorMode = "generate"
	GenerateModeFix     GeneratorMode = "fix"
	GenerateModeImprove GeneratorMode = "improve"
)

// TesterMode selects the tester sub-mode, computed from counters and
// feedback tags.
type TesterMode string

const (
	TestModeGenerate TesterMode = "generate"
	TestModeRerun    TesterMode = "rerun"
	TestModeFix      TesterMode = "fix"
)

// ResearchInput carries the state fields the research agent reads.
type ResearchInput struct {
	ConnectorName   string
	ConnectorType   state.ConnectorType
	OriginalRequest string
	APIDocURL       *string
	ContextGaps     []string
	ResearchRetries int
}

// GenerateInput carries the state fields the generator agent reads.
type GenerateInput struct {
	Mode               GeneratorMode
	ConnectorName      string
	ConnectorType      state.ConnectorType
	Research           *state.ResearchOutput
	GeneratedCode      *state.GeneratedCode
	TestReviewFeedback []string
	ReviewFeedback     []string
	ConnectorDir       string
}

// GenerateResult is the generator agent's output.
type GenerateResult struct {
	Code         *state.GeneratedCode
	ConnectorDir string
}

// MockInput carries the state fields the mock generator agent reads.
type MockInput struct {
	ConnectorName string
	ConnectorDir  string
	GeneratedCode *state.GeneratedCode
	Research      *state.ResearchOutput
}

// MockResult is the mock generator agent's output. Skipped is true when the
// fixtures directory and loader already existed.
type MockResult struct {
	Output          *state.MockGenerationOutput
	FixturesCreated []string
	Skipped         bool
}

// TestInput carries the state fields the tester agent reads.
type TestInput struct {
	Mode               TesterMode
	ConnectorName      string
	ConnectorDir       string
	GeneratedCode      *state.GeneratedCode
	TestCode           map[string]string
	TestReviewFeedback []string
	FixturesCreated    []string
}

// TestRunResult is the tester agent's output.
type TestRunResult struct {
	Results  *state.TestResults
	TestCode map[string]string
}

// TestReviewInput carries the state fields the test reviewer agent reads.
type TestReviewInput struct {
	ConnectorName string
	ConnectorDir  string
	TestResults   *state.TestResults
	TestCode      map[string]string
	GeneratedCode *state.GeneratedCode
}

// TestReviewResult classifies a failing test run.
type TestReviewResult struct {
	Decision state.TestReviewDecision
	Feedback []string
}

// ReviewInput carries the state fields the reviewer agent reads.
type ReviewInput struct {
	ConnectorName string
	ConnectorDir  string
	CoverageRatio float64
	GeneratedCode *state.GeneratedCode
	TestResults   *state.TestResults
	Research      *state.ResearchOutput
}

// ReviewResult is the reviewer agent's verdict. An empty Decision means the
// agent raised no semantic override and the coverage triage stands.
type ReviewResult struct {
	Decision        state.ReviewDecision
	Feedback        []string
	DegradedStreams []string
	ContextGaps     []string
}

// PublishInput carries the state fields the publisher agent reads.
type PublishInput struct {
	ConnectorName   string
	ConnectorDir    string
	GeneratedCode   *state.GeneratedCode
	TestCode        map[string]string
	DegradedMode    bool
	DegradedStreams []string
}

// PublishResult is the publisher agent's output.
type PublishResult struct {
	PRURL string
}

// Agents is the set of phase adapters the pipeline drives, one LLM session
// per call. Implementations live in pkg/agent; tests substitute mocks.
type Agents interface {
	Research(ctx context.Context, in ResearchInput) (*state.ResearchOutput, error)
	Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error)
	GenerateMocks(ctx context.Context, in MockInput) (*MockResult, error)
	RunTests(ctx context.Context, in TestInput) (*TestRunResult, error)
	ReviewTests(ctx context.Context, in TestReviewInput) (*TestReviewResult, error)
	ReviewCode(ctx context.Context, in ReviewInput) (*ReviewResult, error)
	Publish(ctx context.Context, in PublishInput) (*PublishResult, error)
}
