package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/connectorforge/forge/pkg/pipeline"
	"github.com/connectorforge/forge/pkg/state"
)

// SuiteConfig parameterizes one pipeline run's agent suite.
type SuiteConfig struct {
	// WorkRoot is the directory under which per-run working directories
	// are created.
	WorkRoot string
	// ThreadSuffix namespaces the working directory so concurrent runs on
	// the same connector never collide.
	ThreadSuffix string
	// Phases overrides the default per-phase tool/turn budgets.
	Phases map[string]PhaseConfig

	// Publisher target. All three are required for the publish phase.
	RepoOwner string
	RepoName  string
	RepoToken string
}

// Suite implements pipeline.Agents: one LLM session per phase invocation,
// each constrained by the phase's tool allowlist, turn budget, and the
// working-directory guard.
type Suite struct {
	client SessionClient
	cfg    SuiteConfig
	phases map[string]PhaseConfig
	logger *slog.Logger
}

// NewSuite creates the agent suite for one pipeline run.
func NewSuite(client SessionClient, cfg SuiteConfig, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{
		client: client,
		cfg:    cfg,
		phases: MergePhaseConfigs(DefaultPhaseConfigs(), cfg.Phases),
		logger: logger.With("component", "agent"),
	}
}

// workDir returns the namespaced working directory for a connector,
// creating it on first use.
func (s *Suite) workDir(connectorType state.ConnectorType, connectorName string) (string, error) {
	dir := filepath.Join(s.cfg.WorkRoot,
		fmt.Sprintf("%s-%s-%s", connectorType, state.Slug(connectorName), s.cfg.ThreadSuffix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

// run executes one session for a phase and fails on unsuccessful results.
func (s *Suite) run(ctx context.Context, phase, systemPrompt, prompt, workDir string) (*SessionResult, error) {
	cfg := s.phases[phase]
	guard := NewGuard(workDir)

	s.logger.Info("starting agent session",
		"phase", phase, "max_turns", cfg.MaxTurns, "working_dir", workDir)
	res, err := s.client.RunSession(ctx, SessionRequest{
		Phase:        phase,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Tools:        cfg.Tools,
		WorkingDir:   workDir,
		MaxTurns:     cfg.MaxTurns,
		Policy:       guard.Policy(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s session: %w", phase, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%s session failed: %s", phase, res.Error)
	}
	s.logger.Info("agent session completed",
		"phase", phase, "duration_seconds", res.DurationSeconds, "tokens", res.TokensUsed)
	return res, nil
}

// Research produces the structured research document for the connector.
func (s *Suite) Research(ctx context.Context, in pipeline.ResearchInput) (*state.ResearchOutput, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Research the %s API for a %s connector.\n\nRequest: %s\n",
		in.ConnectorName, in.ConnectorType, in.OriginalRequest)
	if in.APIDocURL != nil {
		fmt.Fprintf(&prompt, "\nAPI documentation: %s\n", *in.APIDocURL)
	}
	if len(in.ContextGaps) > 0 {
		prompt.WriteString("\nA previous attempt failed for missing context. Target these gaps specifically:\n")
		for _, gap := range in.ContextGaps {
			fmt.Fprintf(&prompt, "- %s\n", gap)
		}
	}

	dir, err := s.workDir(in.ConnectorType, in.ConnectorName)
	if err != nil {
		return nil, err
	}
	res, err := s.run(ctx, "research", researchSystemPrompt, prompt.String(), dir)
	if err != nil {
		return nil, err
	}

	return &state.ResearchOutput{
		FullDocument:         res.Output,
		ConnectorName:        in.ConnectorName,
		ContextGapsAddressed: in.ContextGaps,
		ResearchedAt:         time.Now().UTC(),
		DurationSeconds:      res.DurationSeconds,
		TokensUsed:           res.TokensUsed,
	}, nil
}

// Generate produces or repairs connector source in the working directory.
func (s *Suite) Generate(ctx context.Context, in pipeline.GenerateInput) (*pipeline.GenerateResult, error) {
	dir := in.ConnectorDir
	if dir == "" {
		var err error
		dir, err = s.workDir(in.ConnectorType, in.ConnectorName)
		if err != nil {
			return nil, err
		}
	}

	var prompt strings.Builder
	switch in.Mode {
	case pipeline.GenerateModeFix:
		prompt.WriteString("Fix the connector source so the existing tests pass. Test review feedback:\n")
		for _, f := range in.TestReviewFeedback {
			fmt.Fprintf(&prompt, "- %s\n", f)
		}
	case pipeline.GenerateModeImprove:
		prompt.WriteString("Address the code review feedback on the connector source:\n")
		for _, f := range in.ReviewFeedback {
			fmt.Fprintf(&prompt, "- %s\n", f)
		}
	default:
		fmt.Fprintf(&prompt, "Implement a %s connector for %s from scratch.\n", in.ConnectorType, in.ConnectorName)
	}
	if in.Research != nil {
		fmt.Fprintf(&prompt, "\nResearch document:\n%s\n", in.Research.FullDocument)
	}

	res, err := s.run(ctx, "generator", generatorSystemPrompt, prompt.String(), dir)
	if err != nil {
		return nil, err
	}

	code, err := parseGeneratedCode(NewGuard(dir), dir, res.Output)
	if err != nil {
		return nil, fmt.Errorf("parse generator output: %w", err)
	}
	if in.Mode != pipeline.GenerateModeInitial && code.Action == "" {
		code.Action = string(in.Mode)
	}
	return &pipeline.GenerateResult{Code: code, ConnectorDir: dir}, nil
}

// GenerateMocks produces API mock fixtures and the fixture loader. It
// skips regeneration when both already exist, keeping retry loops cheap
// and idempotent.
func (s *Suite) GenerateMocks(ctx context.Context, in pipeline.MockInput) (*pipeline.MockResult, error) {
	fixturesDir := filepath.Join(in.ConnectorDir, "tests", "fixtures")
	loaderPath := filepath.Join(in.ConnectorDir, "tests", "conftest.py")
	if dirExists(fixturesDir) && fileExists(loaderPath) {
		return &pipeline.MockResult{
			Output: &state.MockGenerationOutput{
				Summary:     "fixtures already exist",
				FixturesDir: fixturesDir,
			},
			Skipped: true,
		}, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Create JSON mock fixtures under tests/fixtures/ and a fixture loader "+
		"tests/conftest.py for the %s connector source in this directory.\n", in.ConnectorName)
	if in.Research != nil {
		fmt.Fprintf(&prompt, "\nAPI reference:\n%s\n", in.Research.FullDocument)
	}

	res, err := s.run(ctx, "mock_generator", mockGeneratorSystemPrompt, prompt.String(), in.ConnectorDir)
	if err != nil {
		return nil, err
	}

	fixtures, _ := listFixtures(fixturesDir)
	return &pipeline.MockResult{
		Output: &state.MockGenerationOutput{
			Summary:     res.Output,
			FixturesDir: fixturesDir,
		},
		FixturesCreated: fixtures,
	}, nil
}

// RunTests authors or re-executes the test suite and reports results.
func (s *Suite) RunTests(ctx context.Context, in pipeline.TestInput) (*pipeline.TestRunResult, error) {
	var prompt strings.Builder
	switch in.Mode {
	case pipeline.TestModeFix:
		prompt.WriteString("The test suite itself is buggy. Repair the tests per this feedback, " +
			"then run them and write tests/test_results.json:\n")
		for _, f := range in.TestReviewFeedback {
			fmt.Fprintf(&prompt, "- %s\n", f)
		}
	case pipeline.TestModeRerun:
		prompt.WriteString("The connector source was just fixed. Re-run the existing test suite " +
			"and write tests/test_results.json.\n")
	default:
		fmt.Fprintf(&prompt, "Write a test suite for the %s connector against the mock fixtures, "+
			"run it, and write tests/test_results.json.\n", in.ConnectorName)
	}

	res, err := s.run(ctx, "tester", testerSystemPrompt, prompt.String(), in.ConnectorDir)
	if err != nil {
		return nil, err
	}

	results := parseTestResults(in.ConnectorDir, res.Output)
	testCode, _ := readTestFiles(in.ConnectorDir)
	return &pipeline.TestRunResult{Results: results, TestCode: testCode}, nil
}

// ReviewTests classifies a failing test run as a test bug or a code bug.
func (s *Suite) ReviewTests(ctx context.Context, in pipeline.TestReviewInput) (*pipeline.TestReviewResult, error) {
	var prompt strings.Builder
	prompt.WriteString("Tests failed. Decide whether the tests are wrong (INVALID) or the source " +
		"code is wrong (VALID_FAIL). Answer with a JSON object " +
		`{"decision": "...", "feedback": ["TEST_ISSUE: ...", "CODE_BUG: ...", "FIX: ..."]}.` + "\n")
	if in.TestResults != nil {
		fmt.Fprintf(&prompt, "\nResults: %d passed, %d failed of %d.\n",
			in.TestResults.TestsPassed, in.TestResults.TestsFailed, in.TestResults.TestsTotal)
		for _, f := range in.TestResults.Failures {
			fmt.Fprintf(&prompt, "- %s\n", f)
		}
		for _, e := range in.TestResults.Errors {
			fmt.Fprintf(&prompt, "- %s\n", e)
		}
	}

	res, err := s.run(ctx, "test_reviewer", testReviewerSystemPrompt, prompt.String(), in.ConnectorDir)
	if err != nil {
		return nil, err
	}

	v, ok := parseVerdict(res.Output, []string{"valid_pass", "valid_fail", "invalid"})
	if !ok {
		return nil, fmt.Errorf("test reviewer returned no decision: %s", truncate(res.Output, 200))
	}
	feedback := v.Feedback
	if feedback == nil {
		feedback = parseTaggedFeedback(res.Output, []string{"TEST_ISSUE:", "CODE_BUG:", "FIX:", "TEST_ERROR:"})
	}
	return &pipeline.TestReviewResult{
		Decision: state.TestReviewDecision(v.Decision),
		Feedback: feedback,
	}, nil
}

// ReviewCode returns the reviewer's verdict. An empty decision means the
// agent raised no override and the coverage triage stands.
func (s *Suite) ReviewCode(ctx context.Context, in pipeline.ReviewInput) (*pipeline.ReviewResult, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Review the %s connector for shipping. Test coverage ratio: %.2f.\n",
		in.ConnectorName, in.CoverageRatio)
	prompt.WriteString("Answer with a JSON object " +
		`{"decision": "approve"|"reject_code"|"reject_context"|"", "feedback": [...], ` +
		`"degraded_streams": [...], "context_gaps": [...]}.` + "\n" +
		"Leave decision empty to accept the coverage-based triage; override only on semantic grounds.\n")

	res, err := s.run(ctx, "reviewer", reviewerSystemPrompt, prompt.String(), in.ConnectorDir)
	if err != nil {
		return nil, err
	}

	v, _ := parseVerdict(res.Output, []string{"reject_context", "reject_code", "approve"})
	return &pipeline.ReviewResult{
		Decision:        state.ReviewDecision(v.Decision),
		Feedback:        v.Feedback,
		DegradedStreams: v.DegradedStreams,
		ContextGaps:     v.ContextGaps,
	}, nil
}

// Publish places the generated files on the code host. Missing repository
// configuration is an error, which terminates the pipeline.
func (s *Suite) Publish(ctx context.Context, in pipeline.PublishInput) (*pipeline.PublishResult, error) {
	if s.cfg.RepoOwner == "" || s.cfg.RepoName == "" || s.cfg.RepoToken == "" {
		return nil, fmt.Errorf("publisher configuration missing (repo owner, name, and token are required)")
	}

	branch := "connector/" + state.Slug(in.ConnectorName)
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Publish the connector files to %s/%s on branch %s: "+
		"create or reuse the branch, commit all files in one commit, push, and report "+
		`{"pr_url": "..."}.`+"\n", s.cfg.RepoOwner, s.cfg.RepoName, branch)
	if in.DegradedMode {
		fmt.Fprintf(&prompt, "\nAnnotate the commit as a degraded release; non-functional streams: %s.\n",
			strings.Join(in.DegradedStreams, ", "))
	}

	res, err := s.run(ctx, "publisher", publisherSystemPrompt, prompt.String(), in.ConnectorDir)
	if err != nil {
		return nil, err
	}

	prURL, ok := parsePRURL(res.Output)
	if !ok {
		return nil, fmt.Errorf("publisher returned no branch URL: %s", truncate(res.Output, 200))
	}
	return &pipeline.PublishResult{PRURL: prURL}, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// listFixtures returns fixture paths relative to the fixtures directory's
// parent working dir.
func listFixtures(fixturesDir string) ([]string, error) {
	var fixtures []string
	err := filepath.WalkDir(fixturesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(filepath.Dir(fixturesDir), path)
		if relErr != nil {
			return relErr
		}
		fixtures = append(fixtures, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fixtures, nil
}

// readTestFiles loads the test suite from the working directory.
func readTestFiles(workDir string) (map[string]string, error) {
	testsDir := filepath.Join(workDir, "tests")
	if !dirExists(testsDir) {
		return nil, nil
	}
	files := make(map[string]string)
	err := filepath.WalkDir(testsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "fixtures" || d.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".py" {
			return nil
		}
		rel, relErr := filepath.Rel(workDir, path)
		if relErr != nil {
			return relErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
