package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	url := "https://developers.example.com/docs"
	s := New("Google Sheets", ConnectorTypeSource, "build it", &url, DefaultLimits())

	assert.Equal(t, PhasePending, s.CurrentPhase)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 3, s.MaxTestRetries)
	assert.Equal(t, 3, s.MaxGenFixRetries)
	assert.Equal(t, 2, s.MaxReviewRetries)
	assert.Equal(t, 1, s.MaxResearchRetries)
	require.NotNil(t, s.APIDocURL)
	assert.Equal(t, url, *s.APIDocURL)
	assert.False(t, s.Terminal())
}

// Serializing a state and deserializing it must yield an equal state,
// including the null/absent distinction on optional fields.
func TestState_JSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 14, 10, 30, 0, 0, time.UTC)
	s := New("widget-api", ConnectorTypeSource, "req", nil, DefaultLimits())
	s.CreatedAt = now
	s = Apply(s, &Update{
		CurrentPhase: PhaseTestReviewing,
		ResearchOutput: &ResearchOutput{
			FullDocument:  "# Widget API",
			ConnectorName: "widget-api",
			ResearchedAt:  now,
			TokensUsed:    1234,
		},
		GeneratedCode: &GeneratedCode{
			Files:    map[string]string{"client.py": "class Client: ...", "streams.py": "..."},
			Action:   "generate",
			Metadata: map[string]string{"model": "large"},
		},
		TestCode:      map[string]string{"tests/test_client.py": "def test(): ..."},
		TestResults:   &TestResults{Status: "ok", Passed: false, TestsPassed: 20, TestsFailed: 5, TestsTotal: 25, Failures: []string{"test_pagination"}, CoverageRatio: 0.8},
		CoverageRatio: Float64Ptr(0.8),
		ContextGaps:   []string{"rate limits unknown"},
		Errors:        []string{"transient fetch error"},
		Logs:          []string{"[ts] tester finished"},
		TestReviewDecision:    TestReviewValidFail,
		SetTestReviewDecision: true,
		TestReviewFeedback:    []string{"CODE_BUG: off-by-one in cursor"},
	})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back PipelineState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	// Absent optionals stay absent.
	assert.Nil(t, back.APIDocURL)
	assert.Nil(t, back.PRURL)
	assert.Nil(t, back.CompletedAt)
	assert.Nil(t, back.MockGenerationOutput)
}

func TestClone_NoAliasing(t *testing.T) {
	s := newTestState()
	s = Apply(s, &Update{
		GeneratedCode: &GeneratedCode{Files: map[string]string{"a.py": "1"}},
		Errors:        []string{"boom"},
	})

	c := s.Clone()
	c.GeneratedCode.Files["a.py"] = "mutated"
	c.Errors[0] = "mutated"

	assert.Equal(t, "1", s.GeneratedCode.Files["a.py"])
	assert.Equal(t, "boom", s.Errors[0])
}
