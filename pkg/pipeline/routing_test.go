package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/connectorforge/forge/pkg/state"
)

func routingState() state.PipelineState {
	return state.New("widget-api", state.ConnectorTypeSource, "build widget-api", nil, state.DefaultLimits())
}

func TestRouteAfterTestReview(t *testing.T) {
	tests := []struct {
		name        string
		decision    state.TestReviewDecision
		testRetries int
		genRetries  int
		errors      []string
		want        string
	}{
		{name: "errors trump any decision", decision: state.TestReviewValidPass, errors: []string{"boom"}, want: NodeFailed},
		{name: "invalid below budget retries tester", decision: state.TestReviewInvalid, testRetries: 2, want: NodeTester},
		{name: "invalid at budget fails", decision: state.TestReviewInvalid, testRetries: 3, want: NodeFailed},
		{name: "invalid above budget fails", decision: state.TestReviewInvalid, testRetries: 4, want: NodeFailed},
		{name: "valid_fail below budget retries generator", decision: state.TestReviewValidFail, genRetries: 2, want: NodeGenerator},
		{name: "valid_fail at budget fails", decision: state.TestReviewValidFail, genRetries: 3, want: NodeFailed},
		{name: "valid_pass goes to reviewer", decision: state.TestReviewValidPass, want: NodeReviewer},
		{name: "valid_pass ignores spent counters", decision: state.TestReviewValidPass, testRetries: 3, genRetries: 3, want: NodeReviewer},
		{name: "missing decision fails", decision: "", want: NodeFailed},
		{name: "unknown decision fails", decision: "maybe", want: NodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := routingState()
			st.TestReviewDecision = tt.decision
			st.TestRetries = tt.testRetries
			st.GenFixRetries = tt.genRetries
			st.Errors = tt.errors
			assert.Equal(t, tt.want, RouteAfterTestReview(st))
		})
	}
}

func TestRouteAfterReview(t *testing.T) {
	tests := []struct {
		name            string
		decision        state.ReviewDecision
		reviewRetries   int
		researchRetries int
		errors          []string
		want            string
	}{
		{name: "errors trump any decision", decision: state.ReviewApprove, errors: []string{"boom"}, want: NodeFailed},
		{name: "approve publishes", decision: state.ReviewApprove, want: NodePublisher},
		{name: "reject_code below budget retries generator", decision: state.ReviewRejectCode, reviewRetries: 1, want: NodeGenerator},
		{name: "reject_code at budget fails", decision: state.ReviewRejectCode, reviewRetries: 2, want: NodeFailed},
		// reject_context uses strict > : the reviewer pre-incremented the
		// counter, so equality with the max still proceeds.
		{name: "reject_context at budget re-researches", decision: state.ReviewRejectContext, researchRetries: 1, want: NodeResearch},
		{name: "reject_context above budget fails", decision: state.ReviewRejectContext, researchRetries: 2, want: NodeFailed},
		{name: "missing decision fails", decision: "", want: NodeFailed},
		{name: "unknown decision fails", decision: "ship-it", want: NodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := routingState()
			st.ReviewDecision = tt.decision
			st.ReviewRetries = tt.reviewRetries
			st.ResearchRetries = tt.researchRetries
			st.Errors = tt.errors
			assert.Equal(t, tt.want, RouteAfterReview(st))
		})
	}
}

func TestTriageByCoverage(t *testing.T) {
	tests := []struct {
		coverage float64
		want     state.ReviewDecision
	}{
		{0.00, state.ReviewRejectContext},
		{0.49, state.ReviewRejectContext},
		{0.50, state.ReviewRejectCode},
		{0.79, state.ReviewRejectCode},
		{0.80, state.ReviewApprove},
		{0.99, state.ReviewApprove},
		{1.00, state.ReviewApprove},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, triageByCoverage(tt.coverage), "coverage %.2f", tt.coverage)
	}
}

func TestErrorCheckRouters(t *testing.T) {
	clean := routingState()
	assert.Equal(t, NodeGenerator, routeAfterResearch(clean))
	assert.Equal(t, NodeMockGenerator, routeAfterGenerate(clean))

	failed := routingState()
	failed.Errors = []string{"research: agent unavailable"}
	assert.Equal(t, NodeFailed, routeAfterResearch(failed))
	assert.Equal(t, NodeFailed, routeAfterGenerate(failed))
	assert.Equal(t, NodeFailed, routeAfterPublish(failed))
}
