package pipeline

import (
	"github.com/connectorforge/forge/pkg/graph"
	"github.com/connectorforge/forge/pkg/state"
)

// Node names. Phase values in state mirror these.
const (
	NodeResearch      = "research"
	NodeGenerator     = "generator"
	NodeMockGenerator = "mock_generator"
	NodeTester        = "tester"
	NodeTestReviewer  = "test_reviewer"
	NodeReviewer      = "reviewer"
	NodePublisher     = "publisher"
	NodeFailed        = "failed"
)

// Coverage thresholds driving the reviewer triage.
const (
	coverageApproveThreshold = 0.80
	coverageRejectThreshold  = 0.50
)

// RouteAfterTestReview maps the test reviewer's verdict to the next node.
// Counter ceilings use >= : the increment happened in the reviewer node, so
// reaching the max means the budget is spent.
func RouteAfterTestReview(st state.PipelineState) string {
	if len(st.Errors) > 0 {
		return NodeFailed
	}
	switch st.TestReviewDecision {
	case state.TestReviewInvalid:
		if st.TestRetries >= st.MaxTestRetries {
			return NodeFailed
		}
		return NodeTester
	case state.TestReviewValidFail:
		if st.GenFixRetries >= st.MaxGenFixRetries {
			return NodeFailed
		}
		return NodeGenerator
	case state.TestReviewValidPass:
		return NodeReviewer
	default:
		return NodeFailed
	}
}

// RouteAfterReview maps the reviewer's verdict to the next node.
//
// reject_context checks with strict > , unlike every other ceiling: the
// reviewer pre-increments research_retries as part of the re-research
// reset, so the just-incremented value may equal the max and still proceed.
// Only a further overshoot is fatal.
func RouteAfterReview(st state.PipelineState) string {
	if len(st.Errors) > 0 {
		return NodeFailed
	}
	switch st.ReviewDecision {
	case state.ReviewApprove:
		return NodePublisher
	case state.ReviewRejectCode:
		if st.ReviewRetries >= st.MaxReviewRetries {
			return NodeFailed
		}
		return NodeGenerator
	case state.ReviewRejectContext:
		if st.ResearchRetries > st.MaxResearchRetries {
			return NodeFailed
		}
		return NodeResearch
	default:
		return NodeFailed
	}
}

// routeAfterResearch and routeAfterGenerate are the standard error-check
// edges: any accumulated error terminates the run.
func routeAfterResearch(st state.PipelineState) string {
	if len(st.Errors) > 0 {
		return NodeFailed
	}
	return NodeGenerator
}

func routeAfterGenerate(st state.PipelineState) string {
	if len(st.Errors) > 0 {
		return NodeFailed
	}
	return NodeMockGenerator
}

// routeAfterPublish ends the run, or diverts to the failed node when the
// publisher reported an error.
func routeAfterPublish(st state.PipelineState) string {
	if len(st.Errors) > 0 {
		return NodeFailed
	}
	return graph.End
}
