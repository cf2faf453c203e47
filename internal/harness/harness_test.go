package harness

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AllScenariosPass(t *testing.T) {
	all, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, s := range all {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			require.NotNil(t, result.Final)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/a_assembly.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	fa, err := first.Final.Fingerprint()
	require.NoError(t, err)
	fb, err := second.Final.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s := &Scenario{
		Name:    "wrong_expectations",
		Channel: "general",
		Setup: []SetupStep{
			{Post: &Post{ID: "m1", Sender: "alice", Type: "text", Text: "hello"}},
		},
		Flow: []FlowStep{
			{Do: OpLoad, Expect: []Assertion{{Type: AssertTimelineOrder, IDs: []string{"nope"}}}},
		},
		Assertions: []Assertion{
			{Type: AssertLocked, ID: "m1"},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "flow[0].expect[0]: timeline_order")
	assert.Contains(t, result.Errors[1], "assertions[0]: locked")
	assert.Len(t, result.Trace, 1, "the operation itself succeeded")
}

func TestRun_UnexpectedOperationError(t *testing.T) {
	s := &Scenario{
		Name:    "unexpected_error",
		Channel: "general",
		Flow: []FlowStep{
			{Do: OpLoad, Fail: []string{"fetch_window"}},
			{Do: OpLoad},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[0]: load: transport fetch_window")
	require.Len(t, result.Trace, 1, "the failure is cleared after its step")
	assert.Equal(t, 1, result.Trace[0].Step)
}

func TestRun_MissingExpectedError(t *testing.T) {
	s := &Scenario{
		Name:    "missing_error",
		Channel: "general",
		Flow:    []FlowStep{{Do: OpLoad, ExpectError: "boom"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], `expected error containing "boom"`)
}

func TestRun_RejectsInvalidScenario(t *testing.T) {
	_, err := Run(&Scenario{Name: "x"})
	assert.ErrorContains(t, err, "channel is required")
}

func TestRun_UnknownSignature(t *testing.T) {
	s := &Scenario{
		Name:    "unknown_signature",
		Channel: "general",
		Setup:   []SetupStep{{Status: &StatusChange{Signature: "ghost-0", Status: "failed"}}},
		Flow:    []FlowStep{{Do: OpLoad}},
	}
	_, err := Run(s)
	assert.ErrorContains(t, err, `setup[0]: unknown signature "ghost-0"`)
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := LoadScenario("testdata/scenarios/c_reactions.yaml")
	require.NoError(t, err)
	result, err := Run(s, WithLogger(logger))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Contains(t, buf.String(), "snapshot published")
	assert.Contains(t, buf.String(), "channel=general")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
