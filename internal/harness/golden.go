package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ledgerline/internal/canon"
)

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// canonicalMap converts s to the value types canon.Marshal accepts.
func (s *TraceSnapshot) canonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		entries := make([]any, len(ev.Timeline))
		for j, e := range ev.Timeline {
			entries[j] = map[string]any{
				"id":      e.ID,
				"state":   e.State,
				"preview": e.Preview,
			}
		}
		reactions := make(map[string]any, len(ev.Reactions))
		for target, rows := range ev.Reactions {
			reactions[target] = rows
		}
		trace[i] = map[string]any{
			"step":            ev.Step,
			"op":              ev.Op,
			"version":         ev.Version,
			"timeline":        entries,
			"reactions":       reactions,
			"unresolved":      nonNil(ev.Unresolved),
			"superseded":      nonNil(ev.Superseded),
			"rejected":        nonNil(ev.Rejected),
			"missing_parents": nonNil(ev.MissingParents),
		}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MarshalTrace returns the canonical JSON of a run's trace.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	return canon.Marshal(snap.canonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
