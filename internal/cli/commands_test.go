package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerline/internal/config"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

const generalFixture = `channel: general
balances:
  - { asset: GOLD, amount: 5 }
posts:
  - { id: m1, sender: alice, type: text, text: hello }
  - { id: m2, sender: bob, type: text, text: secret, gate: { asset: GOLD, min: 10 } }
  - { id: m3, sender: carol, type: text, text: vip, gate: { asset: GOLD, min: 5 } }
  - { id: r1, sender: alice, type: reaction, symbol: "+1", reply_to: m1 }
  - { id: r2, sender: viewer, type: reaction, symbol: "+1", reply_to: m1 }
  - { id: m4, sender: bob, type: text, text: "split across two transactions", parts: 2, land: [0] }
pending:
  - { id: p1, sender: viewer, type: text, text: "on its way" }
`

// testEnv is a config file and store in a temp directory.
type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StorePath = filepath.Join(dir, "ledgerline.db")
	cfg.Viewer = "viewer"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.LogLevel = "warn"

	path := filepath.Join(dir, "ledgerline.toml")
	require.NoError(t, config.Write(path, cfg))
	return &testEnv{dir: dir, config: path}
}

// run executes the root command with the env's config and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{Now: func() time.Time { return fixedNow }}
	cmd := newRootCommand(opts)

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func (e *testEnv) ingest(t *testing.T, fixture string) {
	t.Helper()
	path := filepath.Join(e.dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))
	e.mustRun(t, "ingest", path)
}

// decodeData unmarshals the data field of a JSON response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func messageByID(t *testing.T, v TimelineView, id string) MessageView {
	t.Helper()
	for _, m := range v.Messages {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not in timeline", id)
	return MessageView{}
}

func timelineIDs(v TimelineView) []string {
	ids := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestRoot_InvalidFormat(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "--format", "yaml", "config", "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestRoot_MissingConfigFile(t *testing.T) {
	cmd := newRootCommand(&RootOptions{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.toml"), "config", "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ledgerline.toml")

	run := func(args ...string) error {
		cmd := newRootCommand(&RootOptions{})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	require.NoError(t, run("config", "init", "--path", path))
	cfg, err := config.Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	err = run("config", "init", "--path", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, run("config", "init", "--path", path, "--force"))
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun(t, "--format", "json", "config", "show")

	var view ConfigView
	decodeData(t, out, &view)
	assert.Equal(t, filepath.Join(env.dir, "ledgerline.db"), view.StorePath)
	assert.Equal(t, "viewer", view.Viewer)
	assert.Equal(t, "50ms", view.PollInterval)

	text := env.mustRun(t, "config", "show")
	assert.Contains(t, text, "viewer          viewer")
}

func TestIngest_Timeline(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, generalFixture)

	out := env.mustRun(t, "--format", "json", "timeline", "--channel", "general")
	var view TimelineView
	decodeData(t, out, &view)

	assert.Equal(t, "general", view.Channel)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3", "p1"}, timelineIDs(view))
	assert.Equal(t, []string{"m4"}, view.Unresolved)
	assert.False(t, view.More)

	m1 := messageByID(t, view, "m1")
	assert.Equal(t, stateConfirmed, m1.State)
	assert.Equal(t, "hello", m1.Preview)
	require.Len(t, m1.Reactions, 1)
	assert.Equal(t, "+1", m1.Reactions[0].Symbol)
	assert.Equal(t, 2, m1.Reactions[0].Count)
	assert.ElementsMatch(t, []string{"alice", "viewer"}, m1.Reactions[0].Reactors)
	assert.True(t, m1.Reactions[0].Mine)

	m2 := messageByID(t, view, "m2")
	assert.Equal(t, stateLocked, m2.State)
	assert.Empty(t, m2.Preview)
	assert.Equal(t, &GateView{Asset: "GOLD", Min: 10}, m2.Requires)

	assert.Equal(t, stateConfirmed, messageByID(t, view, "m3").State)
	assert.Equal(t, "vip", messageByID(t, view, "m3").Preview)
	assert.Equal(t, statePending, messageByID(t, view, "p1").State)
}

func TestIngest_TimelineText(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, generalFixture)

	out := env.mustRun(t, "timeline", "--channel", "general")
	assert.Contains(t, out, "#general")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "locked: hold 10 GOLD to view")
	assert.Contains(t, out, "on its way")
	assert.Contains(t, out, "(sending)")
	assert.Contains(t, out, "+1 2*")
	assert.Contains(t, out, "1 incomplete message(s) waiting for fragments")
	assert.Contains(t, out, "(start of channel)")
	assert.NotContains(t, out, "secret")
}

func TestIngest_BadFixture(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("posts: []\n"), 0o644))

	_, err := env.run(t, "ingest", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "channel is required")
}

func TestIngest_UnknownStatusSignature(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "status.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`channel: general
statuses:
  - { signature: ghost-0, status: failed }
`), 0o644))

	_, err := env.run(t, "ingest", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown signature "ghost-0"`)
}

func TestPostConfirmPrune(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "--format", "json", "post", "--channel", "general", "--id", "hello-1", "--text", "gm")
	var sent PostResult
	decodeData(t, out, &sent)
	assert.Equal(t, "hello-1", sent.ID)
	assert.Equal(t, []string{"hello-1-0"}, sent.Signatures)
	assert.False(t, sent.Published)

	var view TimelineView
	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general"), &view)
	assert.Equal(t, []string{"hello-1"}, timelineIDs(view))
	assert.Equal(t, stateUnconfirmed, view.Messages[0].State)
	assert.Equal(t, "viewer", view.Messages[0].Sender)
	assert.Equal(t, []string{"hello-1"}, view.Superseded)

	env.mustRun(t, "confirm", "hello-1-0")

	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general", "--prune"), &view)
	assert.Equal(t, stateConfirmed, view.Messages[0].State)
	assert.Equal(t, int64(1), view.Pruned)
	assert.Empty(t, view.Superseded)
}

func TestPost_Reply(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "post", "--channel", "general", "--id", "a", "--sender", "alice", "--text", "question?")
	env.mustRun(t, "post", "--channel", "general", "--id", "b", "--sender", "bob", "--text", "answer", "--reply", "a", "--parts", "3")
	env.mustRun(t, "confirm", "a-0", "b-0", "b-1", "b-2")

	var view TimelineView
	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general"), &view)
	b := messageByID(t, view, "b")
	assert.Equal(t, "a", b.ReplyTo)
	assert.Equal(t, "answer", b.Preview)
	assert.Empty(t, view.MissingParents)

	text := env.mustRun(t, "timeline", "--channel", "general")
	assert.Contains(t, text, "re alice/a")
}

func TestPost_ReactionNeedsTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "post", "--channel", "general", "--type", "reaction", "--symbol", "+1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfirm_Failed(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "post", "--channel", "general", "--id", "oops", "--text", "never lands")
	env.mustRun(t, "confirm", "--failed", "oops-0")

	var view TimelineView
	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general"), &view)
	assert.Empty(t, view.Messages)
}

func TestConfirm_UnknownSignature(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "post", "--channel", "general", "--id", "x", "--text", "hi")

	out, err := env.run(t, "--format", "json", "confirm", "x-0", "missing-0")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "missing-0")
}

func TestReactions(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, generalFixture)

	var result ReactionsResult
	decodeData(t, env.mustRun(t, "--format", "json", "reactions", "--channel", "general", "m1"), &result)
	assert.Equal(t, "m1", result.Target)
	require.Len(t, result.Groups, 1)
	assert.ElementsMatch(t, []string{"alice", "viewer"}, result.Groups[0].Reactors)

	text := env.mustRun(t, "reactions", "--channel", "general", "m3")
	assert.Equal(t, "no reactions on m3\n", text)
}

func TestTimeline_Paging(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, `channel: general
posts:
  - { id: a, sender: alice, type: text, text: one }
  - { id: b, sender: alice, type: text, text: two }
  - { id: c, sender: alice, type: text, text: three }
`)

	var view TimelineView
	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general", "--limit", "2"), &view)
	assert.Len(t, view.Messages, 2)
	assert.True(t, view.More)

	decodeData(t, env.mustRun(t, "--format", "json", "timeline", "--channel", "general", "--limit", "2", "--more", "1"), &view)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, timelineIDs(view))
	assert.False(t, view.More)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, generalFixture)

	var result VerifyResult
	decodeData(t, env.mustRun(t, "--format", "json", "verify", "--channel", "general"), &result)
	assert.True(t, result.Idempotent)
	assert.NotEmpty(t, result.Load)
	assert.Equal(t, result.Load, result.Reload)
	assert.Equal(t, result.Load, result.Fresh)
	assert.Equal(t, 4, result.Messages)

	text := env.mustRun(t, "verify", "--channel", "general")
	assert.Contains(t, text, "(reproducible)")
}

func TestWatch_StopsAfterDuration(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, generalFixture)

	out := env.mustRun(t, "watch", "--channel", "general", "--for", "200ms")
	assert.Contains(t, out, "#general")
	assert.Contains(t, out, "hello")
}

func TestScenario_All(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "--format", "json", "scenario",
		"--golden-dir", filepath.Join("..", "harness", "testdata", "golden"),
		filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)

	var report ScenarioReport
	decodeData(t, out, &report)
	assert.Equal(t, 9, report.Total)
	assert.Equal(t, 9, report.Passed)

	golden := 0
	for _, r := range report.Scenarios {
		assert.True(t, r.Pass, "%s: %v", r.Name, r.Errors)
		if r.Golden == "match" {
			golden++
		}
	}
	assert.Equal(t, 5, golden)
}

func TestScenario_Filter(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun(t, "scenario", "--filter", "b_*", filepath.Join("..", "harness", "testdata", "scenarios"))
	assert.Contains(t, out, "pending_supersession")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenario_Invalid(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "scenario", filepath.Join("..", "harness", "testdata", "invalid"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "failed to load scenario")
}

func TestScenario_UpdateGolden(t *testing.T) {
	env := newTestEnv(t)
	goldenDir := filepath.Join(env.dir, "golden")
	scenario := filepath.Join("..", "harness", "testdata", "scenarios", "a_assembly.yaml")

	env.mustRun(t, "scenario", "--update", "--golden-dir", goldenDir, scenario)

	got, err := os.ReadFile(filepath.Join(goldenDir, "assembly_out_of_order.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", "assembly_out_of_order.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(bytes.TrimSpace(want)), string(bytes.TrimSpace(got)))

	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "assembly_out_of_order.golden"), []byte("{}"), 0o644))
	out, err := env.run(t, "scenario", "--golden-dir", goldenDir, scenario)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}
