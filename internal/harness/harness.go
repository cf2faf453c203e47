package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/schema"
	"github.com/roach88/ledgerline/internal/testutil"
)

// DefaultViewer is the viewer account when a scenario names none.
const DefaultViewer = "viewer"

// errInjected is what calls listed in a step's fail list return.
var errInjected = errors.New("injected failure")

// validator is compiled once and shared by every run.
var validator = sync.OnceValues(schema.New)

// Harness drives one engine against a fixture ledger.
type Harness struct {
	scenario *Scenario
	ledger   *testutil.Ledger
	clock    *testutil.LedgerClock
	engine   *engine.Engine
	logger   *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each run uses a fresh fixture ledger, a ledger clock starting at
// testutil.Epoch and sequential engine tokens, so identical scenarios
// produce identical traces. An error is returned only when the scenario
// cannot be executed at all; failed expectations land in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	v, err := validator()
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		ledger:   testutil.NewLedger(),
		clock:    testutil.NewLedgerClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	engOpts := []engine.EngineOption{
		engine.WithViewer(h.viewer()),
		engine.WithValidator(v),
		engine.WithLogger(h.logger),
		engine.WithTokenGenerator(testutil.NewSequentialTokens(scenario.Name)),
	}
	if scenario.PageSize > 0 {
		engOpts = append(engOpts, engine.WithPageSize(scenario.PageSize))
	}
	eng, err := engine.New(scenario.Channel, engine.Deps{
		Window:   h.ledger,
		Pending:  h.ledger,
		Balances: h.ledger,
	}, engOpts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()
	h.engine = eng

	for i, step := range scenario.Setup {
		if err := h.change(step); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	result := NewResult()
	ctx := context.Background()
	for i, step := range scenario.Flow {
		if err := h.change(step.SetupStep); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Do != "" {
			h.step(ctx, i, step, result)
		}
		for _, msg := range EvaluateAll(fmt.Sprintf("flow[%d].expect", i), step.Expect, eng.Snapshot()) {
			result.AddError(msg)
		}
	}

	result.Final = eng.Snapshot()
	for _, msg := range EvaluateAll("assertions", scenario.Assertions, result.Final) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) viewer() string {
	if h.scenario.Viewer != "" {
		return h.scenario.Viewer
	}
	return DefaultViewer
}

// change applies a ledger-side step. A step with no change is a no-op.
func (h *Harness) change(step SetupStep) error {
	channel := h.scenario.Channel
	switch {
	case step.Post != nil:
		p, err := h.fixture(*step.Post)
		if err != nil {
			return err
		}
		txs, err := testutil.Transactions(h.clock, p)
		if err != nil {
			return fmt.Errorf("encode post %q: %w", p.ID, err)
		}
		if land := step.Post.Land; len(land) > 0 {
			kept := txs[:0]
			for i, tx := range txs {
				if slices.Contains(land, i) {
					kept = append(kept, tx)
				}
			}
			txs = kept
		}
		h.ledger.Append(channel, txs...)

	case step.Pending != nil:
		p, err := h.fixture(*step.Pending)
		if err != nil {
			return err
		}
		_, created := h.clock.Next()
		h.ledger.AddPending(testutil.Pending(p, created))

	case step.Status != nil:
		status, err := ledger.ParseStatus(step.Status.Status)
		if err != nil {
			return err
		}
		if !h.ledger.SetStatus(channel, step.Status.Signature, status) {
			return fmt.Errorf("unknown signature %q", step.Status.Signature)
		}

	case step.Balance != nil:
		account := step.Balance.Account
		if account == "" {
			account = h.viewer()
		}
		h.ledger.SetBalance(account, step.Balance.Asset, step.Balance.Amount)
	}
	return nil
}

func (h *Harness) fixture(p Post) (testutil.Post, error) {
	content, err := p.Content()
	if err != nil {
		return testutil.Post{}, err
	}
	status, err := p.LedgerStatus()
	if err != nil {
		return testutil.Post{}, err
	}
	return testutil.Post{
		Channel: h.scenario.Channel,
		ID:      p.ID,
		Sender:  p.Sender,
		ReplyTo: p.ReplyTo,
		Content: content,
		Gate:    p.DecodeGate(),
		Sealed:  p.Sealed,
		Parts:   p.Parts,
		Status:  status,
	}, nil
}

// step runs one engine operation and records its outcome.
func (h *Harness) step(ctx context.Context, i int, step FlowStep, result *Result) {
	for _, op := range step.Fail {
		h.ledger.FailOn(op, errInjected)
	}
	snap, err := h.do(ctx, step)
	for _, op := range step.Fail {
		h.ledger.FailOn(op, nil)
	}

	switch {
	case err != nil && step.ExpectError != "" && strings.Contains(err.Error(), step.ExpectError):
		return
	case err != nil:
		result.AddError(fmt.Sprintf("flow[%d]: %s: %v", i, step.Do, err))
	case step.ExpectError != "":
		result.AddError(fmt.Sprintf("flow[%d]: %s: expected error containing %q", i, step.Do, step.ExpectError))
	default:
		result.AddTrace(i, step.Do, snap)
	}
}

func (h *Harness) do(ctx context.Context, step FlowStep) (*engine.Snapshot, error) {
	switch step.Do {
	case OpLoad:
		return h.engine.Load(ctx)
	case OpLoadMore:
		return h.engine.LoadMore(ctx, step.Count)
	case OpLoadNewer:
		return h.engine.LoadNewer(ctx, step.Count)
	case OpRefresh:
		return h.engine.Refresh(ctx, step.Count)
	case OpPendingChanged:
		return h.engine.PendingChanged(ctx)
	case OpSetBalance:
		return h.engine.SetBalance(ctx, step.Asset, step.Amount)
	}
	return nil, fmt.Errorf("unknown operation %q", step.Do)
}
