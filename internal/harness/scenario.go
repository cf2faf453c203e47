package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/testutil"
)

// Scenario is one conformance test loaded from YAML.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Channel is the channel the engine under test reads.
	Channel string `yaml:"channel"`

	// Viewer is the account whose balances gate content. Defaults to "viewer".
	Viewer string `yaml:"viewer,omitempty"`

	// PageSize bounds every fetch. Zero means engine.DefaultPageSize.
	PageSize int `yaml:"page_size,omitempty"`

	// Setup prepares the fixture ledger before the engine is created.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow is executed in order after setup.
	Flow []FlowStep `yaml:"flow"`

	// Assertions are evaluated against the final snapshot.
	Assertions []Assertion `yaml:"assertions"`
}

// SetupStep changes the fixture ledger. Exactly one field is set.
type SetupStep struct {
	// Post lands a message on the ledger.
	Post *Post `yaml:"post,omitempty"`

	// Pending records a message in the send-path outbox.
	Pending *Post `yaml:"pending,omitempty"`

	// Status changes the status of one landed transaction.
	Status *StatusChange `yaml:"status,omitempty"`

	// Balance sets an account balance held by the ledger.
	Balance *Balance `yaml:"balance,omitempty"`
}

func (s SetupStep) kinds() []string {
	var out []string
	if s.Post != nil {
		out = append(out, "post")
	}
	if s.Pending != nil {
		out = append(out, "pending")
	}
	if s.Status != nil {
		out = append(out, "status")
	}
	if s.Balance != nil {
		out = append(out, "balance")
	}
	return out
}

// FlowStep is a ledger change, an engine operation, or only expectations.
type FlowStep struct {
	SetupStep `yaml:",inline"`

	// Do names the engine operation to run. See Operations.
	Do string `yaml:"do,omitempty"`

	// Count is the page size for load_more, load_newer and refresh.
	Count int `yaml:"count,omitempty"`

	// Asset and Amount are the arguments of set_balance.
	Asset  string `yaml:"asset,omitempty"`
	Amount uint64 `yaml:"amount,omitempty"`

	// Fail makes these fixture calls return an error while the step runs.
	// Values are the testutil.Op constants, e.g. fetch_window.
	Fail []string `yaml:"fail,omitempty"`

	// ExpectError is a substring the operation's error must contain.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Expect is evaluated against the snapshot after the step.
	Expect []Assertion `yaml:"expect,omitempty"`
}

// Engine operations a flow step can run.
const (
	OpLoad           = "load"
	OpLoadMore       = "load_more"
	OpLoadNewer      = "load_newer"
	OpRefresh        = "refresh"
	OpPendingChanged = "pending_changed"
	OpSetBalance     = "set_balance"
)

// Operations lists every valid value of FlowStep.Do.
var Operations = []string{OpLoad, OpLoadMore, OpLoadNewer, OpRefresh, OpPendingChanged, OpSetBalance}

// FailableCalls lists the fixture calls a flow step can make fail.
var FailableCalls = []string{
	testutil.OpFetchWindow, testutil.OpFetchOlder, testutil.OpFetchNewer,
	testutil.OpPending, testutil.OpBalance,
}

// Post describes one message in fixture form.
type Post struct {
	ID      string `yaml:"id"`
	Sender  string `yaml:"sender"`
	ReplyTo string `yaml:"reply_to,omitempty"`

	// Type is one of text, image, gif, html and reaction.
	Type   string `yaml:"type"`
	Text   string `yaml:"text,omitempty"`
	URL    string `yaml:"url,omitempty"`
	Alt    string `yaml:"alt,omitempty"`
	HTML   string `yaml:"html,omitempty"`
	Symbol string `yaml:"symbol,omitempty"`

	// Parts splits the message into that many transactions.
	Parts int `yaml:"parts,omitempty"`

	// Land keeps only these fragment indexes. Empty lands every fragment.
	Land []int `yaml:"land,omitempty"`

	// Status applies to every fragment. Defaults to confirmed.
	Status string `yaml:"status,omitempty"`

	Sealed bool  `yaml:"sealed,omitempty"`
	Gate   *Gate `yaml:"gate,omitempty"`
}

// Gate is a balance requirement on a post.
type Gate struct {
	Asset string `yaml:"asset"`
	Min   uint64 `yaml:"min"`
}

// StatusChange sets the status of the transaction with Signature.
// Fixture signatures are "<id>-<fragment index>".
type StatusChange struct {
	Signature string `yaml:"signature"`
	Status    string `yaml:"status"`
}

// Balance is an account balance. Account defaults to the scenario viewer.
type Balance struct {
	Account string `yaml:"account,omitempty"`
	Asset   string `yaml:"asset"`
	Amount  uint64 `yaml:"amount"`
}

// Content builds the typed content the post carries.
func (p Post) Content() (message.Content, error) {
	t, err := message.ParseType(p.Type)
	if err != nil {
		return nil, fmt.Errorf("post %q: %w", p.ID, err)
	}
	switch t {
	case message.TypeText:
		return message.Text{Text: p.Text}, nil
	case message.TypeImage:
		return message.Image{URL: p.URL, Alt: p.Alt}, nil
	case message.TypeGif:
		return message.Gif{URL: p.URL}, nil
	case message.TypeHTML:
		return message.HTML{HTML: p.HTML}, nil
	case message.TypeReaction:
		return message.Reaction{Symbol: p.Symbol}, nil
	}
	return nil, fmt.Errorf("post %q: unsupported type %q", p.ID, p.Type)
}

// LedgerStatus returns the post's status, defaulting to confirmed.
func (p Post) LedgerStatus() (ledger.Status, error) {
	if p.Status == "" {
		return ledger.StatusConfirmed, nil
	}
	return ledger.ParseStatus(p.Status)
}

// DecodeGate converts the fixture gate to the wire form.
func (p Post) DecodeGate() *decode.Gate {
	if p.Gate == nil {
		return nil
	}
	return &decode.Gate{Asset: p.Gate.Asset, Min: p.Gate.Min}
}

// LoadScenario reads a scenario from a YAML file.
//
// Unknown fields are rejected so typos in scenario files fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	var s Scenario
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", filepath.Base(path), err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Channel == "" {
		errs = append(errs, errors.New("channel is required"))
	}
	if s.PageSize < 0 {
		errs = append(errs, errors.New("page_size must not be negative"))
	}
	if len(s.Flow) == 0 {
		errs = append(errs, errors.New("flow must have at least one step"))
	}

	for i, step := range s.Setup {
		if err := validateSetup(step); err != nil {
			errs = append(errs, fmt.Errorf("setup[%d]: %w", i, err))
		}
	}
	for i, step := range s.Flow {
		if err := validateFlow(step); err != nil {
			errs = append(errs, fmt.Errorf("flow[%d]: %w", i, err))
		}
	}
	for i, a := range s.Assertions {
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validateSetup(step SetupStep) error {
	kinds := step.kinds()
	if len(kinds) != 1 {
		return fmt.Errorf("exactly one of post, pending, status or balance is required, got %v", kinds)
	}
	return validateChange(step)
}

func validateChange(step SetupStep) error {
	switch {
	case step.Post != nil:
		return validatePost(*step.Post)
	case step.Pending != nil:
		if len(step.Pending.Land) > 0 || step.Pending.Status != "" {
			return errors.New("pending posts take no land or status")
		}
		return validatePost(*step.Pending)
	case step.Status != nil:
		if step.Status.Signature == "" {
			return errors.New("status.signature is required")
		}
		if _, err := ledger.ParseStatus(step.Status.Status); err != nil {
			return err
		}
	case step.Balance != nil:
		if step.Balance.Asset == "" {
			return errors.New("balance.asset is required")
		}
	}
	return nil
}

func validatePost(p Post) error {
	if p.ID == "" {
		return errors.New("post.id is required")
	}
	if p.Sender == "" {
		return fmt.Errorf("post %q: sender is required", p.ID)
	}
	if _, err := p.Content(); err != nil {
		return err
	}
	if _, err := p.LedgerStatus(); err != nil {
		return fmt.Errorf("post %q: %w", p.ID, err)
	}
	if p.Parts < 0 {
		return fmt.Errorf("post %q: parts must not be negative", p.ID)
	}
	for _, i := range p.Land {
		if i < 0 || i >= max(p.Parts, 1) {
			return fmt.Errorf("post %q: land index %d out of range", p.ID, i)
		}
	}
	if p.Gate != nil && p.Gate.Asset == "" {
		return fmt.Errorf("post %q: gate.asset is required", p.ID)
	}
	return nil
}

func validateFlow(step FlowStep) error {
	kinds := step.kinds()
	if step.Do != "" {
		kinds = append(kinds, "do")
	}
	if len(kinds) > 1 {
		return fmt.Errorf("at most one of post, pending, status, balance or do is allowed, got %v", kinds)
	}
	if len(kinds) == 0 && len(step.Expect) == 0 {
		return errors.New("step does nothing")
	}
	if step.Do != "" {
		if !slices.Contains(Operations, step.Do) {
			return fmt.Errorf("unknown operation %q", step.Do)
		}
		if step.Do == OpSetBalance && step.Asset == "" {
			return errors.New("set_balance requires asset")
		}
		for _, op := range step.Fail {
			if !slices.Contains(FailableCalls, op) {
				return fmt.Errorf("unknown fail target %q", op)
			}
		}
	} else if step.ExpectError != "" || len(step.Fail) > 0 {
		return errors.New("expect_error and fail require do")
	}
	if err := validateChange(step.SetupStep); err != nil {
		return err
	}
	for i, a := range step.Expect {
		if err := a.validate(); err != nil {
			return fmt.Errorf("expect[%d]: %w", i, err)
		}
	}
	return nil
}
