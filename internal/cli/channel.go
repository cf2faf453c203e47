package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/harness"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/natsfeed"
	"github.com/roach88/ledgerline/internal/store"
	"github.com/roach88/ledgerline/internal/visibility"
)

// newEngine creates an engine reading window from the archive st. A nil
// window means the archive also serves as the live feed.
func (o *RootOptions) newEngine(channel string, st *store.Store, window ledger.WindowSource, extra ...engine.EngineOption) (*engine.Engine, error) {
	if window == nil {
		window = st
	}
	opts := []engine.EngineOption{
		engine.WithPageSize(o.Config.PageSize),
		engine.WithViewer(o.Config.Viewer),
		engine.WithProgram(o.Config.Program),
		engine.WithLogger(o.Logger),
	}
	eng, err := engine.New(channel, engine.Deps{
		Window:   window,
		Pending:  st,
		Balances: st,
		Content:  visibility.PassthroughDecoder{},
	}, append(opts, extra...)...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	return eng, nil
}

// connectFeed connects to the configured NATS server. It returns nil when
// no server is configured.
func (o *RootOptions) connectFeed(ctx context.Context) (*natsfeed.Feed, error) {
	if o.Config.NATSURL == "" {
		return nil, nil
	}
	feed, err := natsfeed.Connect(ctx, o.Config.NATSURL,
		natsfeed.WithStream(o.Config.Stream),
		natsfeed.WithSubjectPrefix(o.Config.SubjectPrefix),
		natsfeed.WithLogger(o.Logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	return feed, nil
}

// outgoing is a message on its way into the archive.
type outgoing struct {
	Channel string
	ID      string
	Sender  string
	ReplyTo string
	Content message.Content
	Gate    *decode.Gate
	Sealed  bool
	Parts   int
	Status  ledger.Status
}

func outgoingFromPost(channel string, p harness.Post) (outgoing, error) {
	content, err := p.Content()
	if err != nil {
		return outgoing{}, err
	}
	status, err := p.LedgerStatus()
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{
		Channel: channel,
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

// transactions encodes out into one transaction per fragment with
// consecutive slots starting at slot. Fragment i is signed "<id>-<i>".
func (out outgoing) transactions(program string, slot uint64, at time.Time) ([]ledger.Transaction, error) {
	env, err := decode.NewEnvelope(out.Content, out.ReplyTo, out.Gate)
	if err != nil {
		return nil, err
	}
	if out.Sealed {
		env.Sealed = env.Body
		env.Body = nil
	}
	ins, err := decode.EncodeMessage(program, out.Channel, out.ID, env, max(out.Parts, 1))
	if err != nil {
		return nil, err
	}

	status := out.Status
	if status == "" {
		status = ledger.StatusConfirmed
	}
	txs := make([]ledger.Transaction, len(ins))
	for i, in := range ins {
		txs[i] = ledger.Transaction{
			Signature:    fmt.Sprintf("%s-%d", out.ID, i),
			Slot:         slot + uint64(i),
			BlockTime:    at,
			Status:       status,
			Signer:       out.Sender,
			Instructions: []ledger.Instruction{in},
		}
	}
	return txs, nil
}

// pending is the outbox entry the send path records for out once its
// transactions were signed.
func (out outgoing) pending(txs []ledger.Transaction, at time.Time) (ledger.PendingMessage, error) {
	raw, err := message.EncodeContent(out.Content)
	if err != nil {
		return ledger.PendingMessage{}, err
	}
	return ledger.PendingMessage{
		ID:         out.ID,
		Channel:    out.Channel,
		Type:       string(out.Content.ContentType()),
		Sender:     out.Sender,
		ReplyTo:    out.ReplyTo,
		Content:    raw,
		Signatures: signaturesOf(txs),
		CreatedAt:  at,
	}, nil
}

// nextSlot returns the slot after the newest transaction in channel.
func nextSlot(ctx context.Context, st *store.Store, channel string) (uint64, error) {
	last, err := st.FetchWindow(ctx, channel, 1)
	if err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 1, nil
	}
	return last[0].Slot + 1, nil
}

func signaturesOf(txs []ledger.Transaction) []string {
	sigs := make([]string, len(txs))
	for i, tx := range txs {
		sigs[i] = tx.Signature
	}
	return sigs
}
