package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
)

// Post describes a message to encode into ledger transactions.
type Post struct {
	Channel string
	ID      string
	Sender  string
	ReplyTo string
	Content message.Content
	Gate    *decode.Gate

	// Sealed stores the content JSON as sealed bytes instead of a body.
	Sealed bool

	// Parts is the number of fragments, one transaction each. Zero means 1.
	Parts int

	// Status applies to every fragment transaction. Empty means confirmed.
	Status ledger.Status

	// Program overrides decode.DefaultProgram.
	Program string
}

// Transactions encodes p into one transaction per fragment, stamped with
// consecutive slots from clock. Signatures are "<id>-<seq>".
func Transactions(clock *LedgerClock, p Post) ([]ledger.Transaction, error) {
	env, err := decode.NewEnvelope(p.Content, p.ReplyTo, p.Gate)
	if err != nil {
		return nil, err
	}
	if p.Sealed {
		env.Sealed = env.Body
		env.Body = nil
	}

	ins, err := decode.EncodeMessage(p.Program, p.Channel, p.ID, env, max(p.Parts, 1))
	if err != nil {
		return nil, err
	}

	status := p.Status
	if status == "" {
		status = ledger.StatusConfirmed
	}
	out := make([]ledger.Transaction, 0, len(ins))
	for i, in := range ins {
		slot, at := clock.Next()
		out = append(out, ledger.Transaction{
			Signature:    fmt.Sprintf("%s-%d", p.ID, i),
			Slot:         slot,
			BlockTime:    at,
			Status:       status,
			Signer:       p.Sender,
			Instructions: []ledger.Instruction{in},
		})
	}
	return out, nil
}

// MustTransactions is Transactions for fixtures known to be valid.
func MustTransactions(clock *LedgerClock, p Post) []ledger.Transaction {
	txs, err := Transactions(clock, p)
	if err != nil {
		panic(err)
	}
	return txs
}

// Pending builds the send path's pending entry for p. Signatures are the
// ones Transactions would assign.
func Pending(p Post, created time.Time) ledger.PendingMessage {
	content, err := message.EncodeContent(p.Content)
	if err != nil {
		panic(err)
	}
	parts := max(p.Parts, 1)
	sigs := make([]string, 0, parts)
	for i := 0; i < parts; i++ {
		sigs = append(sigs, fmt.Sprintf("%s-%d", p.ID, i))
	}
	return ledger.PendingMessage{
		ID:         p.ID,
		Channel:    p.Channel,
		Type:       string(p.Content.ContentType()),
		Sender:     p.Sender,
		ReplyTo:    p.ReplyTo,
		Content:    json.RawMessage(content),
		Signatures: sigs,
		CreatedAt:  created,
	}
}
