// Package decode extracts message fragments from ledger transactions and
// defines the fragment and envelope wire formats.
//
// Decoding is pure: the same transaction always yields the same fragments.
// The caller decides what to do with transactions that yield none.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
)

// DefaultProgram is the program id that marks protocol instructions.
const DefaultProgram = "ledgerline/v1"

// wireFragment is the JSON carried in a protocol instruction's data.
type wireFragment struct {
	Channel   string `json:"ch"`
	MessageID string `json:"mid"`
	Seq       int    `json:"seq"`
	Last      bool   `json:"last,omitempty"`
	Total     int    `json:"total,omitempty"`
	Chunk     []byte `json:"d"`
}

// Decoder turns a channel's transactions into fragments.
// Decoder is immutable and safe for concurrent use.
type Decoder struct {
	program string
	channel string
}

// New creates a decoder for one channel. An empty program means
// DefaultProgram.
func New(program, channel string) *Decoder {
	if program == "" {
		program = DefaultProgram
	}
	return &Decoder{program: program, channel: channel}
}

// Program returns the program id the decoder accepts.
func (d *Decoder) Program() string {
	return d.program
}

// Decode extracts the fragments carried by tx.
//
// Instructions for other programs or other channels are foreign and
// contribute nothing. A transaction with no protocol instructions returns an
// empty slice and a nil error. A protocol instruction that does not parse
// returns a *DecodeError and no fragments.
func (d *Decoder) Decode(tx ledger.Transaction) ([]message.Fragment, error) {
	frags := make([]message.Fragment, 0, len(tx.Instructions))

	for i, ins := range tx.Instructions {
		if ins.Program != d.program {
			continue
		}

		var wf wireFragment
		if err := json.Unmarshal(ins.Data, &wf); err != nil {
			return nil, &DecodeError{Signature: tx.Signature, Instruction: i, Reason: "malformed fragment", Err: err}
		}
		if wf.Channel != d.channel {
			continue
		}
		if reason := checkFragment(wf); reason != "" {
			return nil, &DecodeError{Signature: tx.Signature, Instruction: i, Reason: reason}
		}

		frags = append(frags, message.Fragment{
			MessageID: wf.MessageID,
			Seq:       wf.Seq,
			Last:      wf.Last,
			Total:     wf.Total,
			Payload:   wf.Chunk,
			Signature: tx.Signature,
			Sender:    tx.Signer,
			Slot:      tx.Slot,
			BlockTime: tx.BlockTime,
			Status:    tx.Status,
		})
	}

	return frags, nil
}

func checkFragment(wf wireFragment) string {
	switch {
	case wf.MessageID == "":
		return "missing message id"
	case wf.Seq < 0:
		return fmt.Sprintf("negative sequence index %d", wf.Seq)
	case wf.Total < 0:
		return fmt.Sprintf("negative total %d", wf.Total)
	case wf.Total > 0 && wf.Seq >= wf.Total:
		return fmt.Sprintf("sequence index %d outside total %d", wf.Seq, wf.Total)
	case wf.Last && wf.Total > 0 && wf.Seq != wf.Total-1:
		return fmt.Sprintf("last fragment %d disagrees with total %d", wf.Seq, wf.Total)
	}
	return ""
}

// DecodeError reports a protocol payload that could not be parsed.
// The transaction is treated as carrying no fragments.
type DecodeError struct {
	Signature   string
	Instruction int
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s[%d]: %s", e.Signature, e.Instruction, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError returns true if err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
