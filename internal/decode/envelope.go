package decode

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/schema"
)

// Gate is the balance requirement attached to an envelope.
type Gate struct {
	Asset string `json:"asset"`
	Min   uint64 `json:"min"`
}

// Envelope is the assembled payload of one message. Exactly one of Body and
// Sealed is set.
type Envelope struct {
	Type   message.Type    `json:"type"`
	Ref    string          `json:"ref,omitempty"`
	Gate   *Gate           `json:"gate,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Sealed []byte          `json:"sealed,omitempty"`
}

// ParseEnvelope validates data against the protocol schema and parses it.
func ParseEnvelope(v *schema.Validator, data []byte) (Envelope, error) {
	if err := v.ValidateEnvelope(data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env, nil
}

// NewEnvelope builds a plain envelope for content.
func NewEnvelope(c message.Content, ref string, gate *Gate) (Envelope, error) {
	body, err := message.EncodeContent(c)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: c.ContentType(), Ref: ref, Gate: gate, Body: body}, nil
}

// EncodeMessage splits env into parts fragment instructions for program.
// Each instruction is meant to be submitted in its own transaction.
//
// parts is clamped to [1, len(envelope bytes)]; rounding may yield fewer
// fragments than requested.
func EncodeMessage(program, channel, id string, env Envelope, parts int) ([]ledger.Instruction, error) {
	if id == "" {
		return nil, fmt.Errorf("encode message: empty id")
	}
	if program == "" {
		program = DefaultProgram
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", id, err)
	}

	if parts < 1 {
		parts = 1
	}
	if parts > len(data) {
		parts = len(data)
	}

	size := (len(data) + parts - 1) / parts
	n := (len(data) + size - 1) / size
	out := make([]ledger.Instruction, 0, n)
	for seq := 0; seq < n; seq++ {
		chunk := data[seq*size : min((seq+1)*size, len(data))]
		total := 0
		if seq == n-1 {
			total = n
		}
		out = append(out, mustInstruction(program, channel, id, seq, total, chunk))
	}
	return out, nil
}

// mustInstruction builds the instruction for fragment seq. A non-zero total
// marks it as the final fragment.
func mustInstruction(program, channel, id string, seq, total int, chunk []byte) ledger.Instruction {
	wf := wireFragment{
		Channel:   channel,
		MessageID: id,
		Seq:       seq,
		Chunk:     chunk,
	}
	if total > 0 {
		wf.Last = true
		wf.Total = total
	}
	data, err := json.Marshal(wf)
	if err != nil {
		panic(fmt.Sprintf("marshal fragment: %v", err))
	}
	return ledger.Instruction{Program: program, Data: data}
}
