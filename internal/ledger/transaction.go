// Package ledger defines the raw inputs of the reconciliation pipeline and the
// collaborator contracts that supply them.
//
// Transactions and pending messages are borrowed: the engine reads them and
// never mutates them. Everything derived from them lives in the engine.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the commitment status the ledger reports for a transaction.
type Status string

const (
	// StatusPending means the transaction was seen but not yet confirmed.
	StatusPending Status = "pending"
	// StatusConfirmed means the ledger committed the transaction.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the ledger rejected the transaction.
	StatusFailed Status = "failed"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
}

// Instruction is one ordered payload inside a transaction.
type Instruction struct {
	Program string `json:"program"`
	Data    []byte `json:"data"`
}

// Transaction is a ledger transaction as fetched from a window source.
// Signature is unique across the ledger.
type Transaction struct {
	Signature    string        `json:"signature"`
	Slot         uint64        `json:"slot"`
	BlockTime    time.Time     `json:"block_time"`
	Status       Status        `json:"status"`
	Signer       string        `json:"signer"`
	Instructions []Instruction `json:"instructions"`
}

// Cursor returns the window position of the transaction.
func (tx Transaction) Cursor() Cursor {
	return Cursor{Slot: tx.Slot, Signature: tx.Signature}
}

// Cursor is a window edge for keyset paging. Transactions are ordered by
// (Slot, Signature) with signatures compared bytewise.
type Cursor struct {
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature"`
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Slot == 0 && c.Signature == ""
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Slot != o.Slot {
		return c.Slot < o.Slot
	}
	return c.Signature < o.Signature
}

// PendingMessage is a message the local send path submitted and the ledger
// has not confirmed yet. Content is the plaintext content JSON; Type is the
// message type name.
//
// The send path removes an entry once a confirmed message with the same ID
// exists, or once any of its signatures failed.
type PendingMessage struct {
	ID         string          `json:"id"`
	Channel    string          `json:"channel"`
	Type       string          `json:"type"`
	Sender     string          `json:"sender"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	Content    json.RawMessage `json:"content"`
	Signatures []string        `json:"signatures"`
	CreatedAt  time.Time       `json:"created_at"`
	// ProvisionalTime is the ledger-time estimate taken at send time.
	// Zero when the ledger clock was unavailable.
	ProvisionalTime time.Time `json:"provisional_time"`
}

// EffectiveTime is the ordering time of the pending entry: the provisional
// ledger time when known, otherwise the local creation time.
func (p PendingMessage) EffectiveTime() time.Time {
	if !p.ProvisionalTime.IsZero() {
		return p.ProvisionalTime
	}
	return p.CreatedAt
}
