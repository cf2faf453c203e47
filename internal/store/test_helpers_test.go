package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ledgerline/internal/ledger"
)

// createTestStore creates a new store in a temp directory with a short poll
// interval.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestTransaction creates a confirmed transaction at the given slot.
func createTestTransaction(sig string, slot uint64) ledger.Transaction {
	return ledger.Transaction{
		Signature: sig,
		Slot:      slot,
		BlockTime: testEpoch.Add(time.Duration(slot) * time.Second),
		Status:    ledger.StatusConfirmed,
		Signer:    "alice",
		Instructions: []ledger.Instruction{
			{Program: "ledgerline/v1", Data: []byte(fmt.Sprintf(`{"slot":%d}`, slot))},
		},
	}
}
