package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerline/internal/ledger"
)

// marshalInstructions serializes instructions for the instructions column.
// Instruction data is binary and travels base64-encoded.
func marshalInstructions(ins []ledger.Instruction) (string, error) {
	if ins == nil {
		ins = []ledger.Instruction{}
	}
	b, err := json.Marshal(ins)
	if err != nil {
		return "", fmt.Errorf("marshal instructions: %w", err)
	}
	return string(b), nil
}

// unmarshalInstructions is the inverse of marshalInstructions.
// Returns an empty slice (not nil) for an empty list.
func unmarshalInstructions(s string) ([]ledger.Instruction, error) {
	ins := []ledger.Instruction{}
	if err := json.Unmarshal([]byte(s), &ins); err != nil {
		return nil, fmt.Errorf("unmarshal instructions: %w", err)
	}
	return ins, nil
}

// marshalSignatures serializes a signature list as a JSON array.
func marshalSignatures(sigs []string) (string, error) {
	if sigs == nil {
		sigs = []string{}
	}
	b, err := json.Marshal(sigs)
	if err != nil {
		return "", fmt.Errorf("marshal signatures: %w", err)
	}
	return string(b), nil
}

func unmarshalSignatures(s string) ([]string, error) {
	sigs := []string{}
	if err := json.Unmarshal([]byte(s), &sigs); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	return sigs, nil
}
