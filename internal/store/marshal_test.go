package store

import (
	"testing"

	"github.com/roach88/ledgerline/internal/ledger"
)

func TestMarshalInstructions_Nil(t *testing.T) {
	s, err := marshalInstructions(nil)
	if err != nil {
		t.Fatalf("marshalInstructions() failed: %v", err)
	}
	if s != "[]" {
		t.Errorf("marshalInstructions(nil) = %q, want %q", s, "[]")
	}

	ins, err := unmarshalInstructions(s)
	if err != nil {
		t.Fatalf("unmarshalInstructions() failed: %v", err)
	}
	if ins == nil || len(ins) != 0 {
		t.Errorf("unmarshalInstructions(%q) = %#v, want empty non-nil slice", s, ins)
	}
}

func TestMarshalInstructions_BinaryData(t *testing.T) {
	in := []ledger.Instruction{{Program: "p", Data: []byte{0x00, 0xff, 0x10}}}
	s, err := marshalInstructions(in)
	if err != nil {
		t.Fatalf("marshalInstructions() failed: %v", err)
	}

	want := `[{"program":"p","data":"AP8Q"}]`
	if s != want {
		t.Errorf("marshalInstructions() = %q, want %q", s, want)
	}

	out, err := unmarshalInstructions(s)
	if err != nil {
		t.Fatalf("unmarshalInstructions() failed: %v", err)
	}
	if len(out) != 1 || string(out[0].Data) != string(in[0].Data) {
		t.Errorf("round trip lost data: %#v", out)
	}
}

func TestUnmarshalSignatures_Invalid(t *testing.T) {
	if _, err := unmarshalSignatures("{"); err == nil {
		t.Error("expected error for malformed signature list")
	}
}

func TestMarshalSignatures_Nil(t *testing.T) {
	s, err := marshalSignatures(nil)
	if err != nil {
		t.Fatalf("marshalSignatures() failed: %v", err)
	}
	if s != "[]" {
		t.Errorf("marshalSignatures(nil) = %q, want %q", s, "[]")
	}
}
