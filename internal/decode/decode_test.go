package decode

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/schema"
)

func protoIns(t *testing.T, wf wireFragment) ledger.Instruction {
	t.Helper()
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	return ledger.Instruction{Program: DefaultProgram, Data: data}
}

func TestDecode_ForeignTransactionYieldsNothing(t *testing.T) {
	d := New("", "general")

	frags, err := d.Decode(ledger.Transaction{
		Signature:    "t1",
		Instructions: []ledger.Instruction{{Program: "token/v1", Data: []byte("whatever")}},
	})
	require.NoError(t, err)
	assert.NotNil(t, frags)
	assert.Empty(t, frags)

	frags, err = d.Decode(ledger.Transaction{Signature: "t2"})
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestDecode_OtherChannelIsForeign(t *testing.T) {
	d := New("", "general")
	tx := ledger.Transaction{
		Signature:    "t1",
		Instructions: []ledger.Instruction{protoIns(t, wireFragment{Channel: "random", MessageID: "m1", Last: true, Chunk: []byte("x")})},
	}

	frags, err := d.Decode(tx)
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestDecode_FragmentFields(t *testing.T) {
	d := New("", "general")
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tx := ledger.Transaction{
		Signature: "t1",
		Slot:      42,
		BlockTime: at,
		Status:    ledger.StatusConfirmed,
		Signer:    "alice",
		Instructions: []ledger.Instruction{
			{Program: "memo", Data: []byte("ignored")},
			protoIns(t, wireFragment{Channel: "general", MessageID: "m1", Seq: 0, Chunk: []byte("ab")}),
			protoIns(t, wireFragment{Channel: "general", MessageID: "m1", Seq: 1, Last: true, Total: 2, Chunk: []byte("cd")}),
		},
	}

	frags, err := d.Decode(tx)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	assert.Equal(t, message.Fragment{
		MessageID: "m1", Seq: 0, Payload: []byte("ab"),
		Signature: "t1", Sender: "alice", Slot: 42, BlockTime: at, Status: ledger.StatusConfirmed,
	}, frags[0])
	assert.True(t, frags[1].Last)
	assert.Equal(t, 2, frags[1].Total)
}

func TestDecode_MalformedPayload(t *testing.T) {
	d := New("", "general")

	tests := map[string]ledger.Instruction{
		"not json":      {Program: DefaultProgram, Data: []byte("{")},
		"missing id":    protoIns(t, wireFragment{Channel: "general", Chunk: []byte("x")}),
		"negative seq":  protoIns(t, wireFragment{Channel: "general", MessageID: "m", Seq: -1}),
		"seq >= total":  protoIns(t, wireFragment{Channel: "general", MessageID: "m", Seq: 2, Total: 2}),
		"last mismatch": protoIns(t, wireFragment{Channel: "general", MessageID: "m", Seq: 0, Last: true, Total: 2}),
	}
	for name, ins := range tests {
		t.Run(name, func(t *testing.T) {
			frags, err := d.Decode(ledger.Transaction{Signature: "bad", Instructions: []ledger.Instruction{ins}})
			require.Error(t, err)
			assert.Nil(t, frags)
			assert.True(t, IsDecodeError(err))

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "bad", de.Signature)
		})
	}
}

func TestDecode_CustomProgram(t *testing.T) {
	d := New("chat/v2", "general")
	assert.Equal(t, "chat/v2", d.Program())

	ins := protoIns(t, wireFragment{Channel: "general", MessageID: "m1", Last: true, Chunk: []byte("x")})
	frags, err := d.Decode(ledger.Transaction{Instructions: []ledger.Instruction{ins}})
	require.NoError(t, err)
	assert.Empty(t, frags, "default program is foreign to a custom decoder")
}

func TestEncodeMessage_RoundTripsThroughDecoder(t *testing.T) {
	v := schema.MustNew()
	env, err := NewEnvelope(message.Text{Text: "hello, fragmented world"}, "m0", &Gate{Asset: "gold", Min: 3})
	require.NoError(t, err)

	ins, err := EncodeMessage("", "general", "m1", env, 3)
	require.NoError(t, err)
	require.Len(t, ins, 3)

	d := New("", "general")
	var payload []byte
	for i, in := range ins {
		frags, err := d.Decode(ledger.Transaction{Signature: "t", Instructions: []ledger.Instruction{in}})
		require.NoError(t, err)
		require.Len(t, frags, 1)
		assert.Equal(t, i, frags[0].Seq)
		assert.Equal(t, i == 2, frags[0].Last)
		payload = append(payload, frags[0].Payload...)
	}

	got, err := ParseEnvelope(v, payload)
	require.NoError(t, err)
	assert.Equal(t, message.TypeText, got.Type)
	assert.Equal(t, "m0", got.Ref)
	assert.Equal(t, &Gate{Asset: "gold", Min: 3}, got.Gate)

	c, err := message.DecodeContent(got.Type, got.Body)
	require.NoError(t, err)
	assert.Equal(t, message.Text{Text: "hello, fragmented world"}, c)
}

func TestEncodeMessage_ClampsParts(t *testing.T) {
	env, err := NewEnvelope(message.Reaction{Symbol: "+1"}, "m1", nil)
	require.NoError(t, err)

	ins, err := EncodeMessage("", "general", "r1", env, 0)
	require.NoError(t, err)
	assert.Len(t, ins, 1)

	ins, err = EncodeMessage("", "general", "r1", env, 10_000)
	require.NoError(t, err)
	assert.Greater(t, len(ins), 1)

	var tail wireFragment
	require.NoError(t, json.Unmarshal(ins[len(ins)-1].Data, &tail))
	assert.True(t, tail.Last)
	assert.Equal(t, len(ins), tail.Total)

	_, err = EncodeMessage("", "general", "", env, 1)
	assert.Error(t, err)
}

func TestParseEnvelope_Sealed(t *testing.T) {
	v := schema.MustNew()
	env := Envelope{Type: message.TypeHTML, Gate: &Gate{Asset: "gold", Min: 1}, Sealed: []byte(`{"type":"html","html":"x"}`)}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := ParseEnvelope(v, data)
	require.NoError(t, err)
	assert.Equal(t, env.Sealed, got.Sealed)
	assert.Empty(t, got.Body)
}

func TestParseEnvelope_Invalid(t *testing.T) {
	v := schema.MustNew()
	_, err := ParseEnvelope(v, []byte(`{"type":"text"}`))
	var ve *schema.ValidationError
	assert.ErrorAs(t, err, &ve)
}
