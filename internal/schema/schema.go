// Package schema validates protocol envelopes and message content against the
// embedded CUE definitions in protocol.cue.
//
// Validation happens once, when a message is assembled or its content is
// decoded. Code downstream of a successful validation may rely on the shape.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed protocol.cue
var protocolSource string

// Validator checks JSON documents against the protocol definitions.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so all
// validation is serialized on an internal mutex.
type Validator struct {
	mu       sync.Mutex
	ctx      *cue.Context
	envelope cue.Value
	content  cue.Value
}

// New compiles the embedded protocol schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(protocolSource, cue.Filename("protocol.cue"))
	if err := root.Err(); err != nil {
		return nil, formatCUEError("protocol", err)
	}

	envelope := root.LookupPath(cue.ParsePath("#Envelope"))
	if !envelope.Exists() {
		return nil, &ValidationError{Field: "protocol", Message: "#Envelope is not defined"}
	}
	content := root.LookupPath(cue.ParsePath("#Content"))
	if !content.Exists() {
		return nil, &ValidationError{Field: "protocol", Message: "#Content is not defined"}
	}

	return &Validator{ctx: ctx, envelope: envelope, content: content}, nil
}

// MustNew is like New but panics on error. The schema is embedded, so an
// error here is a build defect.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateEnvelope checks an assembled message envelope.
func (v *Validator) ValidateEnvelope(data []byte) error {
	return v.validate(v.envelope, "envelope", data)
}

// ValidateContent checks decoded content JSON.
func (v *Validator) ValidateContent(data []byte) error {
	return v.validate(v.content, "content", data)
}

func (v *Validator) validate(def cue.Value, field string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	doc := v.ctx.CompileBytes(data, cue.Filename(field+".json"))
	if err := doc.Err(); err != nil {
		return formatCUEError(field, err)
	}
	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(field, err)
	}
	return nil
}

// ValidationError describes a document that does not satisfy the protocol.
type ValidationError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts the first error and its position.
func formatCUEError(field string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Field: field, Message: err.Error()}
	}

	first := errs[0]
	ve := &ValidationError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
