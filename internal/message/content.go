package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Content is the closed set of decoded message payloads.
// Implemented by Text, Image, Gif, HTML and Reaction only.
type Content interface {
	ContentType() Type
	isContent()
}

// Text is a plain text message.
type Text struct {
	Text string `json:"text"`
}

// Image links an image.
type Image struct {
	URL    string `json:"url"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Gif links an animated image.
type Gif struct {
	URL string `json:"url"`
}

// HTML is a rich message body.
type HTML struct {
	HTML string `json:"html"`
}

// Reaction is a symbol attached to another message.
type Reaction struct {
	Symbol string `json:"symbol"`
}

func (Text) ContentType() Type     { return TypeText }
func (Image) ContentType() Type    { return TypeImage }
func (Gif) ContentType() Type      { return TypeGif }
func (HTML) ContentType() Type     { return TypeHTML }
func (Reaction) ContentType() Type { return TypeReaction }

func (Text) isContent()     {}
func (Image) isContent()    {}
func (Gif) isContent()      {}
func (HTML) isContent()     {}
func (Reaction) isContent() {}

// ErrTypeMismatch is returned when decoded content carries a different type
// than the message that holds it.
var ErrTypeMismatch = errors.New("content type mismatch")

// TypeMismatchError details an ErrTypeMismatch.
type TypeMismatchError struct {
	Expected Type
	Got      Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", ErrTypeMismatch, e.Expected, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// DecodeContent parses content JSON of the form {"type": ..., <fields>}.
//
// The embedded type must match expected. Shape validation is the schema
// package's job; this only maps JSON onto the variant.
func DecodeContent(expected Type, raw []byte) (Content, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if head.Type != expected {
		return nil, &TypeMismatchError{Expected: expected, Got: head.Type}
	}

	var c Content
	var err error
	switch head.Type {
	case TypeText:
		var v Text
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeImage:
		var v Image
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeGif:
		var v Gif
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeHTML:
		var v HTML
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeReaction:
		var v Reaction
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("decode content: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", head.Type, err)
	}
	return c, nil
}

// EncodeContent renders c as content JSON including its type tag.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, errors.New("encode content: nil content")
	}
	fields, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(fields, &obj); err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	tag, _ := json.Marshal(c.ContentType())
	obj["type"] = tag
	return json.Marshal(obj)
}

// Preview returns a one-line human summary of c.
func Preview(c Content) string {
	switch v := c.(type) {
	case Text:
		return v.Text
	case Image:
		if v.Alt != "" {
			return fmt.Sprintf("[image %s] %s", v.URL, v.Alt)
		}
		return fmt.Sprintf("[image %s]", v.URL)
	case Gif:
		return fmt.Sprintf("[gif %s]", v.URL)
	case HTML:
		return fmt.Sprintf("[html %d bytes]", len(v.HTML))
	case Reaction:
		return v.Symbol
	default:
		return ""
	}
}
