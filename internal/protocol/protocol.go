package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/luciancaetano/chatgate"
)

// Operation distinguishes a one-time hello from an ongoing dispatch.
type Operation int

const (
	Dispatch Operation = chatgate.OpDispatch
	Hello    Operation = chatgate.OpHello
)

func (o Operation) valid() bool {
	return o == Dispatch || o == Hello
}

// Envelope is the wire unit: {operation, event?, data?}.
type Envelope struct {
	Operation Operation
	Event     string
	Data      json.RawMessage
}

type wireEnvelope struct {
	Operation *Operation      `json:"operation"`
	Event     *string         `json:"event"`
	Data      json.RawMessage `json:"data"`
}

var (
	ErrInvalidUTF8      = errors.New("payload is not valid UTF-8")
	ErrMissingOperation = errors.New("missing operation")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidData      = errors.New("data is not valid JSON")
)

var (
	nullLiteral = []byte("null")

	strict = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

// Encode serializes the envelope. An empty event and nil data are written as
// JSON null.
func Encode(env Envelope) ([]byte, error) {
	if !env.Operation.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, env.Operation)
	}
	op := env.Operation
	w := wireEnvelope{Operation: &op, Data: env.Data}
	if env.Event != "" {
		ev := env.Event
		w.Event = &ev
	}
	if len(w.Data) == 0 {
		w.Data = nullLiteral
	} else if !strict.Valid(w.Data) {
		return nil, ErrInvalidData
	}
	out, err := strict.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses a UTF-8 JSON envelope. Unknown fields, a missing or unknown
// operation and a non-string event are rejected. The data slice is a copy and
// may be retained by the caller.
func Decode(data []byte) (Envelope, error) {
	if !utf8.Valid(data) {
		return Envelope{}, ErrInvalidUTF8
	}
	var w wireEnvelope
	if err := strict.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if w.Operation == nil {
		return Envelope{}, ErrMissingOperation
	}
	if !w.Operation.valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownOperation, *w.Operation)
	}
	env := Envelope{Operation: *w.Operation}
	if w.Event != nil {
		env.Event = *w.Event
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, nullLiteral) {
		env.Data = append(json.RawMessage(nil), w.Data...)
	}
	return env, nil
}

// NewDispatch builds a dispatch envelope with v marshaled as data.
func NewDispatch(event string, v any) (Envelope, error) {
	data, err := marshalData(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Operation: Dispatch, Event: event, Data: data}, nil
}

// NewHello builds the one-time hello envelope.
func NewHello(v any) (Envelope, error) {
	data, err := marshalData(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Operation: Hello, Data: data}, nil
}

// DecodeData unmarshals the envelope data into v. Unknown fields are allowed
// so clients can send richer objects than the server understands.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("event %q has no data", env.Event)
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %q data: %w", env.Event, err)
	}
	return nil
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return data, nil
}
