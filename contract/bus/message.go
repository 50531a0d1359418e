package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

// Reserved envelope keys. They travel in the same JSON object as the domain fields.
const (
	KeyCorrelationID = "correlation_id"
	KeyReplyTo       = "reply_to"
)

// Envelope is the unit of communication between services.
//
// CorrelationID is generated by the initiating caller and propagated unchanged
// through every hop of a saga. ReplyTo is always queue-style; see ReplyAddress.
type Envelope struct {
	CorrelationID string
	ReplyTo       string
	Payload       map[string]any
}

// NewEnvelope builds an envelope whose payload holds the JSON fields of v.
// v may be a struct with json tags, a map, or nil.
func NewEnvelope(v any) (Envelope, error) {
	env := Envelope{Payload: map[string]any{}}
	if v == nil {
		return env, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope payload: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if err := env.UnmarshalJSON(b); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

// DecodeEnvelope parses a message body. Anything that is not a JSON object is a validation error.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := env.UnmarshalJSON(body); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

// MarshalJSON flattens the envelope into a single object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		m[k] = v
	}

	if e.CorrelationID != "" {
		m[KeyCorrelationID] = e.CorrelationID
	}

	if e.ReplyTo != "" {
		m[KeyReplyTo] = e.ReplyTo
	}

	return json.Marshal(m)
}

// UnmarshalJSON splits the reserved keys out of the object. Numbers are kept as json.Number.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode envelope: %w", errors.Join(berr.ErrValidation, err))
	}

	if m == nil {
		return fmt.Errorf("decode envelope: %w: null body", berr.ErrValidation)
	}

	e.CorrelationID, _ = m[KeyCorrelationID].(string)
	e.ReplyTo, _ = m[KeyReplyTo].(string)
	delete(m, KeyCorrelationID)
	delete(m, KeyReplyTo)
	e.Payload = m

	return nil
}

// Decode copies the payload into dst (usually a struct with json tags).
// Shape mismatches are reported as ErrValidation.
func (e Envelope) Decode(dst any) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode payload: %w", errors.Join(berr.ErrValidation, err))
	}

	return nil
}

// String returns a string payload field, or "" when absent or of another type.
func (e Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// With returns a copy of the envelope with key set to v.
func (e Envelope) With(key string, v any) Envelope {
	m := make(map[string]any, len(e.Payload)+1)
	for k, val := range e.Payload {
		m[k] = val
	}

	m[key] = v
	e.Payload = m

	return e
}
