package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnknownService is returned when an envelope carries a tag outside
	// the closed set of kinds a component serves.
	ErrUnknownService = errors.New("unknown service")

	// ErrMissingField is wrapped by DecodeError when a required key is absent
	// or nil.
	ErrMissingField = errors.New("missing required field")
)

// msgpackNil is the single-byte msgpack encoding of nil.
var msgpackNil = []byte{0xc0}

// Envelope is the {service, data} frame shared by the authority and chat
// protocols.
type Envelope struct {
	Service Service            `msgpack:"service"`
	Data    msgpack.RawMessage `msgpack:"data"`
}

// Meta is embedded in every payload. Clock carries the sender's logical clock.
type Meta struct {
	Timestamp int64  `msgpack:"timestamp"`
	Clock     uint64 `msgpack:"clock"`
}

// Stamp sets the wall-clock timestamp and logical clock.
func (m *Meta) Stamp(timestamp int64, clock uint64) {
	m.Timestamp = timestamp
	m.Clock = clock
}

// LogicalClock returns the carried logical clock.
func (m Meta) LogicalClock() uint64 {
	return m.Clock
}

// Stamped is implemented by every payload through its embedded Meta.
type Stamped interface {
	Stamp(timestamp int64, clock uint64)
	LogicalClock() uint64
}

// NewEnvelope serializes data under the given service tag.
func NewEnvelope(service Service, data interface{}) (*Envelope, error) {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", service, err)
	}
	return &Envelope{Service: service, Data: raw}, nil
}

// Marshal serializes the envelope itself.
func (e *Envelope) Marshal() ([]byte, error) {
	return msgpack.Marshal(e)
}

// UnmarshalEnvelope parses a serialized envelope.
func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

// DecodeError reports a payload that could not be decoded into its typed
// request. Field is set when a specific key is missing or mistyped.
type DecodeError struct {
	Service Service
	Field   string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %v", e.Service, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Service, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode unpacks the envelope's data into v. Every key in required must be
// present and non-nil; a missing key yields a *DecodeError wrapping
// ErrMissingField instead of a zero value.
func (e *Envelope) Decode(v interface{}, required ...string) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, msgpackNil) {
		if len(required) > 0 {
			return &DecodeError{Service: e.Service, Field: required[0], Err: ErrMissingField}
		}
		return nil
	}

	if len(required) > 0 {
		var fields map[string]msgpack.RawMessage
		if err := msgpack.Unmarshal(e.Data, &fields); err != nil {
			return &DecodeError{Service: e.Service, Err: err}
		}
		for _, name := range required {
			// A nil value decodes to an empty RawMessage.
			raw, ok := fields[name]
			if !ok || len(raw) == 0 || bytes.Equal(raw, msgpackNil) {
				return &DecodeError{Service: e.Service, Field: name, Err: ErrMissingField}
			}
		}
	}

	if err := msgpack.Unmarshal(e.Data, v); err != nil {
		return &DecodeError{Service: e.Service, Err: err}
	}
	return nil
}

// PeekMeta extracts only the timestamp and clock, so a receiver can merge
// the clock before it knows how to interpret the rest of the payload.
func (e *Envelope) PeekMeta() Meta {
	var m Meta
	if len(e.Data) > 0 {
		_ = msgpack.Unmarshal(e.Data, &m)
	}
	return m
}

// RemoteError is an error status returned by the peer.
type RemoteError struct {
	Service     Service
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Service, e.Description, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Description)
}
