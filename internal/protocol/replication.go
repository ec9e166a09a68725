package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EventKind identifies the mutation a ReplicationEvent carries.
type EventKind string

const (
	EventUser          EventKind = "user"
	EventChannel       EventKind = "channel"
	EventPublish       EventKind = "publish"
	EventDirectMessage EventKind = "direct_message"
)

// ParseEventKind rejects tags outside the four replicated mutations.
func ParseEventKind(raw string) (EventKind, error) {
	switch k := EventKind(raw); k {
	case EventUser, EventChannel, EventPublish, EventDirectMessage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown replication event %q", raw)
	}
}

// ReplicationEvent is multicast on TopicReplica. ID is globally unique and
// replaying an event with a seen ID is a no-op.
type ReplicationEvent struct {
	ID        string             `msgpack:"message_id"`
	Origin    string             `msgpack:"origin"`
	Kind      EventKind          `msgpack:"event"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
	Timestamp int64              `msgpack:"timestamp"`
	Clock     uint64             `msgpack:"clock"`
}

// UserPayload is carried by EventUser.
type UserPayload struct {
	User string `msgpack:"user"`
}

// ChannelPayload is carried by EventChannel.
type ChannelPayload struct {
	Channel string `msgpack:"channel"`
}

// EntryPayload is carried by EventPublish and EventDirectMessage.
type EntryPayload struct {
	Entry LogEntry `msgpack:"entry"`
}

// DecodePayload unpacks the event payload into v.
func (e *ReplicationEvent) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return &DecodeError{Service: Service(e.Kind), Err: ErrMissingField, Field: "payload"}
	}
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return &DecodeError{Service: Service(e.Kind), Field: "payload", Err: err}
	}
	return nil
}

// MarshalEvent serializes a replication event for the wire.
func MarshalEvent(e *ReplicationEvent) ([]byte, error) {
	return msgpack.Marshal(e)
}

// UnmarshalEvent parses a replication packet and validates its kind.
func UnmarshalEvent(raw []byte) (*ReplicationEvent, error) {
	var e ReplicationEvent
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if e.ID == "" {
		return nil, &DecodeError{Field: "message_id", Err: ErrMissingField}
	}
	if _, err := ParseEventKind(string(e.Kind)); err != nil {
		return nil, &DecodeError{Field: "event", Err: err}
	}
	return &e, nil
}
