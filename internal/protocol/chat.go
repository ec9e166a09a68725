package protocol

type LoginRequest struct {
	Meta `msgpack:",inline"`
	User string `msgpack:"user"`
}

type UsersRequest struct {
	Meta `msgpack:",inline"`
}

type UsersResponse struct {
	Meta  `msgpack:",inline"`
	Users []string `msgpack:"users"`
}

type ChannelRequest struct {
	Meta    `msgpack:",inline"`
	Channel string `msgpack:"channel"`
}

type ChannelsRequest struct {
	Meta `msgpack:",inline"`
}

type ChannelsResponse struct {
	Meta     `msgpack:",inline"`
	Channels []string `msgpack:"channels"`
}

type PublishRequest struct {
	Meta    `msgpack:",inline"`
	User    string `msgpack:"user"`
	Channel string `msgpack:"channel"`
	Message string `msgpack:"message"`
}

// MessageRequest is a direct message from Src to Dst.
type MessageRequest struct {
	Meta    `msgpack:",inline"`
	Src     string `msgpack:"src"`
	Dst     string `msgpack:"dst"`
	Message string `msgpack:"message"`
}

// EntryType distinguishes channel and private chat entries.
type EntryType string

const (
	EntryChannel EntryType = "channel"
	EntryPrivate EntryType = "private"
)

// LogEntry is both the live-delivery frame and the durable log record.
// Channel and User are set for channel entries, From and To for private ones.
type LogEntry struct {
	Type      EntryType `msgpack:"type"`
	Channel   string    `msgpack:"channel,omitempty"`
	User      string    `msgpack:"user,omitempty"`
	From      string    `msgpack:"from,omitempty"`
	To        string    `msgpack:"to,omitempty"`
	Message   string    `msgpack:"message"`
	Timestamp int64     `msgpack:"timestamp"`
	Clock     uint64    `msgpack:"clock"`
}

// Topic returns the multicast topic the entry is delivered on live.
func (e LogEntry) Topic() string {
	if e.Type == EntryPrivate {
		return e.To
	}
	return e.Channel
}
