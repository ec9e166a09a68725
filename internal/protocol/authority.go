package protocol

// RankRequest asks the authority for the caller's rank, registering it on
// first contact.
type RankRequest struct {
	Meta `msgpack:",inline"`
	User string `msgpack:"user"`
}

// RankResponse carries the caller's (possibly preexisting) rank.
type RankResponse struct {
	Meta `msgpack:",inline"`
	Rank int `msgpack:"rank"`
}

// HeartbeatRequest refreshes the caller's liveness.
type HeartbeatRequest struct {
	Meta `msgpack:",inline"`
	User string `msgpack:"user"`
}

// HeartbeatResponse reports the coordinator derived after purging.
type HeartbeatResponse struct {
	Meta        `msgpack:",inline"`
	Status      string `msgpack:"status"`
	Coordinator string `msgpack:"coordinator"`
}

// ListRequest asks for the alive roster.
type ListRequest struct {
	Meta `msgpack:",inline"`
}

// ServerEntry is one roster row.
type ServerEntry struct {
	Name string `msgpack:"name"`
	Rank int    `msgpack:"rank"`
}

// ListResponse carries the roster in ascending rank order.
type ListResponse struct {
	Meta        `msgpack:",inline"`
	List        []ServerEntry `msgpack:"list"`
	Coordinator string        `msgpack:"coordinator"`
}

// ElectionRequest optionally names a preferred coordinator for this answer.
type ElectionRequest struct {
	Meta `msgpack:",inline"`
	User string `msgpack:"user,omitempty"`
}

// ElectionResponse carries the coordinator for this answer.
type ElectionResponse struct {
	Meta        `msgpack:",inline"`
	Status      string `msgpack:"status"`
	Coordinator string `msgpack:"coordinator"`
}

// ClockRequest asks for the authority's wall time and coordinator.
type ClockRequest struct {
	Meta `msgpack:",inline"`
}

// ClockResponse carries the authority's wall time in unix milliseconds.
type ClockResponse struct {
	Meta        `msgpack:",inline"`
	Time        int64  `msgpack:"time"`
	Coordinator string `msgpack:"coordinator"`
}

// Announcement is multicast on TopicServers under ServiceElection when a
// replica declares itself coordinator.
type Announcement struct {
	Meta        `msgpack:",inline"`
	Coordinator string `msgpack:"coordinator"`
}

// StatusResponse is the shape of every error reply and of chat replies that
// carry no data.
type StatusResponse struct {
	Meta        `msgpack:",inline"`
	Status      string `msgpack:"status"`
	Code        string `msgpack:"code,omitempty"`
	Description string `msgpack:"description,omitempty"`
}

// Err converts an error status into a *RemoteError, or nil when the status
// is not an error.
func (r *StatusResponse) Err(service Service) error {
	if r.Status != StatusError {
		return nil
	}
	return &RemoteError{Service: service, Code: r.Code, Description: r.Description}
}
