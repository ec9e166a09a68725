package protocol

import "fmt"

// Service tags the kind of a request or response envelope.
type Service string

// Authority request kinds.
const (
	ServiceRank      Service = "rank"
	ServiceHeartbeat Service = "heartbeat"
	ServiceList      Service = "list"
	ServiceElection  Service = "election"
	ServiceClock     Service = "clock"
)

// Chat request kinds.
const (
	ServiceLogin    Service = "login"
	ServiceUsers    Service = "users"
	ServiceChannel  Service = "channel"
	ServiceChannels Service = "channels"
	ServicePublish  Service = "publish"
	ServiceMessage  Service = "message"
)

// ServiceInternalError tags the reply produced when handling faulted.
const ServiceInternalError Service = "internal_error"

var authorityServices = map[Service]struct{}{
	ServiceRank:      {},
	ServiceHeartbeat: {},
	ServiceList:      {},
	ServiceElection:  {},
	ServiceClock:     {},
}

var chatServices = map[Service]struct{}{
	ServiceLogin:    {},
	ServiceUsers:    {},
	ServiceChannel:  {},
	ServiceChannels: {},
	ServicePublish:  {},
	ServiceMessage:  {},
}

// ParseAuthorityService maps a raw tag onto one of the five authority kinds.
func ParseAuthorityService(raw string) (Service, error) {
	s := Service(raw)
	if _, ok := authorityServices[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, raw)
	}
	return s, nil
}

// ParseChatService maps a raw tag onto one of the six chat kinds.
func ParseChatService(raw string) (Service, error) {
	s := Service(raw)
	if _, ok := chatServices[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, raw)
	}
	return s, nil
}

func (s Service) String() string {
	return string(s)
}

// Response status values.
const (
	StatusOK    = "OK"
	StatusError = "error"
)

// Well-known multicast topics. Channel names and usernames are used as
// topics for live delivery.
const (
	TopicServers = "servers"
	TopicReplica = "replica"
)

// IsControlTopic reports whether name is reserved for replica traffic and
// so cannot name a user or a channel.
func IsControlTopic(name string) bool {
	return name == TopicServers || name == TopicReplica
}
