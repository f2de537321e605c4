// Package gossip implements the peer-to-peer capacity gossip fabric: the
// wire message union and codec, signed capacity announcements, the peer
// diversity tracker, the per-peer rate limiter, and the fanout broadcaster.
package gossip

import "github.com/gpufabric/fabricd/internal/ids"

// MessageType enumerates the wire-level discriminants for GossipMessage.
type MessageType uint32

const (
	MessageTypeAnnounce     MessageType = 1
	MessageTypeQuery        MessageType = 2
	MessageTypeResponse     MessageType = 3
	MessageTypeHeartbeat    MessageType = 4
	MessageTypeSyncRequest  MessageType = 5
	MessageTypeSyncResponse MessageType = 6
)

// ProtocolVersion gates which message types a decoder accepts.
const (
	ProtocolVersionCurrent       uint32 = 1
	ProtocolVersionMinCompatible uint32 = 1
)

// QueryFilter restricts the announcements a Query matches. A nil/zero field
// acts as a wildcard.
type QueryFilter struct {
	GPUModel        *string
	MinVRAMGB       *uint32
	JobType         *string
	MaxGPUHourCents *uint64
}

// IsEmpty reports whether the filter matches every announcement.
func (f QueryFilter) IsEmpty() bool {
	return f.GPUModel == nil && f.MinVRAMGB == nil && f.JobType == nil && f.MaxGPUHourCents == nil
}

// GossipQuery is a request for capacity announcements matching Filter.
type GossipQuery struct {
	QueryID    ids.MessageID
	FromPeer   ids.PeerID
	Filter     QueryFilter
	MaxResults uint32
	TTLHops    uint8
}

// DecrementTTL returns a copy of q with TTLHops decremented, or false if
// the query has already expired (TTLHops == 0).
func (q GossipQuery) DecrementTTL() (GossipQuery, bool) {
	if q.TTLHops == 0 {
		return GossipQuery{}, false
	}
	next := q
	next.TTLHops--
	return next, true
}

// GossipMessage is the tagged union of messages exchanged between peers.
// Exactly one of the typed payload fields is populated, selected by Type.
type GossipMessage struct {
	Type MessageType

	Announce     *AnnounceMessage
	Query        *GossipQuery
	Response     *ResponseMessage
	Heartbeat    *HeartbeatMessage
	SyncRequest  *SyncRequestMessage
	SyncResponse *SyncResponseMessage
}

// AnnounceMessage propagates a signed capacity announcement.
type AnnounceMessage struct {
	MessageID    ids.MessageID
	Announcement CapacityAnnouncement
	TTLHops      uint8
}

// ResponseMessage answers a GossipQuery with matching announcements.
type ResponseMessage struct {
	QueryID       ids.MessageID
	FromPeer      ids.PeerID
	Announcements []CapacityAnnouncement
}

// HeartbeatMessage maintains peer liveness.
type HeartbeatMessage struct {
	FromPeer    ids.PeerID
	TimestampMs uint64
}

// SyncRequestMessage asks a peer for announcements newer than SinceUnix.
type SyncRequestMessage struct {
	FromPeer  ids.PeerID
	SinceUnix int64
}

// SyncResponseMessage answers a SyncRequestMessage.
type SyncResponseMessage struct {
	Announcements []CapacityAnnouncement
}

// NewAnnounce builds an Announce message with a fresh message id.
func NewAnnounce(a CapacityAnnouncement, ttlHops uint8) GossipMessage {
	return GossipMessage{
		Type: MessageTypeAnnounce,
		Announce: &AnnounceMessage{
			MessageID:    ids.NewMessageID(),
			Announcement: a,
			TTLHops:      ttlHops,
		},
	}
}

// NewQuery builds a Query message with a fresh query id.
func NewQuery(from ids.PeerID, filter QueryFilter, maxResults uint32, ttlHops uint8) GossipMessage {
	return GossipMessage{
		Type: MessageTypeQuery,
		Query: &GossipQuery{
			QueryID:    ids.NewMessageID(),
			FromPeer:   from,
			Filter:     filter,
			MaxResults: maxResults,
			TTLHops:    ttlHops,
		},
	}
}

// NewResponse builds a Response message.
func NewResponse(queryID ids.MessageID, from ids.PeerID, anns []CapacityAnnouncement) GossipMessage {
	return GossipMessage{
		Type: MessageTypeResponse,
		Response: &ResponseMessage{
			QueryID:       queryID,
			FromPeer:      from,
			Announcements: anns,
		},
	}
}

// NewHeartbeat builds a Heartbeat message.
func NewHeartbeat(from ids.PeerID, timestampMs uint64) GossipMessage {
	return GossipMessage{Type: MessageTypeHeartbeat, Heartbeat: &HeartbeatMessage{FromPeer: from, TimestampMs: timestampMs}}
}

// NewSyncRequest builds a SyncRequest message.
func NewSyncRequest(from ids.PeerID, sinceUnix int64) GossipMessage {
	return GossipMessage{Type: MessageTypeSyncRequest, SyncRequest: &SyncRequestMessage{FromPeer: from, SinceUnix: sinceUnix}}
}

// NewSyncResponse builds a SyncResponse message.
func NewSyncResponse(anns []CapacityAnnouncement) GossipMessage {
	return GossipMessage{Type: MessageTypeSyncResponse, SyncResponse: &SyncResponseMessage{Announcements: anns}}
}

// TypeName returns the human-readable message type name.
func (m GossipMessage) TypeName() string {
	switch m.Type {
	case MessageTypeAnnounce:
		return "Announce"
	case MessageTypeQuery:
		return "Query"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeHeartbeat:
		return "Heartbeat"
	case MessageTypeSyncRequest:
		return "SyncRequest"
	case MessageTypeSyncResponse:
		return "SyncResponse"
	default:
		return "Unknown"
	}
}

// MessageIDOf returns the correlation id for message types that carry one.
func (m GossipMessage) MessageIDOf() (ids.MessageID, bool) {
	switch m.Type {
	case MessageTypeAnnounce:
		return m.Announce.MessageID, true
	case MessageTypeQuery:
		return m.Query.QueryID, true
	case MessageTypeResponse:
		return m.Response.QueryID, true
	default:
		return ids.MessageID{}, false
	}
}
