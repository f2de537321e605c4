package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

// envelope is the three-field wire record {msg_type, payload, version}.
// The payload is a self-describing JSON object per variant; the outer
// envelope itself is length-delimited by the transport (out of scope here).
type envelope struct {
	MsgType uint32 `json:"msg_type"`
	Payload []byte `json:"payload"`
	Version uint32 `json:"version"`
}

// Encode serializes msg into the wire envelope under the given protocol
// version. Fails if msg's variant is not supported by that version.
func Encode(msg GossipMessage, version uint32) ([]byte, error) {
	if !versionSupports(version, msg.Type) {
		return nil, &xerrors.ProtocolError{Detail: fmt.Sprintf("message type %d unsupported at version %d", msg.Type, version)}
	}

	var payload interface{}
	switch msg.Type {
	case MessageTypeAnnounce:
		payload = msg.Announce
	case MessageTypeQuery:
		payload = msg.Query
	case MessageTypeResponse:
		payload = msg.Response
	case MessageTypeHeartbeat:
		payload = msg.Heartbeat
	case MessageTypeSyncRequest:
		payload = msg.SyncRequest
	case MessageTypeSyncResponse:
		payload = msg.SyncResponse
	default:
		return nil, &xerrors.ProtocolError{Detail: fmt.Sprintf("unknown message type %d", msg.Type)}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode payload: %w", err)
	}

	env := envelope{MsgType: uint32(msg.Type), Payload: payloadBytes, Version: version}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses a wire envelope and validates its version and message
// type before deserializing the payload. A malformed envelope, an
// unsupported version or an unknown message type returns a
// *xerrors.ProtocolError; a payload that fails to deserialize returns the
// wrapped JSON error.
func Decode(raw []byte) (GossipMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return GossipMessage{}, &xerrors.ProtocolError{Detail: fmt.Sprintf("malformed envelope: %v", err)}
	}

	if env.Version == 0 || env.Version < ProtocolVersionMinCompatible || env.Version > ProtocolVersionCurrent {
		return GossipMessage{}, &xerrors.ProtocolError{Detail: fmt.Sprintf("unsupported protocol version %d", env.Version)}
	}

	msgType := MessageType(env.MsgType)
	if !versionSupports(env.Version, msgType) {
		return GossipMessage{}, &xerrors.ProtocolError{Detail: fmt.Sprintf("unknown message type %d for version %d", env.MsgType, env.Version)}
	}

	msg := GossipMessage{Type: msgType}
	var err error
	switch msgType {
	case MessageTypeAnnounce:
		msg.Announce = &AnnounceMessage{}
		err = json.Unmarshal(env.Payload, msg.Announce)
	case MessageTypeQuery:
		msg.Query = &GossipQuery{}
		err = json.Unmarshal(env.Payload, msg.Query)
	case MessageTypeResponse:
		msg.Response = &ResponseMessage{}
		err = json.Unmarshal(env.Payload, msg.Response)
	case MessageTypeHeartbeat:
		msg.Heartbeat = &HeartbeatMessage{}
		err = json.Unmarshal(env.Payload, msg.Heartbeat)
	case MessageTypeSyncRequest:
		msg.SyncRequest = &SyncRequestMessage{}
		err = json.Unmarshal(env.Payload, msg.SyncRequest)
	case MessageTypeSyncResponse:
		msg.SyncResponse = &SyncResponseMessage{}
		err = json.Unmarshal(env.Payload, msg.SyncResponse)
	}
	if err != nil {
		return GossipMessage{}, fmt.Errorf("gossip: decode payload: %w", err)
	}
	return msg, nil
}

// versionSupports reports whether msgType is part of the message set
// defined for the given protocol version. Version 1 supports types 1..6.
func versionSupports(version uint32, msgType MessageType) bool {
	switch version {
	case 1:
		return msgType >= MessageTypeAnnounce && msgType <= MessageTypeSyncResponse
	default:
		return false
	}
}
