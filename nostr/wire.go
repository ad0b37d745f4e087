package nostr

import (
	"encoding/json"
	"fmt"
)

// ClientMsgType enumerates the client->relay envelope kinds from
// spec.md §6: REQ, EVENT, CLOSE.
type ClientMsgType string

const (
	ClientReq   ClientMsgType = "REQ"
	ClientEvent ClientMsgType = "EVENT"
	ClientClose ClientMsgType = "CLOSE"
)

// ServerMsgType enumerates relay->client envelope kinds: EVENT, EOSE,
// OK, NOTICE.
type ServerMsgType string

const (
	ServerEvent  ServerMsgType = "EVENT"
	ServerEOSE   ServerMsgType = "EOSE"
	ServerOK     ServerMsgType = "OK"
	ServerNotice ServerMsgType = "NOTICE"
)

// Filter is the standard subscription filter set, including the #e,
// #p, #t, #g tag filters used throughout the ride protocol.
type Filter struct {
	IDs     []string         `json:"ids,omitempty"`
	Authors []string         `json:"authors,omitempty"`
	Kinds   []Kind           `json:"kinds,omitempty"`
	Since   *int64           `json:"since,omitempty"`
	Until   *int64           `json:"until,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

// MarshalJSON flattens Tags into the "#x": [...] wire form NIP-01
// filters use, since Go struct tags can't express a dynamic key prefix.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	for k, v := range f.Tags {
		m["#"+k] = v
	}
	return json.Marshal(m)
}

// ReqMessage builds a ["REQ", subID, filters...] client envelope.
func ReqMessage(subID string, filters ...Filter) ([]byte, error) {
	parts := make([]interface{}, 0, len(filters)+2)
	parts = append(parts, ClientReq, subID)
	for _, f := range filters {
		parts = append(parts, f)
	}
	return json.Marshal(parts)
}

// CloseMessage builds a ["CLOSE", subID] client envelope.
func CloseMessage(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{ClientClose, subID})
}

// EventMessage builds an ["EVENT", event] client envelope for publish.
func EventMessage(e *Event) ([]byte, error) {
	return json.Marshal([]interface{}{ClientEvent, e})
}

// Incoming is a decoded relay->client envelope, discriminated by Type.
type Incoming struct {
	Type    ServerMsgType
	SubID   string
	Event   *Event
	OK      bool
	Message string
}

// ParseIncoming decodes a raw relay message into an Incoming envelope.
// Unknown first-element types are returned as an error rather than
// silently dropped, so callers can count/log protocol anomalies.
func ParseIncoming(raw []byte) (*Incoming, error) {
	var generic []json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("nostr: invalid envelope: %w", err)
	}
	if len(generic) < 2 {
		return nil, fmt.Errorf("nostr: envelope too short")
	}

	var msgType string
	if err := json.Unmarshal(generic[0], &msgType); err != nil {
		return nil, fmt.Errorf("nostr: invalid envelope type: %w", err)
	}

	switch ServerMsgType(msgType) {
	case ServerEvent:
		if len(generic) < 3 {
			return nil, fmt.Errorf("nostr: EVENT envelope too short")
		}
		var subID string
		if err := json.Unmarshal(generic[1], &subID); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(generic[2], &ev); err != nil {
			return nil, err
		}
		return &Incoming{Type: ServerEvent, SubID: subID, Event: &ev}, nil

	case ServerEOSE:
		var subID string
		if err := json.Unmarshal(generic[1], &subID); err != nil {
			return nil, err
		}
		return &Incoming{Type: ServerEOSE, SubID: subID}, nil

	case ServerOK:
		if len(generic) < 4 {
			return nil, fmt.Errorf("nostr: OK envelope too short")
		}
		var id string
		var ok bool
		var msg string
		json.Unmarshal(generic[1], &id)
		json.Unmarshal(generic[2], &ok)
		json.Unmarshal(generic[3], &msg)
		return &Incoming{Type: ServerOK, SubID: id, OK: ok, Message: msg}, nil

	case ServerNotice:
		var msg string
		if err := json.Unmarshal(generic[1], &msg); err != nil {
			return nil, err
		}
		return &Incoming{Type: ServerNotice, Message: msg}, nil

	default:
		return nil, fmt.Errorf("nostr: unknown envelope type %q", msgType)
	}
}
