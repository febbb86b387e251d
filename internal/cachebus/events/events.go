// Package events defines the wire payloads broadcast on the cache
// coherence topic: CacheEvent for per-entity-group mutations and
// RelationEvent for per-relation mutations.
package events

import (
	"encoding/json"
	"errors"
)

// CacheAction identifies the kind of mutation a CacheEvent carries.
type CacheAction string

const (
	CacheFullReset   CacheAction = "FULL_RESET"
	CacheGroupReset  CacheAction = "GROUP_RESET"
	CacheObjectReset CacheAction = "OBJECT_RESET"
	CacheObjectRemove CacheAction = "OBJECT_REMOVE"
)

// RelationAction identifies the kind of mutation a RelationEvent carries.
type RelationAction string

const (
	RelationAdd         RelationAction = "ADD"
	RelationAddAll      RelationAction = "ADD_ALL"
	RelationClear       RelationAction = "CLEAR"
	RelationRemove      RelationAction = "REMOVE"
	RelationRemoveAll   RelationAction = "REMOVE_ALL"
	RelationRemoveLeft  RelationAction = "REMOVE_LEFT"
	RelationRemoveRight RelationAction = "REMOVE_RIGHT"
	RelationReplaceAll  RelationAction = "REPLACE_ALL"
	RelationReset       RelationAction = "RESET"
)

// Pair is one (left, right) member of a relation.
type Pair struct {
	LeftID  int64 `json:"leftId"`
	RightID int64 `json:"rightId"`
}

// BroadcastMessage is the sealed union of payloads carried on the
// cache topic. Only CacheEvent and RelationEvent implement it.
type BroadcastMessage interface {
	isBroadcastMessage()
}

// CacheEvent mirrors a mutation applied to an entity group.
type CacheEvent struct {
	Action           CacheAction       `json:"action"`
	GroupID          int64             `json:"groupId"`
	ObjectID         int64             `json:"objectId,omitempty"`
	ObjectProperties map[string]any    `json:"objectProperties,omitempty"`
}

func (CacheEvent) isBroadcastMessage() {}

// RelationEvent mirrors a mutation applied to a relation.
type RelationEvent struct {
	Action     RelationAction `json:"action"`
	RelationID int64          `json:"relationId"`
	LeftID     int64          `json:"leftId,omitempty"`
	RightID    int64          `json:"rightId,omitempty"`
	Relation   []Pair         `json:"relation,omitempty"`
}

func (RelationEvent) isBroadcastMessage() {}

// Envelope is what actually travels on the wire: the sender's
// instance identifier plus the tagged payload. Kind disambiguates
// Payload on unmarshal since encoding/json can't do that on its own
// for an interface field.
type Envelope struct {
	SenderID string          `json:"senderId"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

const (
	KindCacheEvent    = "cache"
	KindRelationEvent = "relation"
)

// Wrap builds the envelope for an outbound message, stamping the
// sender's instance identifier.
func Wrap(senderID string, msg BroadcastMessage) (*Envelope, error) {
	var kind string
	switch msg.(type) {
	case CacheEvent:
		kind = KindCacheEvent
	case RelationEvent:
		kind = KindRelationEvent
	default:
		return nil, errUnknownPayload
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return &Envelope{SenderID: senderID, Kind: kind, Payload: payload}, nil
}

// Marshal serializes the envelope to JSON for the broker.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a broker payload into the envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// Message decodes the envelope's tagged payload into a concrete
// BroadcastMessage.
func (e *Envelope) Message() (BroadcastMessage, error) {
	switch e.Kind {
	case KindCacheEvent:
		var ev CacheEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindRelationEvent:
		var ev RelationEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, errUnknownPayload
	}
}

var errUnknownPayload = errors.New("events: unrecognized envelope kind")
