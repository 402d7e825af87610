package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentID uniquely identifies an agent. It is stable across restarts and is
// used both as the mailbox address and as a subject component on the bus
// (e.g. "agent.<id>").
type AgentID string

// String returns the raw identifier.
func (id AgentID) String() string { return string(id) }

// Subject returns the bus subject an agent listens on for direct messages.
func (id AgentID) Subject() string { return "agent." + string(id) }

// Message is the common envelope for everything an agent processes.
// Inbound frames from either transport are normalized to this shape before
// dispatch, so handlers cannot tell a local message from a distributed one.
//
// A Message is immutable once constructed. ID is unique per message but
// carries no ordering; Timestamp is wall-clock seconds and informational only.
type Message struct {
	ID        string          `json:"id"`
	From      AgentID         `json:"from"`
	To        AgentID         `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp uint64          `json:"timestamp"`
}

// NewMessage creates a message with a fresh unique ID and the current time.
func NewMessage(from, to AgentID, payload json.RawMessage) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: uint64(time.Now().Unix()),
	}
}

// PayloadType extracts the conventional "type" field from a structured
// payload. It returns "" when the payload is not an object or has no type.
func (m Message) PayloadType() string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// StateActionKind enumerates the operations a StateAction can request.
type StateActionKind string

const (
	ActionStore  StateActionKind = "store"
	ActionGet    StateActionKind = "get"
	ActionDelete StateActionKind = "delete"
	ActionClear  StateActionKind = "clear"
	ActionList   StateActionKind = "list"
)

// StateAction is a variant request against an agent's state store. Actions on
// the same agent are applied one at a time, never concurrently.
type StateAction struct {
	Kind  StateActionKind `json:"kind"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StoreAction builds a Store action.
func StoreAction(key string, value json.RawMessage) StateAction {
	return StateAction{Kind: ActionStore, Key: key, Value: value}
}

// DeleteAction builds a Delete action.
func DeleteAction(key string) StateAction {
	return StateAction{Kind: ActionDelete, Key: key}
}

// DecodeStateAction attempts to interpret a message payload as a StateAction.
// The second return value reports whether the payload was a well-formed
// action; malformed or unrelated payloads are not errors.
func DecodeStateAction(payload json.RawMessage) (StateAction, bool) {
	var a StateAction
	if err := json.Unmarshal(payload, &a); err != nil {
		return StateAction{}, false
	}
	switch a.Kind {
	case ActionStore:
		return a, a.Key != ""
	case ActionGet, ActionDelete:
		return a, a.Key != ""
	case ActionClear, ActionList:
		return a, true
	default:
		return StateAction{}, false
	}
}
