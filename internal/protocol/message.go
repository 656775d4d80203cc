// Package protocol defines the wire envelope exchanged between peers over
// the multicast transport: a type tag plus a small payload of primitives,
// encoded as JSON so heterogeneous implementations can interoperate.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies the kind of message carried in an Envelope.
type Type string

const (
	Hello          Type = "HELLO"
	HelloAck       Type = "HELLO_ACK"
	Election       Type = "ELECTION"
	OK             Type = "OK"
	Leader         Type = "LEADER"
	Heartbeat      Type = "HB"
	RoundQuery     Type = "ROUND_QUERY"
	RoundResponse  Type = "ROUND_RESPONSE"
	RoundUpdate    Type = "ROUND_UPDATE"
	StartConsensus Type = "START_CONSENSUS"
	Value          Type = "VALUE"
	Response       Type = "RESPONSE"
)

// requiredFields lists the payload keys, beyond "from", that must be present
// for a given message type to be considered well-formed.
var requiredFields = map[Type][]string{
	HelloAck:       {"leader", "round"},
	Leader:         {"pid"},
	RoundResponse:  {"round"},
	RoundUpdate:    {"round"},
	StartConsensus: {"round", "leader"},
	Value:          {"round", "value"},
	Response:       {"round", "response"},
}

// MalformedMessage is returned by Decode when a datagram cannot be parsed as
// a valid Envelope, or is missing a field its type requires.
type MalformedMessage struct {
	Reason string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Envelope is the self-describing unit exchanged between peers: a type tag,
// the sender's PID, and a free-form payload of primitive values.
type Envelope struct {
	Type    Type           `json:"type"`
	From    int            `json:"from"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds an Envelope with the given type, sender, and payload fields.
func New(t Type, from int, fields map[string]any) Envelope {
	return Envelope{Type: t, From: from, Payload: fields}
}

// Encode serializes the envelope to its wire form. Encoding a well-formed
// Envelope never fails.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a datagram into an Envelope, rejecting unparseable bytes and
// payloads that are missing fields required by their declared type.
// Unrecognized types decode successfully (callers are expected to drop them
// for forward compatibility) but a non-JSON datagram or one missing a
// required field yields a *MalformedMessage.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &MalformedMessage{Reason: err.Error()}
	}
	if e.Type == "" {
		return Envelope{}, &MalformedMessage{Reason: "missing type"}
	}
	for _, field := range requiredFields[e.Type] {
		if _, ok := e.Payload[field]; !ok {
			return Envelope{}, &MalformedMessage{Reason: fmt.Sprintf("%s missing required field %q", e.Type, field)}
		}
	}
	return e, nil
}

// Int reads a numeric payload field as an int. JSON numbers decode to
// float64 in the generic map, so this centralizes the conversion.
func (e Envelope) Int(key string) (int, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
