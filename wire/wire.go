package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only envelope version this gateway speaks.
const ProtocolVersion = "1.0"

// Reserved destination names understood by the router.
const (
	GatewayName   = "Gateway"
	BroadcastName = "*"
)

// Type tags the kind of an envelope. The set is closed; unknown tags are rejected
// at decode time.
type Type string

const (
	TypeTell     Type = "tell"
	TypeEmote    Type = "emote"
	TypeEmoteTo  Type = "emoteto"
	TypeChannel  Type = "channel"
	TypeWho      Type = "who"
	TypeFinger   Type = "finger"
	TypeLocate   Type = "locate"
	TypePresence Type = "presence"
	TypeAuth     Type = "auth"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeError    Type = "error"
	TypeMudlist  Type = "mudlist"
	TypeChannels Type = "channels"
)

var knownTypes = map[Type]struct{}{
	TypeTell: {}, TypeEmote: {}, TypeEmoteTo: {}, TypeChannel: {},
	TypeWho: {}, TypeFinger: {}, TypeLocate: {}, TypePresence: {},
	TypeAuth: {}, TypePing: {}, TypePong: {}, TypeError: {},
	TypeMudlist: {}, TypeChannels: {},
}

// KnownType reports whether t is part of the closed type set.
func KnownType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Endpoint names one side of a routed message.
type Endpoint struct {
	Mud         string `json:"mud"`
	User        string `json:"user,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// Metadata carries delivery options. Priority affects only rate-limit accounting;
// TTL is enforced on receipt.
type Metadata struct {
	Priority int    `json:"priority"`
	TTL      int    `json:"ttl"`
	Encoding string `json:"encoding"`
	Language string `json:"language"`
	Retry    bool   `json:"retry,omitempty"`
}

// DefaultMetadata returns the metadata the gateway stamps on synthesized frames.
func DefaultMetadata() Metadata {
	return Metadata{Priority: 5, TTL: 300, Encoding: "utf-8", Language: "en"}
}

// Envelope is the top-level JSON object sent on every frame.
type Envelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	From      Endpoint        `json:"from"`
	To        Endpoint        `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
	Signature string          `json:"signature,omitempty"`
}

// New builds an envelope with a fresh v4 ID, the current UTC timestamp, and
// default metadata. It returns an error only when the payload cannot be
// marshaled.
func New(t Type, from Endpoint, to Endpoint, payload any) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   ProtocolVersion,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		From:      from,
		To:        to,
		Payload:   b,
		Metadata:  DefaultMetadata(),
	}, nil
}

// NewError builds a gateway-originated error frame.
func NewError(to Endpoint, code Code, message string, details map[string]any) *Envelope {
	env, _ := New(TypeError, Endpoint{Mud: GatewayName}, to, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
	return env
}

// NewPong answers an application-layer ping, echoing the peer's timestamp.
func NewPong(to Endpoint, timestamp int64) *Envelope {
	env, _ := New(TypePong, Endpoint{Mud: GatewayName}, to, PingPayload{Timestamp: timestamp})
	return env
}

// Expired reports whether the envelope's TTL has elapsed at the given instant.
func (e *Envelope) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return true
	}
	return now.Sub(e.Timestamp) > time.Duration(e.Metadata.TTL)*time.Second
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
