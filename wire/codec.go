package wire

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxFrameBytes is the hard cap on a serialized envelope.
const DefaultMaxFrameBytes = 64 * 1024

// Constraints bounds what Decode will accept from untrusted peers.
type Constraints struct {
	MaxFrameBytes int // Max bytes for a single serialized envelope.
}

// DefaultConstraints returns the limits used when none are supplied.
func DefaultConstraints() Constraints {
	return Constraints{MaxFrameBytes: DefaultMaxFrameBytes}
}

// rawEnvelope defers timestamp and payload handling so a single bad field maps
// to a schema violation rather than a blanket JSON error.
type rawEnvelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	From      Endpoint        `json:"from"`
	To        Endpoint        `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  *Metadata       `json:"metadata"`
	Signature string          `json:"signature"`
}

// Decode parses and validates a frame. The returned error, when non-nil, is
// always a *DecodeError; no other failure escapes.
func Decode(b []byte, c Constraints) (*Envelope, *DecodeError) {
	if c.MaxFrameBytes > 0 && len(b) > c.MaxFrameBytes {
		return nil, &DecodeError{Kind: DecodeTooLarge, Reason: "frame exceeds limit"}
	}
	var raw rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		return nil, &DecodeError{Kind: DecodeNotJSON, Reason: err.Error()}
	}
	if raw.Version != ProtocolVersion {
		return nil, &DecodeError{Kind: DecodeUnsupportedVersion, Field: "version", Reason: "unsupported protocol version"}
	}
	if raw.ID == "" {
		return nil, schemaErr("id", "required")
	}
	id, err := uuid.Parse(raw.ID)
	if err != nil || id.Version() != 4 {
		return nil, schemaErr("id", "must be a version-4 UUID")
	}
	if raw.Timestamp == "" {
		return nil, schemaErr("timestamp", "required")
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, schemaErr("timestamp", "must be an ISO-8601 instant")
	}
	if raw.Type == "" {
		return nil, schemaErr("type", "required")
	}
	t := Type(raw.Type)
	if !KnownType(t) {
		return nil, &DecodeError{Kind: DecodeUnknownType, Field: "type", Reason: "unknown message type"}
	}
	if raw.From.Mud == "" {
		return nil, schemaErr("from.mud", "required")
	}
	if raw.To.Mud == "" {
		return nil, schemaErr("to.mud", "required")
	}
	if len(raw.Payload) == 0 || bytes.Equal(raw.Payload, []byte("null")) {
		return nil, schemaErr("payload", "required")
	}
	if raw.Metadata == nil {
		return nil, schemaErr("metadata", "required")
	}
	if raw.Metadata.Priority < 1 || raw.Metadata.Priority > 10 {
		return nil, schemaErr("metadata.priority", "must be 1..10")
	}
	if raw.Metadata.TTL < 1 || raw.Metadata.TTL > 3600 {
		return nil, schemaErr("metadata.ttl", "must be 1..3600 seconds")
	}
	if derr := validatePayload(t, raw.Payload); derr != nil {
		return nil, derr
	}
	return &Envelope{
		Version:   raw.Version,
		ID:        raw.ID,
		Timestamp: ts,
		Type:      t,
		From:      raw.From,
		To:        raw.To,
		Payload:   raw.Payload,
		Metadata:  *raw.Metadata,
		Signature: raw.Signature,
	}, nil
}

// Encode serializes an envelope. It always succeeds for envelopes this gateway
// itself produces.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	// Python's isoformat omits the trailing Z in favor of +00:00 and may drop
	// fractional seconds entirely.
	return time.Parse("2006-01-02T15:04:05Z07:00", s)
}
