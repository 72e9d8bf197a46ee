package wire

import "fmt"

// Code is a stable protocol error code. Clients branch on the code, not on prose.
type Code int

const (
	CodeInvalidMessage       Code = 1000
	CodeAuthenticationFailed Code = 1001
	CodeUnauthorized         Code = 1002
	CodeMudNotFound          Code = 1003
	CodeUserNotFound         Code = 1004
	CodeChannelNotFound      Code = 1005
	CodeRateLimited          Code = 1006
	CodeInternalError        Code = 1007
	CodeProtocolError        Code = 1008
	CodeUnsupportedVersion   Code = 1009
	CodeMessageTooLarge      Code = 1010
)

// DecodeKind classifies how an incoming frame failed to decode.
type DecodeKind string

const (
	DecodeNotJSON            DecodeKind = "not_json"
	DecodeSchemaViolation    DecodeKind = "schema_violation"
	DecodeUnknownType        DecodeKind = "unknown_type"
	DecodeTooLarge           DecodeKind = "too_large"
	DecodeUnsupportedVersion DecodeKind = "unsupported_version"
)

// DecodeError is the typed failure returned by Decode. Field and Reason are set
// for schema violations.
type DecodeError struct {
	Kind   DecodeKind
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field != "" {
		return fmt.Sprintf("decode %s: %s: %s", e.Kind, e.Field, e.Reason)
	}
	if e.Reason != "" {
		return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("decode %s", e.Kind)
}

// Code maps the decode failure onto the protocol error code sent back to the peer.
func (e *DecodeError) Code() Code {
	switch e.Kind {
	case DecodeTooLarge:
		return CodeMessageTooLarge
	case DecodeUnsupportedVersion:
		return CodeUnsupportedVersion
	default:
		return CodeInvalidMessage
	}
}

func schemaErr(field string, reason string) *DecodeError {
	return &DecodeError{Kind: DecodeSchemaViolation, Field: field, Reason: reason}
}
