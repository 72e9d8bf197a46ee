package wire

import (
	"errors"
	"regexp"
	"strings"
)

// MUD name shape: 3-32 characters from [A-Za-z0-9_-].
const (
	MinNameLength = 3
	MaxNameLength = 32
)

var (
	ErrNameEmpty    = errors.New("mud name is empty")
	ErrNameTooShort = errors.New("mud name must be at least 3 characters")
	ErrNameTooLong  = errors.New("mud name must be at most 32 characters")
	ErrNameSpace    = errors.New("mud name must not contain spaces")
	ErrNameInvalid  = errors.New("mud name may only contain letters, digits, underscore, and dash")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks a MUD name against the protocol shape. The returned error
// names the first violation so auth failures can explain themselves.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if strings.ContainsAny(name, " \t") {
		return ErrNameSpace
	}
	if !namePattern.MatchString(name) {
		return ErrNameInvalid
	}
	if len(name) < MinNameLength {
		return ErrNameTooShort
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)
var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SuggestName derives a valid name from an invalid one for use in error
// responses. The gateway never silently rewrites an authenticating name.
func SuggestName(name string) string {
	s := whitespaceRun.ReplaceAllString(strings.TrimSpace(name), "-")
	s = invalidNameChars.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if len(s) > MaxNameLength {
		s = s[:MaxNameLength]
		s = strings.TrimRight(s, "-")
	}
	if len(s) < MinNameLength {
		s = s + strings.Repeat("x", MinNameLength-len(s))
	}
	return s
}

var nonPrintable = regexp.MustCompile(`[^\x20-\x7E\n\t]`)

// SanitizeText strips non-printable characters and clamps gateway-synthesized
// text to the protocol maximum.
func SanitizeText(s string) string {
	s = nonPrintable.ReplaceAllString(s, "")
	if len(s) > MaxTextLength {
		s = s[:MaxTextLength]
	}
	return strings.TrimSpace(s)
}
