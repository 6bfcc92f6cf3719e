package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// MaxUsernameLen is the maximum accepted length in Unicode codepoints.
const MaxUsernameLen = 32

// UsernameErrorKind tags why NewUsername rejected a candidate.
type UsernameErrorKind int

const (
	UsernameEmpty UsernameErrorKind = iota
	UsernameTooLong
	UsernameInvalidChars
)

// UsernameError is returned by NewUsername.
type UsernameError struct {
	Kind   UsernameErrorKind
	Reason string
}

func (e *UsernameError) Error() string { return e.Reason }

// foldCaser performs full Unicode case folding (e.g. German "ß" -> "ss"),
// which strings.ToLower does not: the registry's collision semantics depend
// on this.
var foldCaser = cases.Fold()

// Username is an immutable, validated value: the original trimmed text plus
// its case-folded normalized key.
type Username struct {
	original   string
	normalized string
}

// NormalizedKey is the case-folded form used as the registry's map key.
type NormalizedKey string

// NewUsername trims candidate and validates it: non-empty, at most
// MaxUsernameLen codepoints, every codepoint alphanumeric (Unicode sense) or
// '_'.
func NewUsername(candidate string) (Username, error) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return Username{}, &UsernameError{Kind: UsernameEmpty, Reason: "username must not be empty"}
	}

	count := 0
	for _, r := range trimmed {
		count++
		if count > MaxUsernameLen {
			return Username{}, &UsernameError{
				Kind:   UsernameTooLong,
				Reason: fmt.Sprintf("username exceeds %d characters", MaxUsernameLen),
			}
		}
		if !isValidUsernameRune(r) {
			return Username{}, &UsernameError{
				Kind:   UsernameInvalidChars,
				Reason: fmt.Sprintf("username contains invalid character %q", r),
			}
		}
	}

	return Username{original: trimmed, normalized: normalize(trimmed)}, nil
}

func isValidUsernameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// normalize case-folds s. Pure-ASCII input takes a fast path via
// strings.ToLower, which is byte-for-byte identical to the general Unicode
// fold for ASCII codepoints.
func normalize(s string) string {
	if isASCII(s) {
		return strings.ToLower(s)
	}
	return foldCaser.String(s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// String returns the original (non-normalized) text.
func (u Username) String() string { return u.original }

// Key returns the normalized registry key.
func (u Username) Key() NormalizedKey { return NormalizedKey(u.normalized) }

// Equal compares two usernames by normalized key.
func (u Username) Equal(other Username) bool { return u.normalized == other.normalized }

// IsZero reports whether u is the zero value (never produced by NewUsername).
func (u Username) IsZero() bool { return u.original == "" && u.normalized == "" }
