// Package apperr defines user-visible errors carrying a stable numeric code.
package apperr

import "fmt"

// Error codes. Values are stable; messages may change.
const (
	CodeCallerPermission = 1
	CodeUnknownEntry     = 2
	CodeBotPermission    = 3
	CodeSourceNotFound   = 4
	CodeInvalidConfig    = 7
)

var messages = map[int]string{
	CodeCallerPermission: "you do not have permission to do that",
	CodeUnknownEntry:     "no tracked entry with that ID exists",
	CodeBotPermission:    "the bot is missing a required permission",
	CodeSourceNotFound:   "no matching resource found at the source",
	CodeInvalidConfig:    "the provided configuration is invalid",
}

// Error is a user-visible error with a stable code and optional context.
type Error struct {
	Code  int
	Extra string
}

// New creates an Error with the given code.
func New(code int) *Error {
	return &Error{Code: code}
}

// Newf creates an Error with the given code and extra context.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Extra: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg, ok := messages[e.Code]
	if !ok {
		msg = "unknown error"
	}
	if e.Extra != "" {
		return fmt.Sprintf("[errno %d] %s (%s)", e.Code, msg, e.Extra)
	}
	return fmt.Sprintf("[errno %d] %s", e.Code, msg)
}
