package fault

import (
	"errors"
	"fmt"
)

// Kind partitions engine errors the way the HTTP layer and the retry queue
// need to tell them apart:
//
//   - Validation: the caller's fault; surfaced as 400, never retried.
//   - NotFound:   unknown or not-owned resource; surfaced as 404, never
//     retried. Ownership failures use NotFound so existence never leaks.
//   - Processing: transient infrastructure failure; retried via the event
//     retry queue and never dedup-marked.
//
// Suppressions (duplicate, snoozed, muted, quiet hours, rate limited) are not
// errors at all: "decided not to notify" is a successful outcome carrying a
// reason string.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindProcessing
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Processing(msg string, err error) error {
	return &Error{Kind: KindProcessing, Msg: msg, Err: err}
}

func IsValidation(err error) bool { return is(err, KindValidation) }
func IsNotFound(err error) bool   { return is(err, KindNotFound) }
func IsProcessing(err error) bool { return is(err, KindProcessing) }

func is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
