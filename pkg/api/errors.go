package api

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindTransport covers connectivity failures, timeouts and non-2xx
	// status codes.
	KindTransport Kind = iota + 1
	// KindDecode is a success response whose body is not the expected
	// structure.
	KindDecode
	// KindInvalidCommand is a well-formed command the agent refuses, such
	// as start without a positive session id.
	KindInvalidCommand
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindInvalidCommand:
		return "invalid_command"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }
