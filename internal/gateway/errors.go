package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a failed gateway call.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindServer
	KindTransport
	KindDecode
)

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid request")
	ErrServer    = errors.New("server error")
	ErrTransport = errors.New("transport failure")
	ErrDecode    = errors.New("malformed response")
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindServer:
		return "server_error"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalid:
		return ErrInvalid
	case KindServer:
		return ErrServer
	case KindTransport:
		return ErrTransport
	case KindDecode:
		return ErrDecode
	}
	return nil
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind    Kind
	Op      string
	Status  int // HTTP status, 0 when no response was received
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Op, e.Kind.sentinel(), e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind.sentinel(), msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

func classify(status int) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindInvalid
	case status >= 500:
		return KindServer
	default:
		// An unfollowed redirect or informational status is not a usable
		// response.
		return KindDecode
	}
}

func invalidArg(op, name string) *Error {
	return &Error{Kind: KindInvalid, Op: op, Message: name + " is required"}
}
