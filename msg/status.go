package msg

import (
	"errors"
	"fmt"
)

// Status value, including success
type Status int

const (
	// Successful status
	SUCCESS Status = iota
	// ID Not valid
	INVALID_ID
	// No buffer space remaining
	NO_BUFFER
	// Module, type or spawn rule not found
	NOT_FOUND
	// Hostname malformed or unresolvable, or no file daemon on it
	HOST_UNKNOWN
	// Operation invalid because the target is the local host
	LOCAL_HOST
	// Broker or direct channel transport failure
	CONNECT_FAILED
	// Local or remote file or directory could not be opened
	OPEN_FAILED
	// Malformed payload or unexpected message
	PROTOCOL_ERROR
	// Deadline elapsed
	TIMEOUT
	// Peer has no handler for a direct channel type
	NO_HANDLER
)

var statusText = map[Status]string{
	SUCCESS:        "success",
	INVALID_ID:     "invalid id",
	NO_BUFFER:      "no buffer space",
	NOT_FOUND:      "not found",
	HOST_UNKNOWN:   "unknown host",
	LOCAL_HOST:     "target is the local host",
	CONNECT_FAILED: "connection failed",
	OPEN_FAILED:    "open failed",
	PROTOCOL_ERROR: "protocol error",
	TIMEOUT:        "timed out",
	NO_HANDLER:     "no handler",
}

func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error is a bus error: a short human readable text plus a small integer code.
// errors.Is matches two Errors by Status alone, so wrapped sentinels compare
// equal to the package level values below.
type Error struct {
	Status Status
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Detail
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Status == e.Status
}

// NewError builds an Error carrying a detail message
func NewError(s Status, format string, args ...interface{}) *Error {
	return &Error{Status: s, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrNotFound       = &Error{Status: NOT_FOUND}
	ErrHostUnknown    = &Error{Status: HOST_UNKNOWN}
	ErrLocalHost      = &Error{Status: LOCAL_HOST}
	ErrConnect        = &Error{Status: CONNECT_FAILED}
	ErrOpenFailed     = &Error{Status: OPEN_FAILED}
	ErrProtocol       = &Error{Status: PROTOCOL_ERROR}
	ErrTimeout        = &Error{Status: TIMEOUT}
	ErrNoHandler      = &Error{Status: NO_HANDLER}
	ErrNoBuffer       = &Error{Status: NO_BUFFER}
	ErrConnectionLost = &Error{Status: CONNECT_FAILED, Detail: "broker connection lost"}
	ErrNoSpawnRule    = &Error{Status: NOT_FOUND, Detail: "no spawn rule"}
)

// StatusOf extracts the status code carried by err.
// nil maps to SUCCESS and errors that are not bus errors map to CONNECT_FAILED.
func StatusOf(err error) Status {
	if err == nil {
		return SUCCESS
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return CONNECT_FAILED
}

// Err converts a status received on the wire back into an error
func (s Status) Err() error {
	if s == SUCCESS {
		return nil
	}
	return &Error{Status: s}
}
