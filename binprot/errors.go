package binprot

import (
	"errors"
	"fmt"
)

// ErrIncompleteMessage is returned by Decode and ParseHeader when the buffer
// does not yet hold a whole message. It is not a failure: more bytes are needed.
var ErrIncompleteMessage = errors.New("binprot: incomplete message")

// Sentinel errors for non-zero response statuses. StatusError wraps one of
// these so callers can use errors.Is.
var (
	ErrKeyNotFound           = errors.New("binprot: key not found")
	ErrKeyExists             = errors.New("binprot: key exists")
	ErrValueTooLarge         = errors.New("binprot: value too large")
	ErrInvalidArguments      = errors.New("binprot: invalid arguments")
	ErrNotStored             = errors.New("binprot: item not stored")
	ErrNonNumericValue       = errors.New("binprot: incr/decr on non-numeric value")
	ErrWrongServerForVBucket = errors.New("binprot: vbucket belongs to another server")
	ErrAuth                  = errors.New("binprot: authentication error")
	ErrUnknownCommand        = errors.New("binprot: unknown command")
	ErrOutOfMemory           = errors.New("binprot: out of memory")
	ErrNotSupported          = errors.New("binprot: not supported")
	ErrInternal              = errors.New("binprot: internal error")
	ErrBusy                  = errors.New("binprot: busy")
	ErrTemporaryFailure      = errors.New("binprot: temporary failure")
	ErrUnknownStatus         = errors.New("binprot: unknown status")
)

var statusErrors = map[Status]error{
	StatusKeyNotFound:               ErrKeyNotFound,
	StatusKeyExists:                 ErrKeyExists,
	StatusValueTooLarge:             ErrValueTooLarge,
	StatusInvalidArguments:          ErrInvalidArguments,
	StatusItemNotStored:             ErrNotStored,
	StatusIncrDecrOnNonNumericValue: ErrNonNumericValue,
	StatusWrongServerForVBucket:     ErrWrongServerForVBucket,
	StatusAuthError:                 ErrAuth,
	StatusAuthContinue:              ErrAuth,
	StatusUnknownCommand:            ErrUnknownCommand,
	StatusOutOfMemory:               ErrOutOfMemory,
	StatusNotSupported:              ErrNotSupported,
	StatusInternalError:             ErrInternal,
	StatusBusy:                      ErrBusy,
	StatusTemporaryFailure:          ErrTemporaryFailure,
}

// Err returns nil for StatusNoError and a *StatusError otherwise.
func (s Status) Err() error {
	if s == StatusNoError {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusFromError is the inverse of Status.Err, used by the responder side
// to put a handler error on the wire. Unrecognized errors map to
// StatusTemporaryFailure.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusNoError
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}

	for status, sentinel := range statusErrors {
		if status != StatusAuthContinue && errors.Is(err, sentinel) {
			return status
		}
	}
	return StatusTemporaryFailure
}

// StatusError is a non-zero result code returned by the peer.
// The connection remains usable.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "binprot: response status " + e.Status.String()
}

// Unwrap returns the sentinel error matching the status.
func (e *StatusError) Unwrap() error {
	if err, ok := statusErrors[e.Status]; ok {
		return err
	}
	return ErrUnknownStatus
}

// ShouldCloseConnection returns false - a result code does not corrupt the stream.
func (e *StatusError) ShouldCloseConnection() bool {
	return false
}

// UnsupportedOperationError is returned by Decode when the (opcode, direction)
// pair has no entry in the message catalog.
//
// The message bytes were well framed, so the stream itself is still in sync,
// but the peer is speaking something this side does not understand.
//
// Connection handling: CLOSE connection
type UnsupportedOperationError struct {
	Opcode   Opcode
	Response bool
}

func (e *UnsupportedOperationError) Error() string {
	direction := "request"
	if e.Response {
		direction = "response"
	}
	return fmt.Sprintf("binprot: unsupported operation %s (%s)", e.Opcode, direction)
}

// ShouldCloseConnection returns true - the peer is out of protocol.
func (e *UnsupportedOperationError) ShouldCloseConnection() bool {
	return true
}

// MalformedMessageError is returned when a header declares lengths that do not
// match the layout expected for its opcode, e.g. a SET request whose extra is
// shorter than flags + expiry.
//
// Connection handling: CLOSE connection
type MalformedMessageError struct {
	Opcode Opcode
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("binprot: malformed %s message: %s", e.Opcode, e.Reason)
}

// ShouldCloseConnection returns true - lengths can no longer be trusted.
func (e *MalformedMessageError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps an I/O error from the underlying socket.
//
// Connection handling: connection is already broken, CLOSE it
type ConnectionError struct {
	Op  string // read or write
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("binprot: connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is implemented by all error types of this package.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
//
// Returns false for nil and *StatusError, true for every other error
// including unknown ones.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}

// IsProtocolError reports whether err came from decoding rather than from
// the transport.
func IsProtocolError(err error) bool {
	var unsupported *UnsupportedOperationError
	var malformed *MalformedMessageError
	return errors.As(err, &unsupported) || errors.As(err, &malformed)
}
