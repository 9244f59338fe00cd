package shadow

import (
	"fmt"
)

// machine-readable error kinds carried on the wire
const (
	ErrorKindNotFound           = "not_found"
	ErrorKindValidation         = "validation"
	ErrorKindConnection         = "connection"
	ErrorKindMaxRetriesExceeded = "max_retries_exceeded"
	ErrorKindProtocol           = "protocol"
)

// a read or subscribe against a device that has never been created.
// recoverable by the caller. never retried automatically.
type NotFoundError struct {
	DeviceId string
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("no shadow document for device %s", self.DeviceId)
}

// a patch with an unsupported shape. the store is left unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (self *ValidationError) Error() string {
	if self.Field == "" {
		return fmt.Sprintf("invalid patch: %s", self.Reason)
	}
	return fmt.Sprintf("invalid patch field %s: %s", self.Field, self.Reason)
}

// a transport-level failure. drives the reconnect path and is never
// surfaced as a document-level error.
type ConnectionError struct {
	Op  string
	Err error
}

func (self *ConnectionError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("connection error: %s", self.Op)
	}
	return fmt.Sprintf("connection error: %s: %s", self.Op, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// terminal client-side condition after the reconnect budget is spent
type MaxRetriesExceededError struct {
	Attempts int
}

func (self *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max reconnection attempts reached (%d)", self.Attempts)
}

// a malformed or unexpected message on the wire
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

func errorKind(err error) string {
	switch err.(type) {
	case *NotFoundError:
		return ErrorKindNotFound
	case *ValidationError:
		return ErrorKindValidation
	case *ConnectionError:
		return ErrorKindConnection
	case *MaxRetriesExceededError:
		return ErrorKindMaxRetriesExceeded
	default:
		return ErrorKindProtocol
	}
}
