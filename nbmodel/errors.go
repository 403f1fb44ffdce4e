package nbmodel

import (
	"fmt"
)

// ConnectionError covers handshake timeouts and transport i/o failures.
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

// ProtocolError is a malformed or unrecognized wire message. The frame
// carrying it is dropped; the session continues.
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

// NotFoundError is a write addressed to a cell id the document does not
// contain.
type NotFoundError struct {
	CellID string
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("cell [%s] not found", self.CellID)
}

// CallbackError wraps a failure raised by an extension-provided
// callback.
type CallbackError struct {
	Err error
}

func (self *CallbackError) Error() string {
	return fmt.Sprintf("callback error: %s", self.Err)
}

func (self *CallbackError) Unwrap() error {
	return self.Err
}
