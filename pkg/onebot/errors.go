package onebot

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransport means neither an HTTP endpoint nor an open socket is
	// available for issuing actions.
	ErrNoTransport = errors.New("no transport available")

	// ErrSocketClosed means the socket transport went away while a call
	// was outstanding or being issued.
	ErrSocketClosed = errors.New("socket closed")

	// ErrActionTimeout means a socket-transported action received no
	// response within its window. Distinct from ActionError so callers
	// can tell "endpoint unreachable" from "endpoint said no".
	ErrActionTimeout = errors.New("action timed out")
)

// ActionError is a protocol-level failure: the endpoint answered, but
// with a non-ok status and nonzero return code.
type ActionError struct {
	Action  string
	RetCode int64
	Message string
	Wording string
}

func (e *ActionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Wording
	}
	if msg == "" {
		return fmt.Sprintf("action %s failed with retcode %d", e.Action, e.RetCode)
	}
	return fmt.Sprintf("action %s failed with retcode %d: %s", e.Action, e.RetCode, msg)
}
