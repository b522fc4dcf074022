package dispatcher

import (
	"fmt"

	"github.com/oriys/quasar/internal/protocol"
)

// ProtocolError is a malformed or out-of-sequence message. It ends the
// session.
type ProtocolError struct {
	Kind   protocol.Kind
	State  State
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Kind != "" {
		msg += fmt.Sprintf(" on %s", e.Kind)
	}
	msg += fmt.Sprintf(" in state %s: %s", e.State, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
