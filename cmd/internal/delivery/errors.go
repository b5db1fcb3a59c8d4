package delivery

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to transport codes).
var (
	// ErrChatNotFound is returned for an unknown chat id. Fatal to the operation.
	ErrChatNotFound = errors.New("chat_not_found")

	// ErrNotAParticipant is returned when the sender/reader is not in the chat.
	ErrNotAParticipant = errors.New("not_a_participant")

	// ErrValidation is returned for malformed input (empty/oversized content, bad seq).
	// Validation always happens before the Sequencer is invoked.
	ErrValidation = errors.New("validation")

	// ErrConnectionLost marks a transient transport failure. It triggers registry cleanup
	// and is never surfaced to clients as an application error.
	ErrConnectionLost = errors.New("connection_lost")

	// ErrPersistence is returned when the durable store failed after bounded retries.
	// No seq is consumed when it is returned.
	ErrPersistence = errors.New("persistence")

	// ErrSeqConflict is returned by stores when the chat's last_seq moved underneath the
	// Sequencer (another node appended). The Sequencer reloads and retries.
	ErrSeqConflict = errors.New("seq_conflict")

	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("duplicate_connection")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds above; Msg is human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsChatNotFound reports whether err represents ErrChatNotFound.
func IsChatNotFound(err error) bool { return errors.Is(err, ErrChatNotFound) }

// IsNotAParticipant reports whether err represents ErrNotAParticipant.
func IsNotAParticipant(err error) bool { return errors.Is(err, ErrNotAParticipant) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// Code maps an error to a stable wire code used by HTTP and WebSocket transports.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChatNotFound):
		return "chat_not_found"
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "internal"
	}
}
