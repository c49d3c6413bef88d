package chat

import "fmt"

// ErrorKind classifies user-visible failures. The kind decides how far an
// error propagates: all of them stay local to one connection, but auth errors
// keep the pending socket open for a retry while protocol errors may not.
type ErrorKind int

const (
	// KindProtocol is a malformed frame or envelope.
	KindProtocol ErrorKind = iota
	// KindAuth is a failed or rate-limited authentication attempt.
	KindAuth
	// KindCommand is a rejected command: unknown alias, missing rights,
	// bad parameters, active cooldown.
	KindCommand
	// KindHookVeto is a plugin hook blocking an action (join ban,
	// message veto, registration lockdown).
	KindHookVeto
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindCommand:
		return "command"
	case KindHookVeto:
		return "veto"
	default:
		return "unknown"
	}
}

// Error is a user-visible error. Its message is sent verbatim to the client
// as an "error" event.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a user-visible error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func protocolError(message string) *Error {
	return &Error{Kind: KindProtocol, Message: message}
}

func authError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func commandError(message string) *Error {
	return &Error{Kind: KindCommand, Message: message}
}

func commandErrorf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCommand, Message: fmt.Sprintf(format, args...)}
}

func vetoError(message string) *Error {
	return &Error{Kind: KindHookVeto, Message: message}
}
