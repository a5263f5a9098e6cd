// Package rerr implements relayd's error taxonomy: fatal, session-local,
// and config-local errors are distinct types so a caller can decide the right
// recovery with errors.As instead of string-matching or ad-hoc booleans.
package rerr

import "fmt"

// Fatal wraps an error that must terminate the owning process: an IPC
// protocol violation, loss of a critical child, failure to drop privileges,
// or a structural allocation failure.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// NewFatal wraps err as a Fatal error tagged with the failing operation.
func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Op: op, Err: err}
}

// Session wraps an error local to one relay session: TLS handshake failure,
// HTTP parse error, backend connect failure, timeout, or a rule BLOCK.
// Session errors close exactly one session and never propagate further.
type Session struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *Session) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Reason)
}

func (e *Session) Unwrap() error { return e.Err }

// NewSession builds a Session error for sessionID, closing over reason and
// the underlying cause (which may be nil, e.g. for a rule BLOCK).
func NewSession(sessionID, reason string, err error) error {
	return &Session{SessionID: sessionID, Reason: reason, Err: err}
}

// Config wraps a parse or semantic error encountered while applying a
// reload. The previous configuration stays live; the caller logs this and
// replies CTL_FAIL on the control socket.
type Config struct {
	Stage string
	Err   error
}

func (e *Config) Error() string { return fmt.Sprintf("config %s: %v", e.Stage, e.Err) }
func (e *Config) Unwrap() error { return e.Err }

// NewConfig builds a Config error for the named reload stage.
func NewConfig(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Config{Stage: stage, Err: err}
}
