package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed call to the remote service. Terminal errors will fail
// the same way on every retry.
type Error struct {
	Op         string
	StatusCode int
	Terminal   bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err was classified as not worth retrying.
func IsTerminal(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Terminal
}

// TerminalStatus reports whether an HTTP status means the request itself was rejected.
func TerminalStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

func statusError(op string, code int, body string) *Error {
	msg := http.StatusText(code)
	if body != "" {
		msg = body
	}
	return &Error{
		Op:         op,
		StatusCode: code,
		Terminal:   TerminalStatus(code),
		Err:        errors.New(msg),
	}
}

func transientError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func terminalError(op string, err error) *Error {
	return &Error{Op: op, Terminal: true, Err: err}
}
