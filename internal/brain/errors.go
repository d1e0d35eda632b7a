package brain

import "fmt"

// Error is a typed provider failure. Type is one of the Err* codes; Hint
// carries a machine-readable refinement (e.g. model_not_found on an HTTP
// error), Status is the HTTP status when one was received, and ArtifactPath
// points at a persisted failure artifact when the local provider wrote one.
type Error struct {
	Type         string
	Hint         string
	Status       int
	ArtifactPath string
	Err          error
}

func (e *Error) Error() string {
	msg := "brain: " + e.Type
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(typ string, err error) *Error {
	return &Error{Type: typ, Err: err}
}

func wrapf(typ, format string, args ...any) *Error {
	return &Error{Type: typ, Err: fmt.Errorf(format, args...)}
}

// ErrorType extracts the typed code from err, or "error" for plain errors.
func ErrorType(err error) string {
	if be, ok := err.(*Error); ok {
		return be.Type
	}
	return "error"
}
