package classifier

import "errors"

// Kind classifies a pipeline failure. Handlers map it to an HTTP status.
type Kind int

const (
	// Internal covers anything unexpected; the message carries the cause.
	Internal Kind = iota
	NoInput
	InvalidFormat
	InvalidImage
	ModelUnavailable
)

func (k Kind) String() string {
	switch k {
	case NoInput:
		return "no_input"
	case InvalidFormat:
		return "invalid_format"
	case InvalidImage:
		return "invalid_image"
	case ModelUnavailable:
		return "model_unavailable"
	default:
		return "internal_error"
	}
}

// Error is the only error type Classify returns.
type Error struct {
	Kind Kind
	// Message is safe to show to the caller.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func internalError(err error) *Error {
	return &Error{Kind: Internal, Message: err.Error(), Err: err}
}

// KindOf reports the Kind of err, or Internal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
