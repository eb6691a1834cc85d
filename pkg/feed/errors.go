package feed

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized: not a member of scope")
	ErrInvalidScope    = errors.New("invalid scope")
	ErrTimeout         = errors.New("timeout")
	ErrTransport       = errors.New("transport")
	ErrInternal        = errors.New("internal error")

	ErrUnknownKind   = errors.New("unknown event kind")
	ErrUnknownKey    = errors.New("unknown temporary key")
	ErrInvalidStatus = errors.New("pending message not in expected status")
	ErrScopeMismatch = errors.New("scope mismatch")
	ErrEmptyContent  = errors.New("message content is empty")
)

// Retryable reports whether err is transient and may be retried automatically.
// Auth and scope errors are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Wire codes for errors carried in JSON bodies and websocket control frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeUnauthorized    = "unauthorized"
	CodeInvalidScope    = "invalid_scope"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal"
	CodeEmptyContent    = "empty_content"
)

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidScope):
		return CodeInvalidScope
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrEmptyContent):
		return CodeEmptyContent
	}
	return CodeInternal
}

// FromCode is the inverse of Code.
func FromCode(code string) error {
	switch code {
	case CodeUnauthenticated:
		return ErrUnauthenticated
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeInvalidScope:
		return ErrInvalidScope
	case CodeTimeout:
		return ErrTimeout
	case CodeEmptyContent:
		return ErrEmptyContent
	}
	return ErrInternal
}
