package dispatch

import "fmt"

// Code is a standardized JSON-RPC error code returned to callers, the same
// shape as the SecureError/ErrorCode pairing used for client-facing errors
// elsewhere in this stack, specialized to the RPC codes the dispatcher
// needs.
type Code string

const (
	CodeParseError      Code = "PARSE_ERROR"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeMethodNotFound  Code = "METHOD_NOT_FOUND"
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeInternalError   Code = "INTERNAL_ERROR"
	CodeNotAuthorized   Code = "NOT_AUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTimeout         Code = "TIMEOUT"
	CodeRateLimit       Code = "RATE_LIMIT"
)

// Error is a sanitized, client-safe dispatch failure: enough to tell the
// caller what went wrong without leaking internal detail, mirroring how
// SecureError keeps a coarse Code+Message for the wire and the underlying
// error only in server-side logs.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
