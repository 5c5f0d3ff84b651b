package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	// CodeInternalError is used for any failure that was not raised as a
	// typed *Error by route code.
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	// CodePermissionDenied means the caller may not access the resource.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// CodeInvalidRoute means no route is registered for the name and verb.
	CodeInvalidRoute ErrorCode = "INVALID_ROUTE"
	// CodeInvalidCredential means the credential was rejected. Raising it
	// from route code closes the client's transport.
	CodeInvalidCredential ErrorCode = "INVALID_CREDENTIAL"
	// CodePendingAuthentication means the route requires an authenticated
	// session and the session is not.
	CodePendingAuthentication ErrorCode = "PENDING_AUTHENTICATION"
	// CodeAuthorizeTimeout means the authenticate callback did not decide in
	// time.
	CodeAuthorizeTimeout ErrorCode = "AUTHORIZE_TIMEOUT"
	// CodeBadRequest means the request was well-formed on the wire but not
	// acceptable (unknown verb, missing listenId, ...).
	CodeBadRequest ErrorCode = "BAD_REQUEST"
)

// Error is a typed rejection carrying a stable code. Route handlers return it
// (possibly wrapped) to produce an ordinary error response.
type Error struct {
	Code        ErrorCode `json:"code"`
	Description string    `json:"description,omitempty"`
	Data        any       `json:"data,omitempty"`
}

// NewError builds an *Error with a formatted description.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// AsError extracts a typed *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe, true
	}
	return nil, false
}

// HasCode reports whether err carries a typed *Error with one of codes.
func HasCode(err error, codes ...ErrorCode) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if pe.Code == c {
			return true
		}
	}
	return false
}
