package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the machine-readable identifier returned with every rejected operation.
type Code string

const (
	CodeInvalidInput             Code = "INVALID_INPUT"
	CodeTaskNotFound             Code = "TASK_NOT_FOUND"
	CodeProjectNotFound          Code = "PROJECT_NOT_FOUND"
	CodeWorkspaceNotFound        Code = "WORKSPACE_NOT_FOUND"
	CodeUnauthenticated          Code = "UNAUTHENTICATED"
	CodeForbidden                Code = "FORBIDDEN"
	CodeConflict                 Code = "CONFLICT"
	CodeTaskBlocked              Code = "TASK_BLOCKED"
	CodeCycleDetected            Code = "CYCLE_DETECTED"
	CodeInvalidDependency        Code = "INVALID_DEPENDENCY"
	CodeCrossWorkspaceDependency Code = "CROSS_WORKSPACE_DEPENDENCY"
	CodeInvalidAssignee          Code = "INVALID_ASSIGNEE"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// Kind groups codes into the error taxonomy callers map to transport statuses.
type Kind string

const (
	ValidationKind     Kind = "validation"
	NotFoundKind       Kind = "not_found"
	AuthenticationKind Kind = "authentication"
	AuthorizationKind  Kind = "authorization"
	ConflictKind       Kind = "conflict"
	InvariantKind      Kind = "invariant"
	InternalKind       Kind = "internal"
)

func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidInput, CodeInvalidAssignee:
		return ValidationKind
	case CodeTaskNotFound, CodeProjectNotFound, CodeWorkspaceNotFound:
		return NotFoundKind
	case CodeUnauthenticated:
		return AuthenticationKind
	case CodeForbidden:
		return AuthorizationKind
	case CodeConflict:
		return ConflictKind
	case CodeTaskBlocked, CodeCycleDetected, CodeInvalidDependency, CodeCrossWorkspaceDependency:
		return InvariantKind
	}
	return InternalKind
}

// Error is the error type returned by every service operation.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.Code.Kind() }

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func internalError(err error, op string) *Error {
	return newError(CodeInternal, "%s failed", op).withCause(err)
}

// AsError extracts the service error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// ErrorCode returns the code carried by err, or CodeInternal for foreign errors.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}
	if svcErr, ok := AsError(err); ok {
		return svcErr.Code
	}
	return CodeInternal
}
