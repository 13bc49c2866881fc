package domain

import "fmt"

// Code classifies a governance failure. Codes are stable strings surfaced to
// callers and recorded in audit details.
type Code string

const (
	CodeNoRole                  Code = "NO_ROLE"
	CodePermissionDenied        Code = "PERMISSION_DENIED"
	CodeInsufficientAutonomy    Code = "INSUFFICIENT_AUTONOMY"
	CodeNotAuthorizedDepartment Code = "NOT_AUTHORIZED_DEPARTMENT"
	CodeConstraintViolation     Code = "CONSTRAINT_VIOLATION"
	CodeUnknownUnit             Code = "UNKNOWN_UNIT"
	CodeUnknownActor            Code = "UNKNOWN_ACTOR"

	CodeInvalidCategory  Code = "INVALID_CATEGORY"
	CodeInvalidDecision  Code = "INVALID_DECISION"
	CodeInvalidActorType Code = "INVALID_ACTOR_TYPE"
	CodeInvalidAction    Code = "INVALID_ACTION"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"

	CodeCannotMerge        Code = "CANNOT_MERGE"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeNoEscalationTarget Code = "NO_ESCALATION_TARGET"
	CodeOverrideDenied     Code = "OVERRIDE_DENIED"
)

// Error is a coded failure. errors.Is matches any *Error with the same code,
// so callers can test against the sentinels below.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidCategory    = &Error{Code: CodeInvalidCategory}
	ErrInvalidDecision    = &Error{Code: CodeInvalidDecision}
	ErrInvalidActorType   = &Error{Code: CodeInvalidActorType}
	ErrInvalidAction      = &Error{Code: CodeInvalidAction}
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest}
	ErrCannotMerge        = &Error{Code: CodeCannotMerge}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
	ErrNoEscalationTarget = &Error{Code: CodeNoEscalationTarget}
	ErrOverrideDenied     = &Error{Code: CodeOverrideDenied}
	ErrUnknownActor       = &Error{Code: CodeUnknownActor}
	ErrUnknownUnit        = &Error{Code: CodeUnknownUnit}
)
