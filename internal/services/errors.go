package services

import "fmt"

// NotFoundError indicates the requested resource does not exist or has
// been soft-deleted.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// InvalidStateError indicates the instance is not in a status that allows
// the attempted transition. A concurrent transition losing the row lock
// race surfaces as this error too.
type InvalidStateError struct {
	Current string
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s an instance in status %s", e.Action, e.Current)
}

// AuthorizationError indicates the actor is not allowed to perform the
// operation on this instance.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return "not authorized"
	}
	return e.Reason
}

// ValidationError carries one or more field-level messages from form or
// definition validation.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "validation failed"
}

// TokenError covers every email-token failure. Unknown, used and expired
// tokens all produce the same message so a caller cannot tell which
// tokens exist.
type TokenError struct{}

func (e *TokenError) Error() string {
	return "invalid or expired token"
}

// ConflictError indicates a uniqueness clash, such as a duplicate
// workflow code or email.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
