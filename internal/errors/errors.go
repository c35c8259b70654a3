// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// NotFoundError is returned by repositories and services when a row does not
// exist or belongs to another organization.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Entity, e.ID)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

var (
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrAnchorMissing           = errors.New("trigger anchor date is not set on event")
	ErrUnknownTrigger          = errors.New("unknown trigger kind")
	ErrNoCampaignTemplate      = errors.New("event has no campaign template")
	ErrNotDispatchable         = errors.New("scheduled email is not dispatchable")
	ErrNotEditable             = errors.New("scheduled email is no longer editable")
	ErrSystemTemplateImmutable = errors.New("system templates cannot be modified or cloned")
	ErrInvalidPosition         = errors.New("position must be between 1 and 40")
	ErrTemplateFull            = errors.New("campaign template is full")
	ErrInvalidScope            = errors.New("unsubscribe scope must be event, organization or global")
	ErrInvalidToken            = errors.New("invalid or expired token")
	ErrMalformedTemplate       = errors.New("malformed template")
	ErrInvalidResponse         = errors.New("response status must be accepted or declined")
	ErrInvitationExpired       = errors.New("invitation has expired")
	ErrDispatchInProgress      = errors.New("dispatch already in progress")
	ErrAlreadyExists           = errors.New("record already exists")
	ErrNotManualList           = errors.New("only manual contact lists have stored members")
	ErrDeliveryPending         = errors.New("delivery has not been recorded as sent yet")
)

// RetryableError marks an error the task executor may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so IsRetryable reports true. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}
