package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by services and the HTTP layer.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrTransient    = errors.New("temporarily unavailable")
)

// Validationf returns an ErrValidation with a caller-facing message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidStatef returns an ErrInvalidState with a caller-facing message.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Transient marks a storage failure as safe to retry.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// DuplicateSiteError reports a site ID collision found by the
// authoritative uniqueness check.
type DuplicateSiteError struct {
	SiteID     string
	Suggestion string
	Sources    []string
}

func (e *DuplicateSiteError) Error() string {
	return fmt.Sprintf("site id %q is already taken, try %q", e.SiteID, e.Suggestion)
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *DuplicateSiteError) Unwrap() error {
	return ErrConflict
}
