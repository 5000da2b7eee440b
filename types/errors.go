package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a missing scan, provider, resource or tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a unique-constraint race. Storage resolves it by
	// re-fetching; it never escapes a get-or-create.
	ErrConflict = errors.New("conflict")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConnectionError reports that a provider could not be reached at scan start.
type ConnectionError struct {
	ProviderID string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider %s connection failed: %v", e.ProviderID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TemplateError reports a compliance template lookup failure.
type TemplateError struct {
	ProviderType ProviderType
	Err          error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("compliance template for %s: %v", e.ProviderType, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}
