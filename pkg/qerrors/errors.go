// Package qerrors defines the error taxonomy shared across the engine.
//
// Every subsystem wraps its failures in an Error carrying a Category, so
// callers can decide between retry, warning-level degradation, and mission
// failure without string matching.
package qerrors

import (
	"errors"
	"fmt"
)

// Category classifies an error for propagation policy decisions.
type Category string

const (
	// CategoryConfiguration covers missing API keys, bad base URLs and
	// similar operator mistakes. Missions depending on the component
	// cannot start.
	CategoryConfiguration Category = "configuration"

	// CategoryProviderAuth is an authentication/authorization failure
	// from an external provider (401/403).
	CategoryProviderAuth Category = "provider_auth"

	// CategoryProviderQuota is a quota or rate-limit failure (429).
	CategoryProviderQuota Category = "provider_quota"

	// CategoryProviderNetwork is a transport or 5xx failure; transient.
	CategoryProviderNetwork Category = "provider_network"

	// CategoryNotFound is a missing mission, chunk or file.
	CategoryNotFound Category = "not_found"

	// CategoryValidation is bad caller input.
	CategoryValidation Category = "validation"

	// CategoryCancelled is a cooperative abort.
	CategoryCancelled Category = "cancelled"

	// CategoryFatal covers programmer errors and violated invariants.
	CategoryFatal Category = "fatal"
)

// Error is a categorized, component-scoped error.
type Error struct {
	Category  Category
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a categorized error.
func New(category Category, component, operation, message string, err error) *Error {
	return &Error{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// CategoryOf extracts the category from an error chain.
// Unclassified errors map to CategoryFatal.
func CategoryOf(err error) Category {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Category
	}
	return CategoryFatal
}

// IsRetryable reports whether the error is transient and worth retrying.
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryProviderQuota, CategoryProviderNetwork:
		return true
	}
	return false
}

// IsWarning reports whether the error should degrade to a warning log
// instead of failing the mission.
func IsWarning(err error) bool {
	switch CategoryOf(err) {
	case CategoryProviderAuth, CategoryProviderQuota, CategoryProviderNetwork, CategoryNotFound:
		return true
	}
	return false
}
