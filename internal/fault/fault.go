// Package fault defines the typed errors engines return and the stable codes
// that cross the HTTP and realtime boundaries.
package fault

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy. Classes are stable; transports map them to
// status codes.
type Class string

const (
	Validation     Class = "VALIDATION"
	Authentication Class = "AUTHENTICATION"
	Authorization  Class = "AUTHORIZATION"
	NotFound       Class = "NOT_FOUND"
	Conflict       Class = "CONFLICT"
	License        Class = "LICENSE"
	RateLimit      Class = "RATE_LIMIT"
	Dependency     Class = "DEPENDENCY"
	Internal       Class = "INTERNAL"
)

// Reason codes. These are the machine-readable codes returned in error
// bodies; messages may change, reasons may not.
const (
	ReasonDuplicateEmail       = "DuplicateEmail"
	ReasonDuplicatePhone       = "DuplicatePhone"
	ReasonWeakPassword         = "WeakPassword"
	ReasonInvalidRole          = "InvalidRole"
	ReasonLicenseExhausted     = "BuildingLicenseExhausted"
	ReasonAccountLocked        = "AccountLocked"
	ReasonInvalidCredentials   = "InvalidCredentials"
	ReasonInvalidToken         = "InvalidToken"
	ReasonTokenExpired         = "TokenExpired"
	ReasonSessionRevoked       = "SessionRevoked"
	ReasonAuthorizationDenied  = "AuthorizationDenied"
	ReasonNotFound             = "NotFound"
	ReasonVisitorBanned        = "VisitorBanned"
	ReasonBanAlreadyExists     = "BanAlreadyExists"
	ReasonScanTargetUnknown    = "ScanTargetUnknown"
	ReasonInvalidTransition    = "InvalidTransition"
	ReasonAllVisitorsProcessed = "AllVisitorsProcessed"
	ReasonInvalidInput         = "InvalidInput"
	ReasonStorageUnavailable   = "StorageUnavailable"
)

// Error is a typed engine error. Only Class, Reason, Message and Details may
// cross a transport boundary; the wrapped cause never does.
type Error struct {
	Class   Class
	Reason  string
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error.
func New(class Class, reason, message string) *Error {
	return &Error{Class: class, Reason: reason, Message: message}
}

// Wrap attaches a cause to a typed error.
func Wrap(class Class, reason, message string, cause error) *Error {
	return &Error{Class: class, Reason: reason, Message: message, cause: cause}
}

// WithDetails returns a copy carrying field-level details.
func (e *Error) WithDetails(details map[string]string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// ClassOf extracts the class of err, defaulting to Internal for untyped
// errors.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return Internal
}

// Storage wraps an untyped store error as a dependency fault. Already typed
// errors pass through unchanged.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(Dependency, ReasonStorageUnavailable, "storage operation failed", err)
}

// As extracts the typed error, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
