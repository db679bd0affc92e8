package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict: resource already exists")
	ErrInternal     = errors.New("internal server error")
	ErrBadRequest   = errors.New("bad request")
)

// Billing errors. Each maps to one failure class of the sync and provisioning paths.
var (
	// ErrConfiguration is returned when a client is built with missing credentials.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport covers timeouts, connection failures and unexpected status codes.
	ErrTransport = errors.New("transport error")
	// ErrValidation is returned for malformed caller input (dates, session ids, signatures).
	ErrValidation = fmt.Errorf("validation error: %w", ErrInvalidInput)
	// ErrTenantResolution means no local tenant could be matched. Always soft.
	ErrTenantResolution = errors.New("tenant resolution failed")
	// ErrPersistenceConflict is a unique-constraint violation, treated as already handled.
	ErrPersistenceConflict = fmt.Errorf("persistence conflict: %w", ErrConflict)
	// ErrLedgerUnreachable is the only fatal reconciliation error.
	ErrLedgerUnreachable = fmt.Errorf("billing ledger unreachable: %w", ErrTransport)
	ErrRateLimited       = errors.New("too many attempts, try again later")
)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// HTTPStatus maps an error to the status code handlers should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTenantResolution):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
