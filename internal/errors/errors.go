// Package errors defines the error taxonomy of the gridstore file subsystem
// and the JSON API errors the HTTP layer renders from it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ConfigurationError is returned when a required connection parameter is
// missing. It is not retried.
type ConfigurationError struct {
	// Setting names the missing configuration value.
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Setting)
}

// ConnectionError is returned when the storage backend cannot be reached or
// fails its liveness probe. The connection cache is invalidated before it is
// returned, so the next call makes a fresh attempt.
type ConnectionError struct {
	// Engine is the storage engine name (mongodb, sqlite, s3, ...).
	Engine string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s storage: %v", e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidIDError is returned when an object identifier is not syntactically
// valid for the backing engine.
type InvalidIDError struct {
	ID string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid file id %q", e.ID)
}

// StorageWriteError wraps a stream-level failure while writing chunks.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write failed (%s): %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// StorageReadError wraps a stream-level failure while reading chunks.
type StorageReadError struct {
	Op  string
	Err error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("storage read failed (%s): %v", e.Op, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }

// APIError is the machine-readable error rendered by the HTTP layer.
type APIError struct {
	// Code is a stable machine-readable error code (e.g. "NotFound").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the APIError with a different message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined API errors.
var (
	// ErrNoFile is returned when an upload request carries no file part.
	ErrNoFile = &APIError{
		Code:       "NoFile",
		Message:    "No file was provided in the \"file\" form field",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrDisallowedType is returned when the uploaded content type is not permitted.
	ErrDisallowedType = &APIError{
		Code:       "DisallowedType",
		Message:    "The file type is not allowed",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMalformedForm is returned when the multipart body cannot be parsed.
	ErrMalformedForm = &APIError{
		Code:       "MalformedForm",
		Message:    "The request body is not a valid multipart form",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrFileTooLarge is returned when the upload exceeds the configured limit.
	ErrFileTooLarge = &APIError{
		Code:       "FileTooLarge",
		Message:    "The file exceeds the maximum allowed upload size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrInvalidID is returned for malformed object identifiers.
	ErrInvalidID = &APIError{
		Code:       "InvalidId",
		Message:    "The file id is not valid",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrNotFound is returned when no object exists for a well-formed id.
	ErrNotFound = &APIError{
		Code:       "NotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrEmptyContent is returned when a non-empty record yields no bytes.
	ErrEmptyContent = &APIError{
		Code:       "EmptyContent",
		Message:    "The stored file returned no content",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrUnauthorized is returned when the admin API key is missing or wrong.
	ErrUnauthorized = &APIError{
		Code:       "Unauthorized",
		Message:    "A valid API key is required",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrConfiguration is returned when the storage connection is not configured.
	ErrConfiguration = &APIError{
		Code:       "ConfigurationError",
		Message:    "File storage is not configured",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrStorageUnavailable is returned when the storage backend cannot be reached.
	ErrStorageUnavailable = &APIError{
		Code:       "StorageUnavailable",
		Message:    "File storage is temporarily unavailable",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// FromError maps an error from the storage layer to the APIError the HTTP
// layer should render. Unknown errors map to ErrInternal.
func FromError(err error) *APIError {
	var (
		apiErr  *APIError
		cfgErr  *ConfigurationError
		connErr *ConnectionError
		idErr   *InvalidIDError
		wErr    *StorageWriteError
		rErr    *StorageReadError
	)
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &apiErr):
		return apiErr
	case stderrors.As(err, &idErr):
		return ErrInvalidID.WithMessage(idErr.Error())
	case stderrors.As(err, &cfgErr):
		return ErrConfiguration.WithMessage(cfgErr.Error())
	case stderrors.As(err, &connErr):
		return ErrStorageUnavailable
	case stderrors.As(err, &wErr):
		return ErrInternal.WithMessage("Failed to store the file")
	case stderrors.As(err, &rErr):
		return ErrInternal.WithMessage("Failed to read the file")
	default:
		return ErrInternal
	}
}
