package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"invalid id", &InvalidIDError{ID: "nope"}, "InvalidId", http.StatusBadRequest},
		{"wrapped invalid id", fmt.Errorf("get: %w", &InvalidIDError{ID: "x"}), "InvalidId", http.StatusBadRequest},
		{"configuration", &ConfigurationError{Setting: "STORAGE_URI"}, "ConfigurationError", http.StatusInternalServerError},
		{"connection", &ConnectionError{Engine: "mongodb", Err: io.ErrUnexpectedEOF}, "StorageUnavailable", http.StatusInternalServerError},
		{"write", &StorageWriteError{Op: "upload", Err: io.ErrClosedPipe}, "InternalError", http.StatusInternalServerError},
		{"read", &StorageReadError{Op: "download", Err: io.ErrUnexpectedEOF}, "InternalError", http.StatusInternalServerError},
		{"api error passthrough", ErrFileTooLarge, "FileTooLarge", http.StatusRequestEntityTooLarge},
		{"unknown", io.EOF, "InternalError", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got == nil {
				t.Fatal("FromError returned nil")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, tt.wantStatus)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}

func TestWithMessageCopies(t *testing.T) {
	cp := ErrNotFound.WithMessage("gone")
	if cp.Message != "gone" {
		t.Errorf("Message = %q, want %q", cp.Message, "gone")
	}
	if ErrNotFound.Message == "gone" {
		t.Error("WithMessage mutated the shared error value")
	}
}

func TestUnwrap(t *testing.T) {
	inner := io.ErrUnexpectedEOF
	err := &StorageReadError{Op: "download", Err: inner}
	if err.Unwrap() != inner {
		t.Error("StorageReadError.Unwrap did not return the cause")
	}
	connErr := &ConnectionError{Engine: "sqlite", Err: inner}
	if connErr.Unwrap() != inner {
		t.Error("ConnectionError.Unwrap did not return the cause")
	}
}
