package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for repository and host operations
var (
	// ErrIO indicates local storage could not be read or written
	ErrIO = errors.New("local storage unavailable")

	// ErrHostUnavailable indicates a remote host could not be reached or failed server-side
	ErrHostUnavailable = errors.New("video host is unreachable")

	// ErrConflict indicates a version tag mismatch on a conditional write
	ErrConflict = errors.New("version tag conflict")

	// ErrUnsupported indicates a host lacks the requested capability
	ErrUnsupported = errors.New("operation not supported by host")

	// ErrNotFound indicates the requested video does not exist
	ErrNotFound = errors.New("video not found")

	// ErrDecode indicates a manifest could not be read or parsed
	ErrDecode = errors.New("manifest decoding failed")

	// ErrEncode indicates a manifest could not be serialized or written
	ErrEncode = errors.New("manifest encoding failed")

	// ErrIDMismatch indicates an attempt to overwrite a manifest with one of a different ID
	ErrIDMismatch = errors.New("manifest id does not match target")

	// ErrAuthFailed indicates the host rejected our credentials
	ErrAuthFailed = errors.New("host rejected credentials")
)

// StoreError describes a failed local storage operation
type StoreError struct {
	Op   string // "list", "read", "write", "delete"
	ID   uuid.UUID
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.ID != uuid.Nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.ID, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// HostError describes a failed call against a video host
type HostError struct {
	Host   string
	Op     string
	ID     uuid.UUID
	Status int // HTTP status when the host answered, 0 otherwise
	Err    error
}

func (e *HostError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Host, e.Op)
	if e.ID != uuid.Nil {
		msg += " " + e.ID.String()
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	return msg + ": " + e.Err.Error()
}

func (e *HostError) Unwrap() error { return e.Err }

// ConflictError is returned when a conditional upload kept losing against
// concurrent writers until the attempt bound was reached.
type ConflictError struct {
	ID       uuid.UUID
	Host     string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("upload of %s to %s still conflicting after %d attempts", e.ID, e.Host, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UploadError collects the failure of every host tried for one upload.
// Unwrap exposes the first failure.
type UploadError struct {
	ID   uuid.UUID
	Errs []error
}

func (e *UploadError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("upload %s: no host accepts manifests", e.ID)
	}
	return fmt.Sprintf("upload %s failed on %d host(s): %v", e.ID, len(e.Errs), e.Errs[0])
}

func (e *UploadError) Unwrap() error {
	if len(e.Errs) == 0 {
		return ErrUnsupported
	}
	return e.Errs[0]
}
