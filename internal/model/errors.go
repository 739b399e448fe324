package model

import (
	"errors"
	"fmt"
	"strings"
)

// SourceUnavailableError reports a catalog source that could not be queried or parsed.
// It is recoverable: a refresh proceeds without the source's releases.
type SourceUnavailableError struct {
	Source string // Name of the configured source
	Err    error  // Underlying error, if any
}

func (e *SourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog source %s unavailable: %v", e.Source, e.Err)
	}

	return fmt.Sprintf("catalog source %s unavailable", e.Source)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when an identifier has no installation on disk.
type NotFoundError struct {
	ID   GameIdentifier
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no installation of %s at %s", e.ID, e.Path)
}

// ConflictError rejects an operation that would overlap another one on the same target:
// a second download/delete for an identifier, deleting a running game, or starting a
// second game session.
type ConflictError struct {
	ID        GameIdentifier
	Operation string // The rejected operation ("download", "delete", "run")
	Reason    string // Human-readable explanation of the conflict
}

func (e *ConflictError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("cannot %s: %s", e.Operation, e.Reason)
	}

	return fmt.Sprintf("cannot %s %s: %s", e.Operation, e.ID, e.Reason)
}

// TransferError represents network and IO failures while fetching an archive.
type TransferError struct {
	URL        string
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Reason     string // Human-readable explanation of the failure
	Err        error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer of %s failed (HTTP %d): %s", e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("transfer of %s failed: %s", e.URL, e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ExtractionError represents a malformed archive or an IO failure while materializing it.
type ExtractionError struct {
	Archive string
	Entry   string // Archive entry being processed, empty when the archive itself is at fault
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extraction of %s failed at %s: %s", e.Archive, e.Entry, e.Reason)
	}

	return fmt.Sprintf("extraction of %s failed: %s", e.Archive, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ProcessSpawnError is returned when the external game process cannot be prepared or started.
type ProcessSpawnError struct {
	Executable string
	Err        error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Executable, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// RemovalError lists the entries a delete could not remove.
type RemovalError struct {
	Dir    string
	Failed []string
	Err    error
}

func (e *RemovalError) Error() string {
	return fmt.Sprintf("failed to remove %d entries under %s: %s", len(e.Failed), e.Dir, strings.Join(e.Failed, ", "))
}

func (e *RemovalError) Unwrap() error {
	return e.Err
}

// UnknownReleaseError is returned when the catalog has no release for an identifier.
type UnknownReleaseError struct {
	ID GameIdentifier
}

func (e *UnknownReleaseError) Error() string {
	return fmt.Sprintf("no release of %s in the catalog", e.ID)
}

func IsConflict(err error) bool {
	var target *ConflictError

	return errors.As(err, &target)
}

// IsNotFound reports missing installations and unknown releases.
func IsNotFound(err error) bool {
	var (
		notFound *NotFoundError
		unknown  *UnknownReleaseError
	)

	return errors.As(err, &notFound) || errors.As(err, &unknown)
}
