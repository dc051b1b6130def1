package handler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrorType is the category of an IndexError
type ErrorType string

const (
	ErrTypeValidation ErrorType = "Validation"
	ErrTypePermission ErrorType = "Permission"
	ErrTypeIO         ErrorType = "IO"
	ErrTypeHash       ErrorType = "Hash"
	ErrTypeCache      ErrorType = "Cache"
	ErrTypeInvariant  ErrorType = "Invariant"
)

var (
	ErrNotDirectory     = errors.New("path is not a directory")
	ErrPathNotFound     = errors.New("path does not exist")
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
	ErrOverlappingRoots = errors.New("forest roots overlap")
)

// IndexError is the structured error of the indexer
type IndexError struct {
	Type    ErrorType         // error category
	Op      string            // operation in progress ("list_dir", "hash_file")
	Path    string            // file or folder concerned
	Err     error             // underlying error
	Details map[string]string // extra context
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Op, e.Path)
}

// Unwrap returns the underlying error
func (e *IndexError) Unwrap() error {
	return e.Err
}

// Suggestion proposes a corrective action for the error
func (e *IndexError) Suggestion() string {
	switch e.Type {
	case ErrTypePermission:
		if e.Op == "list_dir" {
			return fmt.Sprintf("chmod +rx %s", e.Path)
		}
		if e.Op == "save_cache" || e.Op == "lock_cache" {
			return fmt.Sprintf("chmod +w %s", filepath.Dir(e.Path))
		}
		return fmt.Sprintf("Check permissions on %s", e.Path)

	case ErrTypeValidation:
		if errors.Is(e.Err, ErrUnknownAlgorithm) {
			return "Use one of: " + strings.Join(HashAlgorithms(), ", ")
		}
		if errors.Is(e.Err, ErrPathNotFound) || errors.Is(e.Err, ErrNotDirectory) {
			return "Check that the scan target is an existing directory"
		}
		return "Check the command arguments and configuration"

	case ErrTypeIO:
		if e.Err != nil && strings.Contains(e.Err.Error(), "no such file") {
			return "File or folder vanished during the scan, run the scan again"
		}
		return "Check filesystem health and retry"

	case ErrTypeHash:
		return "File will be excluded from duplicate detection for this run"

	case ErrTypeCache:
		return "A fresh scan will rebuild the cache (leitor scan <path>)"

	case ErrTypeInvariant:
		return "Internal error, please report it with the cache file attached"

	default:
		return "See error message for details"
	}
}

// IsCritical reports whether the error stops the operation
func (e *IndexError) IsCritical() bool {
	switch e.Type {
	case ErrTypeValidation, ErrTypeInvariant:
		return true
	case ErrTypePermission, ErrTypeIO, ErrTypeHash, ErrTypeCache:
		return false // recovered locally
	default:
		return true
	}
}

// newFSError classifies a filesystem error as Permission or IO
func newFSError(op, path string, err error) *IndexError {
	errType := ErrTypeIO
	if errors.Is(err, os.ErrPermission) {
		errType = ErrTypePermission
	}
	return &IndexError{
		Type: errType,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

func newValidationError(op, path string, err error) *IndexError {
	return &IndexError{
		Type: ErrTypeValidation,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

func newHashError(path string, err error) *IndexError {
	return &IndexError{
		Type: ErrTypeHash,
		Op:   "hash_file",
		Path: path,
		Err:  err,
	}
}

func newCacheError(op, path string, err error) *IndexError {
	return &IndexError{
		Type: ErrTypeCache,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

func newInvariantError(path string, err error, details map[string]string) *IndexError {
	return &IndexError{
		Type:    ErrTypeInvariant,
		Op:      "merge",
		Path:    path,
		Err:     err,
		Details: details,
	}
}
