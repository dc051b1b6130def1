package handler

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestIndexError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *IndexError
		expected string
	}{
		{
			name: "with underlying error",
			err: &IndexError{
				Type: ErrTypePermission,
				Op:   "list_dir",
				Path: "/data/private",
				Err:  errors.New("permission denied"),
			},
			expected: "[Permission] list_dir: /data/private - permission denied",
		},
		{
			name: "without underlying error",
			err: &IndexError{
				Type: ErrTypeValidation,
				Op:   "validate_target",
				Path: "/data/missing",
			},
			expected: "[Validation] validate_target: /data/missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestIndexError_Unwrap(t *testing.T) {
	err := newValidationError("validate_target", "/data/missing", ErrPathNotFound)

	if !errors.Is(err, ErrPathNotFound) {
		t.Error("errors.Is should find ErrPathNotFound")
	}

	wrapped := fmt.Errorf("index: %w", err)
	var ie *IndexError
	if !errors.As(wrapped, &ie) {
		t.Fatal("errors.As should find the IndexError")
	}
	if ie.Type != ErrTypeValidation {
		t.Errorf("Type = %s, want %s", ie.Type, ErrTypeValidation)
	}
}

func TestIndexError_Suggestion(t *testing.T) {
	tests := []struct {
		name     string
		err      *IndexError
		contains string
	}{
		{
			name:     "unreadable directory",
			err:      &IndexError{Type: ErrTypePermission, Op: "list_dir", Path: "/data/private"},
			contains: "chmod +rx /data/private",
		},
		{
			name:     "unwritable cache directory",
			err:      &IndexError{Type: ErrTypePermission, Op: "save_cache", Path: "/cache/leitor/cache.json"},
			contains: "chmod +w /cache/leitor",
		},
		{
			name:     "unreadable file",
			err:      &IndexError{Type: ErrTypePermission, Op: "hash_file", Path: "/data/a.bin"},
			contains: "Check permissions on /data/a.bin",
		},
		{
			name:     "unknown algorithm",
			err:      newValidationError("validate_config", "", fmt.Errorf("%w: crc32", ErrUnknownAlgorithm)),
			contains: "md5",
		},
		{
			name:     "missing target",
			err:      newValidationError("validate_target", "/nope", ErrPathNotFound),
			contains: "existing directory",
		},
		{
			name:     "generic validation",
			err:      newValidationError("validate_config", "", errors.New("workers must be positive")),
			contains: "configuration",
		},
		{
			name:     "vanished file",
			err:      &IndexError{Type: ErrTypeIO, Op: "stat", Path: "/data/x", Err: errors.New("no such file or directory")},
			contains: "run the scan again",
		},
		{
			name:     "generic io",
			err:      &IndexError{Type: ErrTypeIO, Op: "read", Path: "/data/x", Err: errors.New("input/output error")},
			contains: "Check filesystem",
		},
		{
			name:     "hash failure",
			err:      newHashError("/data/x", errors.New("read failed")),
			contains: "excluded from duplicate detection",
		},
		{
			name:     "corrupt cache",
			err:      newCacheError("load_cache", "/cache/cache.json", errors.New("unexpected EOF")),
			contains: "leitor scan",
		},
		{
			name:     "invariant",
			err:      newInvariantError("/data", ErrOverlappingRoots, nil),
			contains: "report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Suggestion()
			if !strings.Contains(result, tt.contains) {
				t.Errorf("Suggestion() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestIndexError_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		errType  ErrorType
		critical bool
	}{
		{"Validation is critical", ErrTypeValidation, true},
		{"Invariant is critical", ErrTypeInvariant, true},
		{"Permission is not critical", ErrTypePermission, false},
		{"IO is not critical", ErrTypeIO, false},
		{"Hash is not critical", ErrTypeHash, false},
		{"Cache is not critical", ErrTypeCache, false},
		{"unknown type is critical", ErrorType("Other"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &IndexError{Type: tt.errType, Op: "test_op", Path: "/test/path"}
			if got := err.IsCritical(); got != tt.critical {
				t.Errorf("IsCritical() = %v, want %v for type %s", got, tt.critical, tt.errType)
			}
		})
	}
}

func TestNewFSError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
	}{
		{"permission", fs.ErrPermission, ErrTypePermission},
		{"wrapped permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, ErrTypePermission},
		{"not exist", fs.ErrNotExist, ErrTypeIO},
		{"other", errors.New("boom"), ErrTypeIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newFSError("list_dir", "/x", tt.err)
			if got.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", got.Type, tt.wantType)
			}
			if !errors.Is(got, tt.err) {
				t.Error("underlying error should be preserved")
			}
		})
	}
}

func TestIndexError_Details(t *testing.T) {
	err := newInvariantError("/data", ErrOverlappingRoots, map[string]string{
		"root":  "/data",
		"other": "/data/sub",
	})

	if got := err.Details["other"]; got != "/data/sub" {
		t.Errorf("Details[other] = %q, want %q", got, "/data/sub")
	}
	if err.Op != "merge" {
		t.Errorf("Op = %q, want merge", err.Op)
	}
}
