package handler

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ScanReport summarizes one scan
type ScanReport struct {
	Files    int
	Dirs     int
	Bytes    int64
	Warnings []*IndexError // unreadable entries, never fatal
}

// Scanner builds a DirectoryNode from a real directory
type Scanner struct {
	excludes []string

	// OnFile is called for every indexed file, if set
	OnFile func(path string, size int64)
}

// NewScanner creates a scanner skipping entries matching any of the
// doublestar patterns in excludes
func NewScanner(excludes []string) (*Scanner, error) {
	for _, p := range excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, newValidationError("new_scanner", p, fmt.Errorf("invalid exclude pattern %q: %w", p, doublestar.ErrBadPattern))
		}
	}
	return &Scanner{excludes: excludes}, nil
}

// Scan walks path and returns its tree. Listing failures are reported in
// the ScanReport; only context cancellation returns an error.
func (s *Scanner) Scan(ctx context.Context, path string) (*DirectoryNode, *ScanReport, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, newValidationError("scan", path, err)
	}

	report := &ScanReport{}
	root := NewDirectoryNode(abs)
	if err := s.scanDir(ctx, root, abs, report); err != nil {
		return nil, nil, err
	}

	slog.Debug("scan finished",
		"path", abs,
		"files", report.Files,
		"dirs", report.Dirs,
		"bytes", report.Bytes,
		"warnings", len(report.Warnings))
	return root, report, nil
}

func (s *Scanner) scanDir(ctx context.Context, node *DirectoryNode, root string, report *ScanReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report.Dirs++

	// ReadDir returns what it could read before failing
	entries, err := os.ReadDir(node.FullPath)
	if err != nil {
		slog.Warn("failed to list directory", "path", node.FullPath, "error", err)
		report.Warnings = append(report.Warnings, newFSError("list_dir", node.FullPath, err))
	}

	for _, entry := range entries {
		full := filepath.Join(node.FullPath, entry.Name())
		if s.excluded(root, full, entry.Name()) {
			slog.Debug("excluded", "path", full)
			continue
		}

		mode := entry.Type()
		switch {
		case mode&fs.ModeSymlink != 0:
			slog.Debug("skipping symlink", "path", full)

		case entry.IsDir():
			child := NewDirectoryNode(full)
			if err := s.scanDir(ctx, child, root, report); err != nil {
				return err
			}
			node.Children = append(node.Children, child)

		case mode.IsRegular():
			info, err := entry.Info()
			if err != nil {
				slog.Warn("failed to get file info", "file", full, "error", err)
				report.Warnings = append(report.Warnings, newFSError("stat", full, err))
				continue
			}
			rec := NewFileRecord(entry.Name(), full, info.Size(), info.ModTime())
			node.Files = append(node.Files, rec)
			report.Files++
			report.Bytes += rec.SizeBytes
			if s.OnFile != nil {
				s.OnFile(full, rec.SizeBytes)
			}

		default:
			slog.Debug("skipping special file", "path", full, "mode", mode.String())
		}
	}
	return nil
}

// excluded matches a pattern against the entry name and the path relative
// to the scan root
func (s *Scanner) excluded(root, full, name string) bool {
	if len(s.excludes) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, full)
	if err != nil {
		rel = name
	}
	rel = filepath.ToSlash(rel)
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// IsEmptyDir re-lists path and reports whether it holds nothing a scan
// would index. Exclusions are matched on entry names only.
func (s *Scanner) IsEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if s.excluded(path, filepath.Join(path, entry.Name()), entry.Name()) {
			continue
		}
		if entry.IsDir() || entry.Type().IsRegular() {
			return false, nil
		}
	}
	return true, nil
}
