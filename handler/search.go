package handler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
)

// FolderHit is a folder matching a search
type FolderHit struct {
	Name      string
	Path      string
	TotalSize int64
}

// FileHit is a file matching a search
type FileHit struct {
	Dir    string // containing folder
	Record *FileRecord
}

// Query is an advanced file search. Empty fields do not filter.
type Query struct {
	Name      string // substring of the name without extension
	Extension string // exact extension, leading dot optional
	MinSize   string // human size such as "30mb" or "1.5 GiB"
	MaxSize   string
	Hash      string // substring of the hex digest
}

// Searcher answers queries over a forest. Removed records are skipped
// unless IncludeRemoved is set.
type Searcher struct {
	forest *DirectoryNode
	hasher ContentHasher

	IncludeRemoved bool
	HashesComputed int // hashes computed on demand by hash queries
}

// NewSearcher creates a searcher. hasher may be nil, in which case hash
// queries only see stored hashes.
func NewSearcher(forest *DirectoryNode, hasher ContentHasher) *Searcher {
	return &Searcher{forest: forest, hasher: hasher}
}

// SearchFolders returns folders whose name contains term, ignoring case
func (s *Searcher) SearchFolders(term string) []FolderHit {
	term = strings.ToLower(strings.TrimSpace(term))
	var hits []FolderHit
	s.forest.Walk(func(n *DirectoryNode) bool {
		if n.IsVirtual() {
			return true
		}
		if strings.Contains(strings.ToLower(n.Name), term) {
			hits = append(hits, FolderHit{
				Name:      n.Name,
				Path:      n.FullPath,
				TotalSize: n.TotalSize(),
			})
		}
		return true
	})
	return hits
}

// SearchFiles returns files whose name without extension contains term
func (s *Searcher) SearchFiles(term string) []FileHit {
	term = strings.ToLower(strings.TrimSpace(term))
	return s.filter(func(f *FileRecord) bool {
		return strings.Contains(strings.ToLower(f.Name), term)
	})
}

// SearchExtension returns files with extension ext. A compound extension
// such as "tar.gz" matches the end of the file name.
func (s *Searcher) SearchExtension(ext string) []FileHit {
	ext = normalizeExtension(ext)
	return s.filter(func(f *FileRecord) bool {
		return matchExtension(f, ext)
	})
}

// Search runs an advanced query
func (s *Searcher) Search(q Query) ([]FileHit, error) {
	minSize, err := ParseSize(q.MinSize)
	if err != nil {
		return nil, newValidationError("search", "", fmt.Errorf("min size: %w", err))
	}
	maxSize, err := ParseSize(q.MaxSize)
	if err != nil {
		return nil, newValidationError("search", "", fmt.Errorf("max size: %w", err))
	}

	name := strings.ToLower(strings.TrimSpace(q.Name))
	ext := normalizeExtension(q.Extension)
	hash := strings.ToLower(strings.TrimSpace(q.Hash))

	return s.filter(func(f *FileRecord) bool {
		if name != "" && !strings.Contains(strings.ToLower(f.Name), name) {
			return false
		}
		if ext != "" && !matchExtension(f, ext) {
			return false
		}
		if minSize >= 0 && f.SizeBytes < minSize {
			return false
		}
		if maxSize >= 0 && f.SizeBytes > maxSize {
			return false
		}
		if hash != "" {
			if !f.HasHash() && !s.hashOnDemand(f) {
				return false
			}
			if !strings.Contains(f.ContentHash, hash) {
				return false
			}
		}
		return true
	}), nil
}

func (s *Searcher) filter(match func(f *FileRecord) bool) []FileHit {
	var hits []FileHit
	for _, ref := range s.forest.CollectFiles() {
		if ref.Record.Removed && !s.IncludeRemoved {
			continue
		}
		if match(ref.Record) {
			hits = append(hits, FileHit{Dir: ref.Dir, Record: ref.Record})
		}
	}
	return hits
}

func (s *Searcher) hashOnDemand(f *FileRecord) bool {
	if s.hasher == nil || f.Removed {
		return false
	}
	sum, err := s.hasher.ComputeHash(f.FullPath)
	if err != nil {
		slog.Debug("cannot hash for search, skipping", "file", f.FullPath, "error", err)
		return false
	}
	f.ContentHash = sum
	s.HashesComputed++
	return true
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(ext), " ", ""))
	return strings.TrimPrefix(ext, ".")
}

func matchExtension(f *FileRecord, ext string) bool {
	if strings.EqualFold(f.Extension, ext) {
		return true
	}
	return strings.Contains(ext, ".") && strings.HasSuffix(strings.ToLower(f.FileName()), "."+ext)
}

// ParseSize reads a human size, -1 when s is empty. Decimal-looking units
// (k, kb, m, mb and so on) are binary multiples.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if s == "" {
		return -1, nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	for _, unit := range []string{"kb", "mb", "gb", "tb"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, unit) + unit[:1] + "ib"
			break
		}
	}
	// "30k" means the same as "30kb"
	if last := s[len(s)-1]; strings.IndexByte("kmgt", last) >= 0 {
		s += "ib"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
