package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencoff/go-fio"
)

const (
	// CacheVersion is the document format written by Save
	CacheVersion = 1

	// TimestampLayout is the minute-precision layout of the document timestamp
	TimestampLayout = "02_01_2006,15:04"
)

// CacheZone is the fixed offset cache timestamps are written in
var CacheZone = time.FixedZone("UTC-3", -3*60*60)

// CacheDocument is the persisted index
type CacheDocument struct {
	Timestamp     time.Time
	HashComputed  bool   // a hashing run has completed at least once
	HashAlgorithm string // digest of the stored hashes
	ScannedPaths  []string
	Forest        *DirectoryNode // always a virtual root
}

// NewCacheDocument returns an empty document around an empty forest
func NewCacheDocument(algorithm string) *CacheDocument {
	return &CacheDocument{
		HashAlgorithm: algorithm,
		Forest:        NewVirtualRoot(),
	}
}

// Age returns how long ago the document was written
func (d *CacheDocument) Age(now time.Time) time.Duration {
	return now.Sub(d.Timestamp)
}

// FormatTimestamp renders t the way it is persisted
func FormatTimestamp(t time.Time) string {
	return t.In(CacheZone).Format(TimestampLayout)
}

// ParseTimestamp reads a persisted timestamp
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, CacheZone)
}

// CacheStore persists CacheDocuments at a fixed path
type CacheStore struct {
	path string
	mu   sync.Mutex
}

// NewCacheStore creates a store for the document at path
func NewCacheStore(path string) *CacheStore {
	return &CacheStore{path: path}
}

// DefaultCachePath returns the per-user cache document location
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "leitor", "cache.json")
}

// Path returns the document location
func (s *CacheStore) Path() string {
	return s.path
}

// Load reads the document. A missing, unreadable or invalid document is
// reported absent, never as an error.
func (s *CacheStore) Load() (*CacheDocument, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no cache document", "path", s.path)
		} else {
			slog.Warn("cache unreadable, ignoring", "error", newFSError("load_cache", s.path, err))
		}
		return nil, false
	}

	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("cache corrupt, ignoring", "error", newCacheError("load_cache", s.path, err))
		return nil, false
	}

	doc, err := raw.toDocument()
	if err != nil {
		slog.Warn("cache invalid, ignoring", "error", newCacheError("load_cache", s.path, err))
		return nil, false
	}

	slog.Debug("cache loaded",
		"path", s.path,
		"timestamp", raw.Timestamp,
		"roots", len(doc.Forest.Children),
		"hash_computed", doc.HashComputed)
	return doc, true
}

// Save writes the document atomically. Concurrent saves are serialized in
// process and through an advisory lock file next to the document.
func (s *CacheStore) Save(doc *CacheDocument) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.write(doc)
}

// Update loads the document, hands it to fn and saves the document fn
// returns, holding the store locks from the read to the write so no other
// writer can slip in between. doc is nil when no valid document exists.
// fn returning an error or a nil document saves nothing.
func (s *CacheStore) Update(fn func(doc *CacheDocument) (*CacheDocument, error)) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	cur, ok := s.Load()
	if !ok {
		cur = nil
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		return err
	}
	return s.write(next)
}

// Reset deletes the document. A missing document is not an error.
func (s *CacheStore) Reset() error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newFSError("reset_cache", s.path, err)
	}
	return nil
}

// lock takes the in-process mutex and the lock file. The returned func
// releases both.
func (s *CacheStore) lock() (func(), error) {
	s.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.mu.Unlock()
		return nil, newFSError("lock_cache", s.path, err)
	}

	unlockFile, err := lockFile(s.path + ".lock")
	if err != nil {
		s.mu.Unlock()
		return nil, newFSError("lock_cache", s.path, err)
	}

	return func() {
		unlockFile()
		s.mu.Unlock()
	}, nil
}

// write encodes doc through a temporary file renamed over the document.
// The caller holds the store locks.
func (s *CacheStore) write(doc *CacheDocument) error {
	if doc == nil || doc.Forest == nil {
		return newCacheError("save_cache", s.path, errors.New("nil document"))
	}

	fd, err := fio.NewSafeFile(s.path, fio.OPT_OVERWRITE, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return newFSError("save_cache", s.path, err)
	}
	defer fd.Abort()

	enc := json.NewEncoder(fd)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fromDocument(doc)); err != nil {
		return newCacheError("save_cache", s.path, fmt.Errorf("failed to encode: %w", err))
	}

	// Close renames the temporary file over the document
	if err := fd.Close(); err != nil {
		return newFSError("save_cache", s.path, err)
	}

	slog.Debug("cache saved", "path", s.path, "roots", len(doc.Forest.Children))
	return nil
}

type documentJSON struct {
	Version       int       `json:"version"`
	Timestamp     string    `json:"timestamp"`
	HashComputed  bool      `json:"hashComputed"`
	HashAlgorithm string    `json:"hashAlgorithm,omitempty"`
	ScannedPaths  []string  `json:"scannedPaths"`
	Forest        *nodeJSON `json:"forest"`
}

type nodeJSON struct {
	Name     string        `json:"name"`
	FullPath string        `json:"fullPath"`
	Files    []*recordJSON `json:"files"`
	Children []*nodeJSON   `json:"children"`
}

type recordJSON struct {
	Name        string  `json:"name"`
	Extension   string  `json:"extension"`
	SizeBytes   int64   `json:"sizeBytes"`
	FullPath    string  `json:"fullPath"`
	ContentHash *string `json:"contentHash"`
	Removed     bool    `json:"removed"`
	ModTime     int64   `json:"modTime,omitempty"`
}

func fromDocument(doc *CacheDocument) *documentJSON {
	paths := doc.ScannedPaths
	if paths == nil {
		paths = []string{}
	}
	return &documentJSON{
		Version:       CacheVersion,
		Timestamp:     FormatTimestamp(doc.Timestamp),
		HashComputed:  doc.HashComputed,
		HashAlgorithm: doc.HashAlgorithm,
		ScannedPaths:  paths,
		Forest:        fromNode(doc.Forest),
	}
}

func fromNode(n *DirectoryNode) *nodeJSON {
	out := &nodeJSON{
		Name:     n.Name,
		FullPath: n.FullPath,
		Files:    make([]*recordJSON, 0, len(n.Files)),
		Children: make([]*nodeJSON, 0, len(n.Children)),
	}
	for _, f := range n.Files {
		r := &recordJSON{
			Name:      f.Name,
			Extension: f.Extension,
			SizeBytes: f.SizeBytes,
			FullPath:  f.FullPath,
			Removed:   f.Removed,
			ModTime:   f.ModTime,
		}
		if f.HasHash() {
			h := f.ContentHash
			r.ContentHash = &h
		}
		out.Files = append(out.Files, r)
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, fromNode(c))
	}
	return out
}

func (raw *documentJSON) toDocument() (*CacheDocument, error) {
	if raw.Version > CacheVersion {
		return nil, fmt.Errorf("unsupported version %d", raw.Version)
	}
	if raw.Forest == nil {
		return nil, errors.New("missing forest")
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", raw.Timestamp, err)
	}
	forest, err := raw.Forest.toNode()
	if err != nil {
		return nil, err
	}

	// older writers stored a single real root
	if !forest.IsVirtual() {
		root := NewVirtualRoot()
		root.Children = []*DirectoryNode{forest}
		forest = root
	}

	algo := raw.HashAlgorithm
	if algo == "" {
		algo = DefaultHashAlgorithm
	}
	paths := raw.ScannedPaths
	if paths == nil {
		paths = forest.RootPaths()
	}

	return &CacheDocument{
		Timestamp:     ts,
		HashComputed:  raw.HashComputed,
		HashAlgorithm: algo,
		ScannedPaths:  paths,
		Forest:        forest,
	}, nil
}

func (raw *nodeJSON) toNode() (*DirectoryNode, error) {
	n := &DirectoryNode{
		Name:     raw.Name,
		FullPath: NormalizePath(raw.FullPath),
	}
	for _, r := range raw.Files {
		if r == nil {
			return nil, fmt.Errorf("null file record in %q", raw.FullPath)
		}
		if r.SizeBytes < 0 {
			return nil, fmt.Errorf("negative size for %q", r.FullPath)
		}
		rec := &FileRecord{
			Name:      r.Name,
			Extension: r.Extension,
			SizeBytes: r.SizeBytes,
			FullPath:  NormalizePath(r.FullPath),
			Removed:   r.Removed,
			ModTime:   r.ModTime,
		}
		if r.ContentHash != nil {
			rec.ContentHash = *r.ContentHash
		}
		n.Files = append(n.Files, rec)
	}
	for _, c := range raw.Children {
		if c == nil {
			return nil, fmt.Errorf("null child in %q", raw.FullPath)
		}
		child, err := c.toNode()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}
