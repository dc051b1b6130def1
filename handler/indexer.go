package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ScanRequest asks for one directory to be indexed
type ScanRequest struct {
	TargetPath  string
	ComputeHash bool
}

// Indexer runs scans against the cache document and answers read-only
// requests from it
type Indexer struct {
	cfg       *Config
	store     *CacheStore
	hasher    ContentHasher
	algorithm string
	now       func() time.Time
}

// NewIndexer validates cfg and creates an indexer backed by the document at
// cfg.CachePath
func NewIndexer(cfg *Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, err := NewHasher(cfg.HashAlgorithm, cfg.UseMmap)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		cfg:       cfg,
		store:     NewCacheStore(cfg.CachePath),
		hasher:    hasher,
		algorithm: hasher.Algorithm(),
		now:       time.Now,
	}, nil
}

// Hasher returns the hasher used for content hashes
func (ix *Indexer) Hasher() ContentHasher {
	return ix.hasher
}

// Reset deletes the cache document
func (ix *Indexer) Reset() error {
	slog.Info("resetting index", "path", ix.store.Path())
	return ix.store.Reset()
}

// Index scans req.TargetPath, merges it into the cached forest and saves
// the result. With ComputeHash, pending records are hashed and duplicates
// are detected over the whole forest.
func (ix *Indexer) Index(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	_, result, err := ix.index(ctx, req)
	return result, err
}

func (ix *Indexer) index(ctx context.Context, req ScanRequest) (*CacheDocument, *ScanResult, error) {
	result := &ScanResult{
		StartTime:     ix.now(),
		HashRequested: req.ComputeHash,
	}

	target, err := validateTarget(req.TargetPath)
	if err != nil {
		return nil, nil, err
	}
	result.Path = target

	scanner, err := NewScanner(ix.cfg.Excludes)
	if err != nil {
		return nil, nil, err
	}

	// the document read here is the one written back: another scan waits
	var saved *CacheDocument
	err = ix.store.Update(func(cur *CacheDocument) (*CacheDocument, error) {
		doc, _ := ix.adopt(cur)
		if err := ix.scanInto(ctx, doc, scanner, req, result); err != nil {
			return nil, err
		}
		ix.stamp(doc)
		saved = doc
		return doc, nil
	})
	if err != nil {
		return nil, nil, err
	}

	result.EndTime = ix.now()
	return saved, result, nil
}

// scanInto scans the target, merges it into doc, hashes pending records
// and detects duplicates as req asks
func (ix *Indexer) scanInto(ctx context.Context, doc *CacheDocument, scanner *Scanner, req ScanRequest, result *ScanResult) error {
	slog.Info("scanning", "path", result.Path)
	bar := scanBar(result.Path, ix.cfg)
	if add := barAdder(bar); add != nil {
		scanner.OnFile = func(string, int64) { add() }
	}
	fresh, scanReport, err := scanner.Scan(ctx, result.Path)
	finishBar(bar)
	if err != nil {
		return err
	}
	result.FilesScanned = scanReport.Files
	result.DirsScanned = scanReport.Dirs
	result.BytesScanned = scanReport.Bytes
	result.Errors = append(result.Errors, scanReport.Warnings...)

	merged, mergeReport, err := NewReconciler(scanner.IsEmptyDir).Merge(doc.Forest, fresh)
	if err != nil {
		return err
	}
	doc.Forest = merged
	result.HashesReused = mergeReport.HashesReused
	result.MarkedRemoved = mergeReport.MarkedRemoved
	result.Roots = len(merged.Children)
	result.Errors = append(result.Errors, mergeReport.Warnings...)

	if !req.ComputeHash {
		return nil
	}

	if len(mergeReport.Pending) > 0 {
		slog.Info("hashing new and changed files", "count", len(mergeReport.Pending))
		hashBar := createProgressBar(len(mergeReport.Pending), "Hashing", ix.cfg.LogLevel, ix.cfg.LogFormat)
		pass, err := hashRecords(ctx, ix.hasher, mergeReport.Pending, ix.cfg.Workers, barAdder(hashBar))
		finishBar(hashBar)
		if err != nil {
			return err
		}
		result.HashesComputed = pass.Computed
		result.Errors = append(result.Errors, pass.Warnings...)
	}
	doc.HashComputed = true

	report, err := ix.detect(ctx, doc.Forest)
	if err != nil {
		return err
	}
	result.Duplicates = report
	result.DuplicateGroups = len(report.Groups)
	result.DuplicateCount = report.DuplicateCount
	result.WastedBytes = report.WastedBytes
	result.HashesComputed += report.HashesComputed
	result.Errors = append(result.Errors, report.Warnings...)
	return nil
}

// Open returns the cached document for read-only commands. When path is
// given and the document is absent, older than RefreshOlderThan or does
// not cover path, path is indexed first.
func (ix *Indexer) Open(ctx context.Context, path string) (*CacheDocument, error) {
	doc, ok := ix.load()

	if path == "" {
		if !ok {
			return nil, newCacheError("open_cache", ix.store.Path(), errors.New("no index found"))
		}
		return doc, nil
	}

	reason := ix.refreshReason(doc, ok, path)
	if reason == "" {
		return doc, nil
	}

	slog.Info("refreshing index", "path", path, "reason", reason)
	doc, result, err := ix.index(ctx, ScanRequest{TargetPath: path})
	if err != nil {
		return nil, err
	}
	for _, w := range result.Errors {
		slog.Warn(w.Error(), "suggestion", w.Suggestion())
	}
	return doc, nil
}

func (ix *Indexer) refreshReason(doc *CacheDocument, ok bool, path string) string {
	if !ok {
		return "no index"
	}
	if abs, err := filepath.Abs(path); err == nil && doc.Forest.FindByPath(abs) == nil {
		return "path not indexed"
	}
	if ix.cfg.RefreshOlderThan > 0 {
		if age := doc.Age(ix.now()); age > ix.cfg.RefreshOlderThan {
			return fmt.Sprintf("index is %s old", age.Truncate(time.Minute))
		}
	}
	return ""
}

// Duplicates detects duplicates over doc's forest and saves any hash
// computed on the way
func (ix *Indexer) Duplicates(ctx context.Context, doc *CacheDocument) (*DuplicateReport, error) {
	report, err := ix.detect(ctx, doc.Forest)
	if err != nil {
		return nil, err
	}

	if report.HashesComputed > 0 {
		doc.HashComputed = true
		if err := ix.saveHashes(doc); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (ix *Indexer) detect(ctx context.Context, forest *DirectoryNode) (*DuplicateReport, error) {
	detector := NewDuplicateDetector(ix.hasher, ix.cfg.Workers)
	detector.MinSize = ix.cfg.MinDuplicateSize
	detector.Verify = ix.cfg.VerifyBytes

	bar := createProgressBar(-1, "Hashing candidates", ix.cfg.LogLevel, ix.cfg.LogFormat)
	detector.OnHash = barAdder(bar)
	report, err := detector.FindDuplicates(ctx, forest)
	finishBar(bar)
	return report, err
}

// Search runs q over root, or doc's whole forest when root is nil, and
// saves hashes computed on demand
func (ix *Indexer) Search(doc *CacheDocument, root *DirectoryNode, q Query, includeRemoved bool) ([]FileHit, error) {
	if root == nil {
		root = doc.Forest
	}
	s := NewSearcher(root, ix.hasher)
	s.IncludeRemoved = includeRemoved

	hits, err := s.Search(q)
	if err != nil {
		return nil, err
	}
	if s.HashesComputed > 0 {
		if err := ix.saveHashes(doc); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

// load reads the document, starting from an empty one when it is absent
func (ix *Indexer) load() (*CacheDocument, bool) {
	doc, ok := ix.store.Load()
	if !ok {
		doc = nil
	}
	return ix.adopt(doc)
}

// adopt returns doc ready for this indexer, or an empty document when doc
// is nil. Hashes made with another algorithm are dropped.
func (ix *Indexer) adopt(doc *CacheDocument) (*CacheDocument, bool) {
	if doc == nil {
		return NewCacheDocument(ix.algorithm), false
	}

	if doc.HashAlgorithm != ix.algorithm {
		dropped := 0
		for _, ref := range doc.Forest.CollectFiles() {
			if ref.Record.HasHash() {
				ref.Record.ContentHash = ""
				dropped++
			}
		}
		slog.Warn("hash algorithm changed, discarding stored hashes",
			"cached", doc.HashAlgorithm,
			"configured", ix.algorithm,
			"dropped", dropped)
		doc.HashAlgorithm = ix.algorithm
		doc.HashComputed = false
	}
	return doc, true
}

// saveHashes copies the hashes of doc into the current document and saves
// it. Records changed since doc was read (other size or modTime) keep the
// current document's state. When no document exists doc itself is saved.
func (ix *Indexer) saveHashes(doc *CacheDocument) error {
	hashed := make(map[string]*FileRecord)
	for _, ref := range doc.Forest.CollectFiles() {
		if ref.Record.HasHash() {
			hashed[exactKey(ref.Record.FullPath)] = ref.Record
		}
	}

	return ix.store.Update(func(cur *CacheDocument) (*CacheDocument, error) {
		if cur == nil {
			ix.stamp(doc)
			return doc, nil
		}

		latest, _ := ix.adopt(cur)
		copied := 0
		for _, ref := range latest.Forest.CollectFiles() {
			f := ref.Record
			src, ok := hashed[exactKey(f.FullPath)]
			if !ok || f.HasHash() || src.SizeBytes != f.SizeBytes || src.ModTime != f.ModTime {
				continue
			}
			f.ContentHash = src.ContentHash
			copied++
		}
		latest.HashComputed = latest.HashComputed || doc.HashComputed
		ix.stamp(latest)

		slog.Debug("hashes saved", "copied", copied)
		return latest, nil
	})
}

// stamp sets the fields every save refreshes
func (ix *Indexer) stamp(doc *CacheDocument) {
	doc.Timestamp = ix.now()
	doc.HashAlgorithm = ix.algorithm
	doc.ScannedPaths = doc.Forest.RootPaths()
}

// validateTarget returns the absolute path of an existing directory
func validateTarget(path string) (string, error) {
	if path == "" {
		return "", newValidationError("validate_target", path, errors.New("path cannot be empty"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", newValidationError("validate_target", path, err)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", newValidationError("validate_target", abs, ErrPathNotFound)
		}
		return "", newValidationError("validate_target", abs, err)
	}
	if !fi.IsDir() {
		return "", newValidationError("validate_target", abs, ErrNotDirectory)
	}
	return abs, nil
}
