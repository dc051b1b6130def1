package handler

import (
	"context"
	"log/slog"
)

// DuplicateGroup is a set of files with identical size and content hash
type DuplicateGroup struct {
	SizeBytes   int64
	ContentHash string
	Members     []FileRef // first-seen order
}

// Wasted returns the bytes used by all copies but one
func (g *DuplicateGroup) Wasted() int64 {
	return int64(len(g.Members)-1) * g.SizeBytes
}

// DuplicateReport is the result of a detection run
type DuplicateReport struct {
	Groups         []*DuplicateGroup
	DuplicateCount int   // extra copies across all groups
	WastedBytes    int64 // bytes reclaimable by keeping one copy per group
	Candidates     int   // files sharing their size with another file
	UniqueSizes    int   // files skipped because their size is unique
	HashesComputed int
	Warnings       []*IndexError
}

// DuplicateDetector finds byte-identical files in a forest. Files are
// grouped by size first so only files sharing a size are ever hashed.
type DuplicateDetector struct {
	hasher  ContentHasher
	exists  func(path string) bool
	workers int

	MinSize int64  // files below this size are ignored
	Verify  bool   // confirm hash groups byte by byte
	OnHash  func() // called after each hash attempt, if set
}

// NewDuplicateDetector creates a detector hashing with at most workers
// goroutines
func NewDuplicateDetector(hasher ContentHasher, workers int) *DuplicateDetector {
	return &DuplicateDetector{
		hasher:  hasher,
		exists:  pathExists,
		workers: workers,
	}
}

// FindDuplicates returns the duplicate groups of forest. Missing hashes are
// computed and written into the forest records.
func (d *DuplicateDetector) FindDuplicates(ctx context.Context, forest *DirectoryNode) (*DuplicateReport, error) {
	report := &DuplicateReport{}

	// group by size, dropping what cannot be a duplicate
	var sizeOrder []int64
	bySize := make(map[int64][]FileRef)
	for _, ref := range forest.CollectFiles() {
		f := ref.Record
		if f.Removed || f.SizeBytes < d.MinSize || !d.exists(f.FullPath) {
			continue
		}
		if _, seen := bySize[f.SizeBytes]; !seen {
			sizeOrder = append(sizeOrder, f.SizeBytes)
		}
		bySize[f.SizeBytes] = append(bySize[f.SizeBytes], ref)
	}

	var toHash []*FileRecord
	for _, size := range sizeOrder {
		refs := bySize[size]
		if len(refs) == 1 {
			report.UniqueSizes++
			continue
		}
		report.Candidates += len(refs)
		for _, ref := range refs {
			if !ref.Record.HasHash() {
				toHash = append(toHash, ref.Record)
			}
		}
	}

	slog.Debug("size pre-filter",
		"sizes", len(sizeOrder),
		"candidates", report.Candidates,
		"unique_sizes", report.UniqueSizes,
		"to_hash", len(toHash))

	if len(toHash) > 0 {
		pass, err := hashRecords(ctx, d.hasher, toHash, d.workers, d.OnHash)
		if err != nil {
			return nil, err
		}
		report.HashesComputed = pass.Computed
		report.Warnings = append(report.Warnings, pass.Warnings...)
	}

	for _, size := range sizeOrder {
		refs := bySize[size]
		if len(refs) < 2 {
			continue
		}

		var hashOrder []string
		byHash := make(map[string]*DuplicateGroup)
		for _, ref := range refs {
			h := ref.Record.ContentHash
			if h == "" {
				continue // failed to hash
			}
			g, ok := byHash[h]
			if !ok {
				g = &DuplicateGroup{SizeBytes: size, ContentHash: h}
				byHash[h] = g
				hashOrder = append(hashOrder, h)
			}
			g.Members = append(g.Members, ref)
		}

		for _, h := range hashOrder {
			g := byHash[h]
			if d.Verify {
				d.verifyGroup(g)
			}
			if len(g.Members) < 2 {
				continue
			}
			report.Groups = append(report.Groups, g)
			report.DuplicateCount += len(g.Members) - 1
			report.WastedBytes += g.Wasted()
		}
	}

	slog.Debug("duplicate detection finished",
		"groups", len(report.Groups),
		"duplicates", report.DuplicateCount,
		"wasted", report.WastedBytes)
	return report, nil
}

// verifyGroup drops members whose bytes differ from the first member
func (d *DuplicateDetector) verifyGroup(g *DuplicateGroup) {
	first := g.Members[0].Record
	kept := g.Members[:1]
	for _, m := range g.Members[1:] {
		if BytesEqual(first.FullPath, first.SizeBytes, m.Record.FullPath, m.Record.SizeBytes) {
			kept = append(kept, m)
			continue
		}
		slog.Warn("hash collision or changed file, dropping from group",
			"file", m.Record.FullPath,
			"reference", first.FullPath,
			"hash", g.ContentHash)
	}
	g.Members = kept
}

// Print logs every group and the totals
func (r *DuplicateReport) Print() {
	slog.Info("=== Duplicates ===")
	for i, g := range r.Groups {
		slog.Info("group",
			"n", i+1,
			"size", FormatBytes(g.SizeBytes),
			"hash", g.ContentHash,
			"copies", len(g.Members))
		for _, m := range g.Members {
			slog.Info("  file", "path", m.Record.FullPath)
		}
	}
	slog.Info("duplicates found",
		"groups", len(r.Groups),
		"duplicates", r.DuplicateCount,
		"wasted", FormatBytes(r.WastedBytes),
		"hashes_computed", r.HashesComputed)
	for _, w := range r.Warnings {
		slog.Warn(w.Error(), "suggestion", w.Suggestion())
	}
}
