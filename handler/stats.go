package handler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ScanResult holds statistics collected during an index run
type ScanResult struct {
	// Timing
	StartTime time.Time
	EndTime   time.Time

	// Scan
	Path         string
	FilesScanned int
	DirsScanned  int
	BytesScanned int64

	// Merge
	HashesReused  int
	MarkedRemoved int
	Roots         int

	// Hashing
	HashRequested  bool
	HashesComputed int

	// Duplicates
	DuplicateGroups int
	DuplicateCount  int
	WastedBytes     int64
	Duplicates      *DuplicateReport // nil unless hashing was requested

	// Issues
	Errors []*IndexError
}

// Duration returns the total run duration
func (s *ScanResult) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Throughput returns the scan speed in MiB/s
func (s *ScanResult) Throughput() float64 {
	seconds := s.Duration().Seconds()
	if seconds == 0 {
		return 0
	}
	return float64(s.BytesScanned) / 1024 / 1024 / seconds
}

// FormatBytes converts bytes to a human-readable IEC size
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// PrintSummary displays the run summary
func (s *ScanResult) PrintSummary() {
	fmt.Println()
	slog.Info("=== Index Summary ===")

	duration := s.Duration()
	slog.Info("scan completed",
		"path", s.Path,
		"duration", fmt.Sprintf("%dm %ds", int(duration.Minutes()), int(duration.Seconds())%60))

	slog.Info("files scanned",
		"files", s.FilesScanned,
		"folders", s.DirsScanned,
		"size", FormatBytes(s.BytesScanned),
		"throughput", fmt.Sprintf("%.1f MiB/s", s.Throughput()))

	slog.Info("index updated",
		"roots", s.Roots,
		"hashes_reused", s.HashesReused,
		"marked_removed", s.MarkedRemoved)

	if s.HashRequested {
		slog.Info("hashing",
			"computed", s.HashesComputed,
			"reused", s.HashesReused)
		slog.Info("duplicates",
			"groups", s.DuplicateGroups,
			"files", s.DuplicateCount,
			"wasted", FormatBytes(s.WastedBytes))
	}

	var criticalErrors []*IndexError
	var warnings []*IndexError
	for _, err := range s.Errors {
		if err.IsCritical() {
			criticalErrors = append(criticalErrors, err)
		} else {
			warnings = append(warnings, err)
		}
	}

	if len(criticalErrors) > 0 {
		fmt.Println()
		slog.Error("critical errors encountered", "count", len(criticalErrors))
		for _, err := range criticalErrors {
			slog.Error(err.Error(),
				"type", string(err.Type),
				"operation", err.Op,
				"path", err.Path,
				"suggestion", err.Suggestion())
		}
	}

	if len(warnings) > 0 {
		fmt.Println()
		slog.Warn("warnings detected", "count", len(warnings))
		for _, err := range warnings {
			slog.Warn(err.Error(),
				"type", string(err.Type),
				"operation", err.Op,
				"path", err.Path,
				"suggestion", err.Suggestion())
		}
	}

	fmt.Println()
	switch {
	case len(criticalErrors) > 0:
		slog.Error("⚠ Index completed with errors", "total_errors", len(criticalErrors))
	case len(warnings) > 0:
		slog.Warn("⚠ Index completed, some entries could not be read", "warnings", len(warnings))
	default:
		slog.Info("✓ Index completed successfully")
	}
}

const (
	// bucket bounds
	oneGiB     = 1 << 30
	hundredMiB = 100 << 20

	topExtensions = 5
)

// ExtensionStat is the share of one extension in the index
type ExtensionStat struct {
	Extension string // lower case, empty for files without extension
	Files     int
	Bytes     int64
}

// IndexStats summarizes the live files of a forest
type IndexStats struct {
	Roots            int
	Folders          int
	Files            int
	Bytes            int64
	RemovedFiles     int
	UniqueExtensions int

	TopExtensions []ExtensionStat // largest extensions by bytes
	OtherBytes    int64           // bytes of every extension outside the top

	// bytes per size bucket
	HugeBytes  int64 // above 1 GiB
	LargeBytes int64 // 100 MiB to 1 GiB
	SmallBytes int64 // below 100 MiB

	// from hashes already stored, nothing is hashed
	HashAvailable  bool
	HashedFiles    int
	DuplicateCount int
	WastedBytes    int64

	// filesystem holding the first root, zero when unknown
	DiskTotal uint64
	DiskFree  uint64
}

// ComputeStats walks forest and aggregates its statistics
func ComputeStats(forest *DirectoryNode) *IndexStats {
	st := &IndexStats{}
	if forest == nil {
		return st
	}
	st.Roots = len(forest.RootPaths())

	extBytes := make(map[string]*ExtensionStat)
	type dupKey struct {
		size int64
		hash string
	}
	groups := make(map[dupKey]int)

	forest.Walk(func(n *DirectoryNode) bool {
		if !n.IsVirtual() {
			st.Folders++
		}
		for _, f := range n.Files {
			if f.Removed {
				st.RemovedFiles++
				continue
			}
			st.Files++
			st.Bytes += f.SizeBytes

			switch {
			case f.SizeBytes > oneGiB:
				st.HugeBytes += f.SizeBytes
			case f.SizeBytes >= hundredMiB:
				st.LargeBytes += f.SizeBytes
			default:
				st.SmallBytes += f.SizeBytes
			}

			ext := strings.ToLower(f.Extension)
			es, ok := extBytes[ext]
			if !ok {
				es = &ExtensionStat{Extension: ext}
				extBytes[ext] = es
			}
			es.Files++
			es.Bytes += f.SizeBytes

			if f.HasHash() {
				st.HashedFiles++
				groups[dupKey{f.SizeBytes, f.ContentHash}]++
			}
		}
		return true
	})

	st.UniqueExtensions = len(extBytes)
	exts := make([]ExtensionStat, 0, len(extBytes))
	for _, es := range extBytes {
		exts = append(exts, *es)
	}
	sort.Slice(exts, func(i, j int) bool {
		if exts[i].Bytes != exts[j].Bytes {
			return exts[i].Bytes > exts[j].Bytes
		}
		return exts[i].Extension < exts[j].Extension
	})
	if len(exts) > topExtensions {
		for _, es := range exts[topExtensions:] {
			st.OtherBytes += es.Bytes
		}
		exts = exts[:topExtensions]
	}
	st.TopExtensions = exts

	st.HashAvailable = st.HashedFiles > 0
	for k, n := range groups {
		if n > 1 {
			st.DuplicateCount += n - 1
			st.WastedBytes += int64(n-1) * k.size
		}
	}

	if roots := forest.RootPaths(); len(roots) > 0 {
		total, free, err := diskUsage(roots[0])
		if err != nil {
			slog.Debug("disk usage unavailable", "path", roots[0], "error", err)
		} else {
			st.DiskTotal, st.DiskFree = total, free
		}
	}
	return st
}

// Print logs the statistics
func (st *IndexStats) Print() {
	slog.Info("=== Index Statistics ===")
	slog.Info("index",
		"roots", st.Roots,
		"folders", st.Folders,
		"files", st.Files,
		"size", FormatBytes(st.Bytes),
		"removed", st.RemovedFiles,
		"extensions", st.UniqueExtensions)

	for _, es := range st.TopExtensions {
		ext := es.Extension
		if ext == "" {
			ext = "(none)"
		}
		slog.Info("extension", "ext", ext, "files", es.Files, "size", FormatBytes(es.Bytes))
	}
	if st.OtherBytes > 0 {
		slog.Info("extension", "ext", "others", "size", FormatBytes(st.OtherBytes))
	}

	slog.Info("size buckets",
		"above_1GiB", FormatBytes(st.HugeBytes),
		"100MiB_to_1GiB", FormatBytes(st.LargeBytes),
		"below_100MiB", FormatBytes(st.SmallBytes))

	if st.HashAvailable {
		slog.Info("duplicates (stored hashes)",
			"hashed_files", st.HashedFiles,
			"duplicates", st.DuplicateCount,
			"wasted", FormatBytes(st.WastedBytes))
	} else {
		slog.Info("no hashes stored, run 'leitor scan --hash' to detect duplicates")
	}

	if st.DiskTotal > 0 {
		slog.Info("disk",
			"total", humanize.IBytes(st.DiskTotal),
			"free", humanize.IBytes(st.DiskFree))
	}
}
