package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Gu1lherme09/Projeto-Leitor/handler"
	"github.com/urfave/cli/v2"
)

var (
	// version will be set via ldflags during build (-X main.version=X.Y.Z)
	version = "dev"

	// buildTime will be set via ldflags during build (-X main.buildTime=...)
	buildTime = ""

	// cache -cache : location of the index document
	cachePath string

	// config -config : optional YAML configuration file
	configPath string

	// workers -workers : hashing goroutines
	workers int

	// hash -hash-algo : content hash algorithm
	hashAlgo string

	// mmap -mmap : read files through mmap when hashing
	useMmap = false

	header, _ = base64.StdEncoding.DecodeString("Ll9fICAgICAgICAgLl9fICBfXwp8ICB8ICAgX19fXyB8X198LyAgfF8gIF9fX19fX19fX19fCnwgIHwgXy8gX18gXHwgIFwgICBfX1wvICBfIFxfICBfXyBcCnwgIHxfXCAgX19fL3wgIHx8ICB8ICggIDxfPiApICB8IFwvCnxfX19fL1xfX18gID5fX3x8X198ICBcX19fXy98X198CiAgICAgICAgICBcLw==")
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	// Application metadata
	appName        = "leitor"
	appUsage       = "incremental directory index with duplicate detection"
	authorName     = "Guilherme"
	copyrightOwner = "Gu1lherme09"

	// Command names
	cmdScan   = "scan"
	cmdDupes  = "dupes"
	cmdSearch = "search"
	cmdStats  = "stats"
	cmdReset  = "reset"

	// Flag names
	flagCache     = "cache"
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagWorkers   = "workers"
	flagHashAlgo  = "hash-algo"
	flagMmap      = "mmap"
	flagMinSize   = "min-size"
	flagRefresh   = "refresh-older-than"
)

// setupLogger initializes the slog logger with the specified level and format
func setupLogger(logLevel, logFormat string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}

// getBuildInfo returns version information from build metadata
func getBuildInfo() (string, string, string, string) {
	localBuildTime := buildTime
	if localBuildTime == "" {
		localBuildTime = time.Now().Format(time.RFC3339)
	}
	commitTime := ""
	gitHash := "unknown"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, localBuildTime, commitTime, gitHash
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if len(setting.Value) > 7 {
				gitHash = setting.Value[:7]
			} else {
				gitHash = setting.Value
			}
		case "vcs.time":
			commitTime = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				gitHash += "-dirty"
			}
		}
	}

	return version, localBuildTime, commitTime, gitHash
}

func versionString() string {
	version, localBuildTime, commitTime, gitHash := getBuildInfo()

	buildTimeObj, err := time.Parse(time.RFC3339, localBuildTime)
	if err != nil {
		buildTimeObj, err = time.Parse("2006-01-02 15:04:05 MST", localBuildTime)
		if err != nil {
			buildTimeObj = time.Now()
		}
	}

	versionStr := version + ", built on " + buildTimeObj.Format("2006-01-02 15:04:05 -0700 MST") +
		", git hash " + gitHash
	if commitTime != "" {
		if commitTimeObj, err := time.Parse(time.RFC3339, commitTime); err == nil {
			versionStr += " (commit: " + commitTimeObj.Format("2006-01-02 15:04:05") + ")"
		}
	}
	return versionStr
}

// loadConfig builds the configuration: defaults, then the config file,
// then the flags given on the command line
func loadConfig(c *cli.Context) (*handler.Config, error) {
	cfg := handler.DefaultConfig()

	if configPath != "" {
		if err := handler.LoadConfigFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	if c.IsSet(flagCache) {
		cfg.CachePath = cachePath
	}
	if c.IsSet(flagWorkers) {
		cfg.Workers = workers
	}
	if c.IsSet(flagHashAlgo) {
		cfg.HashAlgorithm = strings.ToLower(hashAlgo)
	}
	if c.IsSet(flagMmap) {
		cfg.UseMmap = useMmap
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFormat) {
		cfg.LogFormat = c.String(flagLogFormat)
	}
	if c.Command != nil && c.Command.Name == cmdDupes && c.IsSet(flagMinSize) {
		n, err := handler.ParseSize(c.String(flagMinSize))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s value %q: %w", flagMinSize, c.String(flagMinSize), err)
		}
		cfg.MinDuplicateSize = n
	}
	if c.IsSet(flagRefresh) {
		cfg.RefreshOlderThan = c.Duration(flagRefresh)
	}
	return cfg, nil
}

// prepare loads the configuration, sets up logging and creates the indexer
func prepare(c *cli.Context) (*handler.Config, *handler.Indexer, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		setupLogger(defaultLogLevel, defaultLogFormat)
		return nil, nil, err
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if strings.ToLower(cfg.LogFormat) != "json" {
		fmt.Println(string(header))
	}

	ix, err := handler.NewIndexer(cfg)
	if err != nil {
		return nil, nil, err
	}

	slog.Debug("configuration",
		"cache", cfg.CachePath,
		"hash_algorithm", cfg.HashAlgorithm,
		"workers", cfg.Workers,
		"mmap", cfg.UseMmap,
		"excludes", cfg.Excludes,
		"min_duplicate_size", cfg.MinDuplicateSize,
		"verify", cfg.VerifyBytes,
		"refresh_older_than", cfg.RefreshOlderThan)
	return cfg, ix, nil
}

// optionalPath returns the single optional PATH argument
func optionalPath(c *cli.Context) (string, error) {
	switch c.NArg() {
	case 0:
		return "", nil
	case 1:
		return c.Args().Get(0), nil
	default:
		return "", fmt.Errorf("wrong count of argument %d, at most one path is expected", c.NArg())
	}
}

// scope returns the folder of doc matching path, or the whole forest
func scope(doc *handler.CacheDocument, path string) *handler.DirectoryNode {
	if path == "" {
		return doc.Forest
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return doc.Forest
	}
	if n := doc.Forest.FindByPath(abs); n != nil {
		return n
	}
	return doc.Forest
}

func scanAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("wrong count of argument %d, a unique path is required", c.NArg())
	}

	cfg, ix, err := prepare(c)
	if err != nil {
		return err
	}
	cfg.Excludes = append(cfg.Excludes, c.StringSlice("exclude")...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	result, err := ix.Index(c.Context, handler.ScanRequest{
		TargetPath:  c.Args().Get(0),
		ComputeHash: c.Bool("hash"),
	})
	if err != nil {
		return err
	}

	if result.Duplicates != nil && len(result.Duplicates.Groups) > 0 {
		result.Duplicates.Print()
	}
	result.PrintSummary()
	return nil
}

func dupesAction(c *cli.Context) error {
	path, err := optionalPath(c)
	if err != nil {
		return err
	}
	cfg, ix, err := prepare(c)
	if err != nil {
		return err
	}
	cfg.VerifyBytes = cfg.VerifyBytes || c.Bool("verify")

	doc, err := ix.Open(c.Context, path)
	if err != nil {
		return err
	}
	report, err := ix.Duplicates(c.Context, doc)
	if err != nil {
		return err
	}
	report.Print()
	return nil
}

func searchAction(c *cli.Context) error {
	path, err := optionalPath(c)
	if err != nil {
		return err
	}
	_, ix, err := prepare(c)
	if err != nil {
		return err
	}

	doc, err := ix.Open(c.Context, path)
	if err != nil {
		return err
	}
	root := scope(doc, path)

	if term := c.String("folder"); c.IsSet("folder") {
		hits := handler.NewSearcher(root, nil).SearchFolders(term)
		for _, h := range hits {
			slog.Info("folder", "name", h.Name, "path", h.Path, "size", handler.FormatBytes(h.TotalSize))
		}
		slog.Info("search finished", "folders", len(hits))
		return nil
	}

	q := handler.Query{
		Name:      c.String("name"),
		Extension: c.String("ext"),
		MinSize:   c.String(flagMinSize),
		MaxSize:   c.String("max-size"),
		Hash:      c.String("hash"),
	}
	hits, err := ix.Search(doc, root, q, c.Bool("include-removed"))
	if err != nil {
		return err
	}

	var total int64
	for _, h := range hits {
		total += h.Record.SizeBytes
		attrs := []any{"path", h.Record.FullPath, "size", handler.FormatBytes(h.Record.SizeBytes)}
		if h.Record.HasHash() {
			attrs = append(attrs, "hash", h.Record.ContentHash)
		}
		if h.Record.Removed {
			attrs = append(attrs, "removed", true)
		}
		slog.Info("file", attrs...)
	}
	slog.Info("search finished", "files", len(hits), "size", handler.FormatBytes(total))
	return nil
}

func statsAction(c *cli.Context) error {
	path, err := optionalPath(c)
	if err != nil {
		return err
	}
	_, ix, err := prepare(c)
	if err != nil {
		return err
	}

	doc, err := ix.Open(c.Context, path)
	if err != nil {
		return err
	}

	slog.Info("cache",
		"written", handler.FormatTimestamp(doc.Timestamp),
		"age", doc.Age(time.Now()).Truncate(time.Minute).String(),
		"hash_algorithm", doc.HashAlgorithm,
		"hash_computed", doc.HashComputed,
		"scanned_paths", strings.Join(doc.ScannedPaths, ", "))
	handler.ComputeStats(doc.Forest).Print()
	return nil
}

func resetAction(c *cli.Context) error {
	if c.NArg() != 0 {
		return fmt.Errorf("reset takes no argument")
	}
	_, ix, err := prepare(c)
	if err != nil {
		return err
	}
	if err := ix.Reset(); err != nil {
		return err
	}
	slog.Info("✓ Index deleted")
	return nil
}

func newApp() *cli.App {
	// customize version flag
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
	}

	minSizeFlag := &cli.StringFlag{
		Name:  flagMinSize,
		Usage: "Ignore files smaller than this (e.g. '30mb', '1.5 GiB')",
	}

	app := &cli.App{
		Name:    appName,
		Usage:   appUsage,
		Version: versionString(),
		Authors: []*cli.Author{
			{Name: authorName},
		},
		Copyright: copyrightOwner + " " + strconv.Itoa(time.Now().Year()),
		Commands: []*cli.Command{
			{
				Name:      cmdScan,
				Usage:     "Scan a directory and merge it into the index",
				ArgsUsage: "PATH",
				Description: `Scan PATH and merge it into the cached index.
   Scanning a folder inside an indexed root refreshes that part only;
   scanning a parent of indexed roots absorbs them. Hashes of unchanged
   files (same size and modification time) are kept.

   Examples:
      leitor scan ~/Pictures
      leitor scan ~/Pictures --hash
      leitor scan /data --exclude "**/.git" --exclude "*.tmp"`,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "hash",
						Usage: "Hash new and changed files, then report duplicates",
					},
					&cli.StringSliceFlag{
						Name:    "exclude",
						Aliases: []string{"e"},
						Usage:   "Skip entries matching a glob pattern (repeatable, '**' supported)",
					},
				},
				Action: scanAction,
			},
			{
				Name:      cmdDupes,
				Usage:     "Report duplicate files of the index",
				ArgsUsage: "[PATH]",
				Description: `Group indexed files by size, then by content hash.
   Only files sharing a size with another file are hashed; computed hashes
   are saved. When PATH is given and missing from the index (or older than
   --refresh-older-than), PATH is scanned first.`,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "verify",
						Usage: "Confirm each group byte by byte",
					},
					minSizeFlag,
					&cli.DurationFlag{
						Name:  flagRefresh,
						Usage: "Rescan PATH when the index is older than this (0 disables)",
					},
				},
				Action: dupesAction,
			},
			{
				Name:      cmdSearch,
				Usage:     "Search folders or files of the index",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "File name contains (case-insensitive)"},
					&cli.StringFlag{Name: "ext", Usage: "Extension, with or without the leading dot"},
					&cli.StringFlag{Name: "folder", Usage: "Search folders whose name contains this instead of files"},
					minSizeFlag,
					&cli.StringFlag{Name: "max-size", Usage: "Largest size (e.g. '2gb')"},
					&cli.StringFlag{Name: "hash", Usage: "Content hash contains (missing hashes are computed)"},
					&cli.BoolFlag{Name: "include-removed", Usage: "Include files no longer on disk"},
					&cli.DurationFlag{
						Name:  flagRefresh,
						Usage: "Rescan PATH when the index is older than this (0 disables)",
					},
				},
				Action: searchAction,
			},
			{
				Name:      cmdStats,
				Usage:     "Show index statistics",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagRefresh,
						Usage: "Rescan PATH when the index is older than this (0 disables)",
					},
				},
				Action: statsAction,
			},
			{
				Name:   cmdReset,
				Usage:  "Delete the index",
				Action: resetAction,
			},
		},
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        flagCache,
			Aliases:     []string{"c"},
			Value:       handler.DefaultCachePath(),
			Destination: &cachePath,
			Usage:       "Location of the index document",
		},
		&cli.StringFlag{
			Name:        flagConfig,
			Destination: &configPath,
			Usage:       "YAML configuration file (flags take precedence)",
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Aliases: []string{"l"},
			Value:   defaultLogLevel,
			Usage:   "Set log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:    flagLogFormat,
			Aliases: []string{"lf"},
			Value:   defaultLogFormat,
			Usage:   "Set log format (text, json)",
		},
		&cli.IntFlag{
			Name:        flagWorkers,
			Aliases:     []string{"w"},
			Value:       handler.DefaultConfig().Workers,
			Destination: &workers,
			Usage:       "Number of files hashed in parallel",
		},
		&cli.StringFlag{
			Name:        flagHashAlgo,
			Value:       handler.DefaultHashAlgorithm,
			Destination: &hashAlgo,
			Usage:       "Content hash (" + strings.Join(handler.HashAlgorithms(), ", ") + ")",
		},
		&cli.BoolFlag{
			Name:        flagMmap,
			Destination: &useMmap,
			Usage:       "Read files through mmap when hashing",
		},
	}

	return app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().RunContext(ctx, os.Args)
	if err != nil {
		var ie *handler.IndexError
		if errors.As(err, &ie) {
			slog.Error("runtime error", "error", err, "suggestion", ie.Suggestion())
		} else {
			slog.Error("runtime error", "error", err)
		}
		stop()
		os.Exit(1)
	}
}
