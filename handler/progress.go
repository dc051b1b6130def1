package handler

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/opencoff/go-fio/walk"
	"github.com/schollz/progressbar/v3"
)

// showProgress reports whether a progress bar may be drawn:
// - stdout is a terminal (not piped to a file)
// - log level is not debug (detailed logs take priority)
// - log format is not json (structured output)
func showProgress(logLevel, logFormat string) bool {
	return isatty.IsTerminal(os.Stdout.Fd()) &&
		strings.ToLower(logLevel) != "debug" &&
		strings.ToLower(logFormat) != "json"
}

// createProgressBar creates a progress bar if conditions are met.
// Returns nil if progress bar should not be displayed. A negative total
// draws a spinner.
func createProgressBar(total int, description string, logLevel string, logFormat string) *progressbar.ProgressBar {
	if !showProgress(logLevel, logFormat) {
		return nil
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(15),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetRenderBlankState(false),
	)
}

// countFiles pre-counts the regular files below root to size the scan
// progress bar. The count is an estimate: walk errors are only logged, and
// walk.Options.Excludes matches patterns with its own rules, not the
// doublestar rules the scanner applies, so excluded files may be counted.
func countFiles(root string, excludes []string) int {
	opt := walk.Options{
		FollowSymlinks: false,
		Type:           walk.FILE,
		Excludes:       excludes,
	}

	ch, ech := walk.Walk([]string{root}, opt)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range ech {
			slog.Debug("pre-count walk", "error", err)
		}
	}()

	n := 0
	for range ch {
		n++
	}
	wg.Wait()
	return n
}

// scanBar returns a bar sized for the files below root, or nil
func scanBar(root string, cfg *Config) *progressbar.ProgressBar {
	if !showProgress(cfg.LogLevel, cfg.LogFormat) {
		return nil
	}
	return createProgressBar(countFiles(root, cfg.Excludes), "Scanning", cfg.LogLevel, cfg.LogFormat)
}

// barAdder returns a func advancing bar by one, or nil when bar is nil
func barAdder(bar *progressbar.ProgressBar) func() {
	if bar == nil {
		return nil
	}
	return func() { _ = bar.Add(1) }
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
