// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-ingests dependency facts files as they change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
)

// ErrNotDirectory is returned when the watched path is not a directory.
var ErrNotDirectory = errors.New("watch path is not a directory")

// Ingester consumes one facts document. *depgraph.Analyzer satisfies it.
type Ingester interface {
	AnalyzeReader(ctx context.Context, r io.Reader) (*pipeline.BatchResult, error)
}

// BatchHook observes the outcome of ingesting one facts file.
type BatchHook func(path string, result *pipeline.BatchResult, err error)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more changes before ingesting.
	// Default: 200ms
	Debounce time.Duration

	// Patterns are doublestar globs, relative to the watched directory, that
	// select facts files. Default: **/*.json, **/*.jsonl
	Patterns []string

	// IgnoreDirs are directory base names never descended into.
	IgnoreDirs []string

	// BufferSize is the size of the change channel. Default: 1000
	BufferSize int

	Logger *slog.Logger
	Hook   BatchHook
}

// Option is a functional option for configuring a Watcher.
type Option func(*Options)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Debounce = d
		}
	}
}

// WithPatterns replaces the facts file globs.
func WithPatterns(patterns ...string) Option {
	return func(o *Options) {
		if len(patterns) > 0 {
			o.Patterns = patterns
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithHook registers a callback run after every ingested file.
func WithHook(hook BatchHook) Option {
	return func(o *Options) {
		o.Hook = hook
	}
}

func defaultOptions() Options {
	return Options{
		Debounce:   200 * time.Millisecond,
		Patterns:   []string{"**/*.json", "**/*.jsonl"},
		IgnoreDirs: []string{".git", "node_modules", ".depgraph"},
		BufferSize: 1000,
		Logger:     slog.Default(),
	}
}

// Watcher watches a directory of facts files and feeds changed files to an
// Ingester after a debounce window.
//
// Thread Safety: Safe for concurrent use. Ingestion runs on a single
// goroutine, so files are ingested one at a time in the order they settled.
type Watcher struct {
	dir      string
	ingester Ingester
	opts     Options
	fsw      *fsnotify.Watcher

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
}

// New creates a watcher for dir.
//
// Inputs:
//
//	dir - Directory holding facts files. Watched recursively.
//	ingester - Receives each changed file.
//	opts - Functional options.
//
// Outputs:
//
//	*Watcher - Call Start to begin watching and Stop to release it.
//	error - ErrNotDirectory, or an fsnotify setup error.
func New(dir string, ingester Ingester, opts ...Option) (*Watcher, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	for _, p := range o.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid facts pattern %q", p)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      abs,
		ingester: ingester,
		opts:     o,
		fsw:      fsw,
		changes:  make(chan string, o.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Sync ingests every facts file already present, in path order.
//
// Outputs:
//
//	int - Number of files ingested without error.
//	error - Non-nil only if the directory walk fails or ctx is cancelled.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	var paths []string
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.dir && w.ignoredDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matches(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", w.dir, err)
	}
	sort.Strings(paths)

	ok := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		if w.ingest(ctx, p) == nil {
			ok++
		}
	}
	return ok, nil
}

// Start begins watching. It returns immediately; changes are ingested in
// the background until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.dir); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.opts.Logger.Info("watching facts directory",
		slog.String("dir", w.dir),
		slog.Any("patterns", w.opts.Patterns),
		slog.Duration("debounce", w.opts.Debounce),
	)
	return nil
}

// Stop stops watching and waits for in-flight ingestion to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true between Start and Stop.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.dir && w.ignoredDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignoredDir(path string) bool {
	base := filepath.Base(path)
	for _, name := range w.opts.IgnoreDirs {
		if base == name {
			return true
		}
	}
	return false
}

// matches reports whether path is a facts file.
func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range w.opts.Patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.ignoredDir(event.Name) {
						if err := w.addRecursive(event.Name); err != nil {
							w.opts.Logger.Warn("watch new directory failed",
								slog.String("dir", event.Name),
								slog.String("error", err.Error()),
							)
						}
					}
					continue
				}
			}
			// Removals leave the graph as is; facts only ever add knowledge.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.opts.Logger.Warn("change buffer full, dropping event", slog.String("file", event.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var pending []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for _, p := range dedupe(pending) {
			if ctx.Err() != nil {
				break
			}
			_ = w.ingest(ctx, p)
		}
		pending = pending[:0]
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case p := <-w.changes:
			pending = append(pending, p)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the first occurrence of each path.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (w *Watcher) ingest(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.opts.Logger.Warn("open facts file failed",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
		}
		w.notify(path, nil, err)
		return err
	}
	defer f.Close()

	start := time.Now()
	result, err := w.ingester.AnalyzeReader(ctx, f)
	if err != nil {
		w.opts.Logger.Warn("facts ingestion failed",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
		w.notify(path, nil, err)
		return err
	}
	w.opts.Logger.Info("facts ingested",
		slog.String("file", path),
		slog.String("run_id", result.RunID),
		slog.Int("files", len(result.Results)),
		slog.Int("failed", len(result.FileErrors)),
		slog.Int("edges_created", result.EdgesCreated),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	w.notify(path, result, nil)
	return nil
}

func (w *Watcher) notify(path string, result *pipeline.BatchResult, err error) {
	if w.opts.Hook != nil {
		w.opts.Hook(path, result, err)
	}
}
