// Package scan implements the bulk filesystem sweep: every entry under
// the filesystem root is pushed through the pipeline, and entries that
// were not seen again are removed at the end of the sweep.
//
// The scan strategy is "observe everything, then reap": the walk stamps
// each entry's md_update through the pipeline, and the end-of-sweep
// cleanup removes rows whose stamp predates the scan start.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/pipeline"
	"github.com/jra3/fspolicy/internal/types"
)

// Scanner drives periodic full sweeps of the filesystem.
type Scanner struct {
	fsRoot   string
	store    *catalog.Store
	pipe     *pipeline.Pipeline
	names    *fsaccess.NameResolver
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.RWMutex
	running  bool
	lastScan time.Time
}

// Config holds configuration for the scanner
type Config struct {
	// Interval between sweeps (default: 6 hours)
	Interval time.Duration
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{Interval: 6 * time.Hour}
}

// NewScanner creates a new scanner
func NewScanner(fsRoot string, store *catalog.Store, pipe *pipeline.Pipeline,
	names *fsaccess.NameResolver, cfg Config) *Scanner {
	if cfg.Interval == 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Scanner{
		fsRoot:   fsRoot,
		store:    store,
		pipe:     pipe,
		names:    names,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan process
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop gracefully stops the scanner
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Running returns whether the scanner is currently active
func (s *Scanner) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastScan returns the time of the last completed sweep
func (s *Scanner) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}

func (s *Scanner) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	// Initial sweep
	if err := s.ScanNow(ctx); err != nil {
		log.Printf("[scan] initial sweep failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.ScanNow(ctx); err != nil {
				log.Printf("[scan] sweep failed: %v", err)
			}
		}
	}
}

// ScanNow performs one full sweep: walk, drain, reap, summarize.
func (s *Scanner) ScanNow(ctx context.Context) error {
	start := time.Now()
	var entries, errors int
	var totalSize uint64

	// Directory ids seen so far; WalkDir always visits a parent before
	// its children.
	parentIDs := map[string]types.EntryID{}

	err := filepath.WalkDir(s.fsRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			log.Printf("[scan] %s: %v", path, walkErr)
			errors++
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return fmt.Errorf("scan interrupted")
		default:
		}

		id, attrs, err := fsaccess.Lstat(path, s.names)
		if err != nil {
			// Entries may vanish mid-walk.
			errors++
			return nil
		}
		attrs.FullPath = types.Ptr(path)
		attrs.Name = types.Ptr(filepath.Base(path))
		if parent, ok := parentIDs[filepath.Dir(path)]; ok {
			attrs.ParentID = &parent
		}
		if d.IsDir() {
			parentIDs[path] = id
		}
		if attrs.Size != nil {
			totalSize += uint64(*attrs.Size)
		}
		entries++

		return s.pipe.Push(ctx, pipeline.NewScanOp(id, path, attrs))
	})
	if err != nil {
		return fmt.Errorf("sweep of %s: %w", s.fsRoot, err)
	}

	// Let every observation land before reaping unseen entries.
	s.pipe.Wait()
	if err := s.pipe.PushEndOfScan(ctx, start); err != nil {
		return err
	}
	s.pipe.Wait()

	if s.store != nil {
		if err := s.store.SetVar(ctx, "LastScan",
			strconv.FormatInt(start.Unix(), 10)); err != nil {
			log.Printf("[scan] recording scan time failed: %v", err)
		}
		if n, err := s.store.CheckStripeConsistency(ctx); err != nil {
			log.Printf("[scan] stripe consistency check failed: %v", err)
		} else if n > 0 {
			log.Printf("[scan] %d stripe inconsistencies (tolerated)", n)
		}
	}

	s.mu.Lock()
	s.lastScan = time.Now()
	s.mu.Unlock()

	stats := s.pipe.Stats()
	log.Printf("[scan] sweep done: entries=%d size=%s errors=%d removed=%d duration=%s",
		entries, humanize.Bytes(totalSize), errors, stats.Removed,
		time.Since(start).Round(time.Millisecond))
	return nil
}
