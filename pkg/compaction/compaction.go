// Package compaction runs the levelled merge that keeps the number of
// SSTables searched per read bounded: L0 files (overlapping, flush order)
// are merged into L1 once their count crosses a trigger, and each
// subsequent level is merged upward once it holds LevelSizeRatio files.
// The trigger counts files only; the byte size of a level is not
// considered.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/cuemby/qaxcore/pkg/sstable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// L0TriggerFiles is the number of level-0 files that triggers a
	// merge into level 1. L0 files may have overlapping key ranges
	// (they are flushed straight from memtables), so L0 compaction is
	// always a full merge of all current L0 files.
	L0TriggerFiles = 4

	// LevelSizeRatio is the number of files at which any level from 1
	// upward is merged into the next level. It is the same flat count at
	// every level; level byte sizes are not tracked.
	LevelSizeRatio = 10

	defaultInterval = 30 * time.Second
)

// Compactor periodically checks one instrument's manifest for levels over
// their trigger and merges them, using a ticker/stopCh run loop.
type Compactor struct {
	instrument string
	dataDir    string
	manifest   *manifest.Manifest
	interval   time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a Compactor for one instrument's data directory.
func New(instrument, dataDir string, mf *manifest.Manifest) *Compactor {
	return &Compactor{
		instrument: instrument,
		dataDir:    dataDir,
		manifest:   mf,
		interval:   defaultInterval,
		logger:     log.WithInstrument(instrument),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background compaction loop.
func (c *Compactor) Start() { go c.run() }

// Stop terminates the background loop.
func (c *Compactor) Stop() { close(c.stopCh) }

func (c *Compactor) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Msg("compactor started")
	for {
		select {
		case <-ticker.C:
			if err := c.RunOnce(); err != nil {
				c.logger.Error().Err(err).Msg("compaction cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("compactor stopped")
			return
		}
	}
}

// RunOnce checks every level for a compaction trigger and, for any level
// found over trigger, merges that level's own files into one new file at
// the next level (files already at the next level are not part of the
// merge) in its own goroutine via errgroup so independent instruments (each with their own
// Compactor) never block one another and neither do independent levels
// within the same cycle.
func (c *Compactor) RunOnce() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.manifest.Live(c.instrument)
	levels := make(map[int][]manifest.Entry)
	maxLevel := 0
	for _, e := range entries {
		levels[e.Level] = append(levels[e.Level], e)
		if e.Level > maxLevel {
			maxLevel = e.Level
		}
	}

	var g errgroup.Group
	for level := 0; level <= maxLevel; level++ {
		level := level
		if !overTrigger(level, levels[level]) {
			continue
		}
		g.Go(func() error {
			return c.compactLevel(level, levels[level])
		})
	}
	return g.Wait()
}

func overTrigger(level int, files []manifest.Entry) bool {
	if level == 0 {
		return len(files) >= L0TriggerFiles
	}
	return len(files) >= LevelSizeRatio
}

// compactLevel merges all of a level's files (newest-wins on duplicate
// keys) into a single new file one level up, then atomically swaps the
// manifest and removes the source files. Records have no tombstone form,
// so nothing is dropped as deleted; only entries whose value fails to
// decode are left out of the output.
func (c *Compactor) compactLevel(level int, files []manifest.Entry) error {
	timer := metrics.NewTimer()
	outcome := "success"
	defer func() {
		timer.ObserveDurationVec(metrics.CompactionDuration, fmt.Sprintf("%d", level))
		metrics.CompactionsTotal.WithLabelValues(fmt.Sprintf("%d", level), outcome).Inc()
	}()

	readers := make([]*sstable.Reader, 0, len(files))
	for _, f := range files {
		r, err := sstable.Open(f.Path, c.instrument)
		if err != nil {
			outcome = "error"
			return fmt.Errorf("compaction: open %s: %w", f.Path, err)
		}
		readers = append(readers, r)
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	merged := mergeNewestWins(readers, files)

	outPath := filepath.Join(c.dataDir, fmt.Sprintf("sst_%d_%020d.sst", level+1, files[0].MinSequence))
	builder, err := sstable.NewBuilder(outPath, level+1, len(merged))
	if err != nil {
		outcome = "error"
		return err
	}

	for _, kv := range merged {
		if err := builder.Add(kv.key, kv.value, kv.sequence); err != nil {
			outcome = "error"
			builder.Abort()
			return err
		}
	}

	if builder.Count() == 0 {
		outcome = "empty"
		if err := builder.Abort(); err != nil {
			return err
		}
		return c.retireSources(files, nil)
	}

	if err := builder.Finish(); err != nil {
		outcome = "error"
		return err
	}

	minSeq, maxSeq := merged[0].sequence, merged[0].sequence
	for _, kv := range merged {
		if kv.sequence < minSeq {
			minSeq = kv.sequence
		}
		if kv.sequence > maxSeq {
			maxSeq = kv.sequence
		}
	}

	newEntry := manifest.Entry{
		Path:        outPath,
		Instrument:  c.instrument,
		Level:       level + 1,
		MinSequence: minSeq,
		MaxSequence: maxSeq,
	}
	return c.retireSources(files, &newEntry)
}

func (c *Compactor) retireSources(sources []manifest.Entry, replacement *manifest.Entry) error {
	var add []manifest.Entry
	if replacement != nil {
		add = []manifest.Entry{*replacement}
	}
	if err := c.manifest.ReplaceAtomic(sources, add); err != nil {
		return fmt.Errorf("compaction: manifest swap: %w", err)
	}
	for _, f := range sources {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("file", f.Path).Msg("failed to remove compacted source file")
		}
	}
	metrics.SSTableFilesTotal.WithLabelValues(c.instrument, fmt.Sprintf("%d", sources[0].Level)).Sub(float64(len(sources)))
	if replacement != nil {
		metrics.SSTableFilesTotal.WithLabelValues(c.instrument, fmt.Sprintf("%d", replacement.Level)).Inc()
	}
	return nil
}

type keyValue struct {
	key      []byte
	value    []byte
	sequence uint64
}
