// Package convert runs the background OLTP->OLAP pipeline: once a row
// SSTable has aged past its retention window, its records are rewritten
// into a columnar batch file and the source file is deleted after a
// grace period. A small JSON metadata file is the source of truth for
// batch state (pending/claimed/done/failed) so a crash mid-conversion
// never loses or double-converts a batch; a ticker-driven scheduler hands
// claimed batches off to a bounded worker pool.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/qaxcore/pkg/columnar"
	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/cuemby/qaxcore/pkg/sstable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval   = 60 * time.Second
	defaultMaxRetries = 3
	defaultZombie     = 10 * time.Minute
	defaultBatchFiles = 4
	defaultConcurrency = 4
)

// Status is a conversion batch's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Batch is one unit of conversion work: a set of source row SSTables
// belonging to one instrument; the sources may come from different
// manifest levels.
type Batch struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	Sources     []string  `json:"sources"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	ClaimedAt   time.Time `json:"claimed_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
}

// Config controls pacing and eligibility thresholds.
type Config struct {
	Interval           time.Duration
	MaxRetries         int
	ZombieTimeout      time.Duration
	BatchFiles         int // max_sstables_per_batch
	MinBatchFiles      int // min_sstables_per_batch
	Concurrency        int
	SourceAgeThreshold time.Duration
	SourceRetention    time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ZombieTimeout == 0 {
		c.ZombieTimeout = defaultZombie
	}
	if c.BatchFiles == 0 {
		c.BatchFiles = defaultBatchFiles
	}
	if c.MinBatchFiles == 0 {
		c.MinBatchFiles = 1
	}
	if c.MinBatchFiles > c.BatchFiles {
		c.MinBatchFiles = c.BatchFiles
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
}

// Scheduler owns the metadata store and drives the periodic conversion
// cycle for one instrument.
type Scheduler struct {
	instrument string
	dataDir    string
	columnDir  string
	manifest   *manifest.Manifest
	cfg        Config

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}

	metaPath string
	batches  map[string]*Batch
}

// New creates a Scheduler for one instrument.
func New(instrument, dataDir, columnDir string, mf *manifest.Manifest, cfg Config) (*Scheduler, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(columnDir, 0o755); err != nil {
		return nil, fmt.Errorf("convert: mkdir %s: %w", columnDir, err)
	}

	s := &Scheduler{
		instrument: instrument,
		dataDir:    dataDir,
		columnDir:  columnDir,
		manifest:   mf,
		cfg:        cfg,
		logger:     log.WithInstrument(instrument),
		stopCh:     make(chan struct{}),
		metaPath:   filepath.Join(dataDir, "convert_meta.json"),
		batches:    make(map[string]*Batch),
	}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) loadMeta() error {
	data, err := os.ReadFile(s.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("convert: read metadata: %w", err)
	}
	var batches []*Batch
	if err := json.Unmarshal(data, &batches); err != nil {
		return fmt.Errorf("convert: decode metadata: %w", err)
	}
	for _, b := range batches {
		s.batches[b.ID] = b
	}
	return nil
}

func (s *Scheduler) saveMetaLocked() error {
	list := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		list = append(list, b)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("convert: write metadata: %w", err)
	}
	return os.Rename(tmp, s.metaPath)
}

// Start begins the background scheduling loop.
func (s *Scheduler) Start() { go s.run() }

// Stop terminates the loop.
func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Msg("conversion scheduler started")
	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.logger.Error().Err(err).Msg("conversion cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("conversion scheduler stopped")
			return
		}
	}
}

// RunOnce reclaims zombie batches, discovers newly eligible source files,
// and drains claimed batches through a bounded worker pool.
func (s *Scheduler) RunOnce() error {
	s.reclaimZombies()
	s.discoverEligible()
	return s.drainClaimed()
}

// reclaimZombies resets batches claimed longer than ZombieTimeout ago
// back to pending, as if the worker that claimed them had crashed.
func (s *Scheduler) reclaimZombies() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	changed := false
	for _, b := range s.batches {
		if b.Status == StatusClaimed && now.Sub(b.ClaimedAt) > s.cfg.ZombieTimeout {
			s.logger.Warn().Str("batch", b.ID).Msg("reclaiming zombie conversion batch")
			b.Status = StatusPending
			changed = true
		}
	}
	if changed {
		_ = s.saveMetaLocked()
	}
}

// discoverEligible groups row SSTables old enough to convert into new
// pending batches, BatchFiles files at a time.
func (s *Scheduler) discoverEligible() {
	entries := s.manifest.Live(s.instrument)

	alreadyBatched := make(map[string]bool)
	s.mu.Lock()
	for _, b := range s.batches {
		if b.Status == StatusDone {
			continue
		}
		for _, src := range b.Sources {
			alreadyBatched[src] = true
		}
	}
	s.mu.Unlock()

	var eligible []manifest.Entry
	cutoff := time.Now().Add(-s.cfg.SourceAgeThreshold)
	for _, e := range entries {
		if alreadyBatched[e.Path] {
			continue
		}
		info, err := os.Stat(e.Path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			eligible = append(eligible, e)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Only cut a batch once at least MinBatchFiles eligible sources are
	// available: a trickle smaller than that is left to accumulate
	// across cycles rather than converting tiny, inefficient batches.
	for len(eligible) >= s.cfg.MinBatchFiles {
		n := s.cfg.BatchFiles
		if n > len(eligible) {
			n = len(eligible)
		}
		group := eligible[:n]
		eligible = eligible[n:]

		sources := make([]string, len(group))
		for i, e := range group {
			sources[i] = e.Path
		}
		id := fmt.Sprintf("%s-%020d", s.instrument, group[0].MinSequence)
		if _, exists := s.batches[id]; exists {
			continue
		}
		s.batches[id] = &Batch{ID: id, Instrument: s.instrument, Sources: sources, Status: StatusPending}
	}
	_ = s.saveMetaLocked()
}

// drainClaimed claims every pending batch and converts it through a
// bounded worker pool; a batch that fails goes back to pending and is
// attempted at most MaxRetries times in total before being marked failed
// and left for operator attention.
func (s *Scheduler) drainClaimed() error {
	s.mu.Lock()
	var toRun []*Batch
	for _, b := range s.batches {
		if b.Status == StatusPending {
			b.Status = StatusClaimed
			b.ClaimedAt = time.Now()
			toRun = append(toRun, b)
		}
	}
	_ = s.saveMetaLocked()
	s.mu.Unlock()

	if len(toRun) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, b := range toRun {
		b := b
		g.Go(func() error {
			s.processBatch(b)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) processBatch(b *Batch) {
	timer := metrics.NewTimer()
	err := s.convertBatch(b)
	timer.ObserveDuration(metrics.ConversionDuration)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		b.RetryCount++
		metrics.ConversionRetriesTotal.Inc()
		if b.RetryCount >= s.cfg.MaxRetries {
			b.Status = StatusFailed
			metrics.ConversionBatchesTotal.WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Str("batch", b.ID).Msg("conversion batch failed permanently")
		} else {
			b.Status = StatusPending
			s.logger.Warn().Err(err).Str("batch", b.ID).Int("retry", b.RetryCount).Msg("conversion batch failed, will retry")
		}
		_ = s.saveMetaLocked()
		return
	}

	b.Status = StatusDone
	b.CompletedAt = time.Now()
	metrics.ConversionBatchesTotal.WithLabelValues("success").Inc()
	_ = s.saveMetaLocked()

	go s.reclaimSourcesAfterRetention(b)
}

func (s *Scheduler) convertBatch(b *Batch) error {
	var records []*record.Record
	for _, path := range b.Sources {
		r, err := sstable.Open(path, s.instrument)
		if err != nil {
			return fmt.Errorf("convert: open %s: %w", path, err)
		}
		it := r.NewIterator()
		for it.Next() {
			archived, err := record.DecodeValidated(it.Value())
			if err != nil {
				r.Close()
				return fmt.Errorf("convert: decode record in %s: %w", path, err)
			}
			records = append(records, archived.ToRecord())
		}
		err = it.Err()
		r.Close()
		if err != nil {
			return fmt.Errorf("convert: iterate %s: %w", path, err)
		}
	}

	outPath := s.partitionedOutputPath(b, time.Now())
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("convert: mkdir partition dir: %w", err)
	}
	if _, err := columnar.WriteBatch(outPath, records); err != nil {
		return err
	}
	b.OutputPath = outPath
	return nil
}

// partitionedOutputPath lays a converted batch out as
// instrument/olap/date=YYYYMMDD/hour=HH/{instrument}_{HH}_{MM}_{batchID}.qcol, the
// Hive-style partitioning scheme analytical query engines expect so a
// date/hour predicate can prune whole directories before opening a file.
func (s *Scheduler) partitionedOutputPath(b *Batch, at time.Time) string {
	at = at.UTC()
	return filepath.Join(
		s.columnDir,
		s.instrument,
		"olap",
		fmt.Sprintf("date=%s", at.Format("20060102")),
		fmt.Sprintf("hour=%s", at.Format("15")),
		fmt.Sprintf("%s_%s_%s_%s.qcol", s.instrument, at.Format("15"), at.Format("04"), b.ID),
	)
}

// reclaimSourcesAfterRetention waits out SourceRetention then removes the
// source row SSTables and their manifest entries, giving any in-flight
// reader a grace window against the newly-converted columnar file.
func (s *Scheduler) reclaimSourcesAfterRetention(b *Batch) {
	if s.cfg.SourceRetention > 0 {
		time.Sleep(s.cfg.SourceRetention)
	}

	var toRemove []manifest.Entry
	for _, e := range s.manifest.Live(b.Instrument) {
		for _, src := range b.Sources {
			if e.Path == src {
				toRemove = append(toRemove, e)
			}
		}
	}
	if err := s.manifest.ReplaceAtomic(toRemove, nil); err != nil {
		s.logger.Error().Err(err).Str("batch", b.ID).Msg("failed to retire converted sources from manifest")
		return
	}
	for _, e := range toRemove {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", e.Path).Msg("failed to remove converted source file")
		}
	}
}

// Batches returns a snapshot of all known batches, for inspection/tests.
func (s *Scheduler) Batches() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	return out
}
