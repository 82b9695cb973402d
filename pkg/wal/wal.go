// Package wal implements the per-instrument write-ahead log: durable
// append with group commit, ordered replay, and checkpoint-driven
// truncation of fully-checkpointed files.
//
// The hot append path runs on the caller's goroutine; its only suspension
// point is the filesystem sync, so nothing else on the write path blocks.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/rs/zerolog"
)

const (
	magic             = "QAXWAL01"
	headerLen         = 128
	fileVersion       = 1
	DefaultMaxFileSize = 1 << 30 // ~1GB
)

// ErrCorruptFrame signals a CRC mismatch or malformed frame. During replay
// this is treated as the expected torn-tail shape, not a hard error.
var ErrCorruptFrame = errors.New("wal: corrupt frame")

// ErrMissingFiles is a fatal recovery error: the WAL tail between the
// checkpoint and the live files is not contiguous.
var ErrMissingFiles = errors.New("wal: missing files between checkpoint and tail")

type fileInfo struct {
	path       string
	startSeq   uint64
}

// WAL is the single writer for one instrument's durable event stream.
// Readers (recovery only) use independent file handles; WAL itself is not
// safe for concurrent writers, matching "WAL file handles are exclusive to
// the single writer per instrument."
type WAL struct {
	mu sync.Mutex

	dir         string
	instrument  string
	maxFileSize int64
	logger      zerolog.Logger

	files        []fileInfo // ascending by startSeq, includes current
	current      *os.File
	currentStart uint64
	currentSize  int64
	lastSequence uint64
}

// Open scans dir for existing WAL files belonging to instrument and opens
// (or creates) the current file for append. Callers that recover from a
// checkpoint should call SetNextSequence afterwards once replay of the
// tail determines the true next sequence.
func Open(dir, instrument string, maxFileSize int64) (*WAL, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	w := &WAL{
		dir:         dir,
		instrument:  instrument,
		maxFileSize: maxFileSize,
		logger:      log.WithInstrument(instrument),
	}

	existing, err := listWALFiles(dir)
	if err != nil {
		return nil, err
	}
	w.files = existing

	if len(existing) == 0 {
		if err := w.rollLocked(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := existing[len(existing)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", last.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.current = f
	w.currentStart = last.startSeq
	w.currentSize = info.Size()

	// Recover lastSequence by scanning this file's frames; a torn tail here
	// is tolerated the same way replay tolerates it.
	maxSeq, err := scanMaxSequence(last.path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if maxSeq > 0 {
		w.lastSequence = maxSeq
	} else if last.startSeq > 0 {
		w.lastSequence = last.startSeq - 1
	}

	return w, nil
}

func listWALFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var seq uint64
		if _, err := fmt.Sscanf(e.Name(), "wal_%020d.log", &seq); err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, e.Name()), startSeq: seq})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].startSeq < files[j].startSeq })
	return files, nil
}

func fileName(dir string, startSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal_%020d.log", startSeq))
}

// rollLocked closes the current file (if any) and opens a fresh one
// starting at startSeq. Caller must hold w.mu.
func (w *WAL) rollLocked(startSeq uint64) error {
	if w.current != nil {
		if err := w.current.Close(); err != nil {
			return fmt.Errorf("wal: close %s: %w", w.current.Name(), err)
		}
	}

	path := fileName(w.dir, startSeq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create %s: %w", path, err)
	}

	hdr := make([]byte, headerLen)
	copy(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], fileVersion)
	binary.LittleEndian.PutUint64(hdr[12:20], startSeq)
	binary.LittleEndian.PutUint64(hdr[20:28], uint64(time.Now().UnixNano()))

	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: sync header: %w", err)
	}

	w.current = f
	w.currentStart = startSeq
	w.currentSize = int64(headerLen)
	w.files = append(w.files, fileInfo{path: path, startSeq: startSeq})
	metrics.WALFilesTotal.WithLabelValues(w.instrument).Set(float64(len(w.files)))
	w.logger.Info().Uint64("start_sequence", startSeq).Msg("wal rolled")
	return nil
}

// Append assigns the next sequence, frames the record, and ensures
// durability before returning. An I/O error here is fatal to the caller:
// the record must not be acknowledged.
func (w *WAL) Append(r *record.Record) (uint64, error) {
	seqs, err := w.AppendBatch([]*record.Record{r})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch appends records as one atomic group: a single sync covers
// the whole batch. All succeed or, on a write/sync error, none are
// observable after recovery (the partially written tail is torn and
// discarded by replay).
func (w *WAL) AppendBatch(records []*record.Record) ([]uint64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	timer := metrics.NewTimer()
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs := make([]uint64, len(records))
	var batch []byte
	now := time.Now().UnixNano()
	scratch := make([]byte, 0, 256)

	for i, r := range records {
		seq := w.lastSequence + uint64(i) + 1
		r.Sequence = seq
		payload := record.Encode(r, scratch)
		entry := encodeEntry(seq, now, payload)

		frame := make([]byte, 4+len(entry))
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(entry)))
		copy(frame[4:], entry)
		batch = append(batch, frame...)
		seqs[i] = seq
	}

	if w.currentSize+int64(len(batch)) > w.maxFileSize {
		if err := w.rollLocked(w.lastSequence + 1); err != nil {
			return nil, err
		}
	}

	n, err := w.current.Write(batch)
	if err != nil {
		return nil, fmt.Errorf("wal: write: %w", err)
	}
	if err := w.current.Sync(); err != nil {
		return nil, fmt.Errorf("wal: sync: %w", err)
	}

	w.currentSize += int64(n)
	w.lastSequence = seqs[len(seqs)-1]

	metrics.WALBytesWritten.WithLabelValues(w.instrument).Add(float64(n))
	timer.ObserveDurationVec(metrics.WALAppendDuration, w.instrument)

	return seqs, nil
}

// SetNextSequence fast-forwards the sequence counter, used by the recovery
// coordinator once it has replayed the tail and knows the true cursor.
func (w *WAL) SetNextSequence(next uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if next > 0 {
		w.lastSequence = next - 1
	}
}

// Replay scans live WAL files in order and invokes fn for every entry with
// sequence > fromSequence, after verifying its CRC. It stops at the first
// torn or mismatched frame — that is the expected shape of a crash tail,
// not an error — and also stops cleanly at end of file.
func (w *WAL) Replay(fromSequence uint64, fn func(*record.Record) error) error {
	w.mu.Lock()
	files := make([]fileInfo, len(w.files))
	copy(files, w.files)
	w.mu.Unlock()

	for _, fi := range files {
		if err := replayFile(fi.path, fromSequence, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, fromSequence uint64, fn func(*record.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s for replay: %w", path, err)
	}
	defer f.Close()

	hdr := make([]byte, headerLen)
	if n, err := f.Read(hdr); err != nil || n < headerLen || string(hdr[0:8]) != magic {
		// A header this badly torn means the file itself never
		// completed creation; nothing to replay.
		return nil
	}

	for {
		lenBuf := make([]byte, 4)
		n, err := f.Read(lenBuf)
		if err != nil || n < 4 {
			return nil // clean EOF or torn length prefix: stop here
		}
		entryLen := binary.LittleEndian.Uint32(lenBuf)
		if entryLen == 0 || entryLen > 64<<20 {
			return nil // implausible length: torn tail
		}

		entryBuf := make([]byte, entryLen)
		if n, err := f.Read(entryBuf); err != nil || uint32(n) < entryLen {
			return nil // torn entry body
		}

		seq, _, payload, err := decodeEntry(entryBuf)
		if err != nil {
			return nil // CRC mismatch: torn tail, stop (not an error)
		}

		if seq <= fromSequence {
			continue
		}

		archived, err := record.DecodeValidated(payload)
		if err != nil {
			return nil
		}
		if err := fn(archived.ToRecord()); err != nil {
			return fmt.Errorf("wal: replay callback: %w", err)
		}
		metrics.RecoveredRecordsTotal.Inc()
	}
}

// scanMaxSequence replays a single file purely to discover the highest
// sequence it durably contains, tolerating a torn tail the same way
// Replay does.
func scanMaxSequence(path string) (uint64, error) {
	var max uint64
	err := replayFile(path, 0, func(r *record.Record) error {
		if r.Sequence > max {
			max = r.Sequence
		}
		return nil
	})
	return max, err
}

// Checkpoint deletes every WAL file whose entire sequence range is
// <= sequence. The current (tail) file is never deleted.
func (w *WAL) Checkpoint(sequence uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []fileInfo
	for i, fi := range w.files {
		isLast := i == len(w.files)-1
		var end uint64
		if isLast {
			end = w.lastSequence
		} else {
			end = w.files[i+1].startSeq - 1
		}
		if !isLast && end <= sequence {
			if err := os.Remove(fi.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: checkpoint remove %s: %w", fi.path, err)
			}
			w.logger.Info().Str("file", fi.path).Msg("wal file truncated by checkpoint")
			continue
		}
		kept = append(kept, fi)
	}
	w.files = kept
	metrics.WALFilesTotal.WithLabelValues(w.instrument).Set(float64(len(w.files)))
	return nil
}

// Stats reports the current file count, total bytes on disk, and the last
// assigned sequence.
type Stats struct {
	Files        int
	Bytes        int64
	LastSequence uint64
}

func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, fi := range w.files {
		if info, err := os.Stat(fi.path); err == nil {
			total += info.Size()
		}
	}
	return Stats{Files: len(w.files), Bytes: total, LastSequence: w.lastSequence}
}

// Close closes the current file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return w.current.Close()
}
