package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/cuemby/qaxcore/pkg/record"
)

// KV is a raw key/value pair returned by a range scan, ahead of record
// decoding so a caller can dedupe across sources before paying to decode.
type KV struct {
	Key   []byte
	Value []byte
}

// MemTable wraps one skipList with an approximate byte-size counter used
// for rotation decisions.
type MemTable struct {
	list          *skipList
	approxBytes   atomic.Int64
	minSeq        atomic.Uint64
	maxSeq        atomic.Uint64
}

func newMemTable() *MemTable {
	return &MemTable{list: newSkipList()}
}

// Put stores the encoded record under its business-entity key (see
// record.Key): a later update for the same order/trade/account supersedes
// the earlier one on lookup, without losing the older node — it is simply
// left behind in the skip list's same-key chain for an ascending walk to
// encounter and a flush to deduplicate.
func (m *MemTable) Put(r *record.Record) {
	key := record.Key(r)
	value := record.Encode(r, nil)
	m.list.Put(key, value)
	m.approxBytes.Add(int64(len(key) + len(value)))

	for {
		cur := m.minSeq.Load()
		if cur != 0 && cur <= r.Sequence {
			break
		}
		if m.minSeq.CompareAndSwap(cur, r.Sequence) {
			break
		}
	}
	for {
		cur := m.maxSeq.Load()
		if cur >= r.Sequence {
			break
		}
		if m.maxSeq.CompareAndSwap(cur, r.Sequence) {
			break
		}
	}
}

// Get looks up a record by its storage key (see record.Key).
func (m *MemTable) Get(key []byte) (*record.ArchivedRecord, bool) {
	value, ok := m.list.Get(key)
	if !ok {
		return nil, false
	}
	archived, err := record.DecodeValidated(value)
	if err != nil {
		return nil, false
	}
	return archived, true
}

// ApproxBytes returns an approximate resident size, used for rotation.
func (m *MemTable) ApproxBytes() int64 { return m.approxBytes.Load() }

// SequenceRange returns the [min, max] sequence numbers observed, used to
// name the flushed SSTable file.
func (m *MemTable) SequenceRange() (min, max uint64) {
	return m.minSeq.Load(), m.maxSeq.Load()
}

// Iterator returns an ascending iterator over all entries, including any
// stale same-key nodes left behind by an in-place Put overwrite; a flush
// source must collapse those itself before handing entries to an SSTable
// builder.
func (m *MemTable) Iterator() *iterator { return m.list.NewIterator() }

// Range returns every key/value pair in [start, end) in ascending key
// order. end == nil means unbounded. A key updated more than once within
// this memtable appears once per write, newest first, matching Iterator —
// callers doing a merge across memtables/SSTables dedupe by taking the
// first occurrence of a key they see.
func (m *MemTable) Range(start, end []byte) []KV {
	it := m.list.NewIterator()
	var out []KV
	for it.Next() {
		key := it.Key()
		if bytes.Compare(key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			break
		}
		out = append(out, KV{Key: key, Value: it.Value()})
	}
	return out
}

// Manager owns the single active memtable plus any immutable memtables
// still awaiting flush to an SSTable, generalizing the active/immutable
// rotation used ahead of an LSM flush path.
type Manager struct {
	mu         sync.Mutex
	instrument string
	threshold  int64

	active    *MemTable
	immutable []*MemTable
}

// NewManager creates a manager for one instrument. thresholdBytes governs
// when Put triggers an automatic rotation.
func NewManager(instrument string, thresholdBytes int64) *Manager {
	return &Manager{
		instrument: instrument,
		threshold:  thresholdBytes,
		active:     newMemTable(),
	}
}

// Put writes into the active memtable, rotating first if it is already at
// or over threshold. Rotation never blocks a writer on flush I/O: the
// freshly retired memtable is only appended to the immutable list.
func (mgr *Manager) Put(r *record.Record) {
	mgr.mu.Lock()
	if mgr.active.ApproxBytes() >= mgr.threshold {
		mgr.rotateLocked()
	}
	active := mgr.active
	mgr.mu.Unlock()

	active.Put(r)
	metrics.MemtableBytes.WithLabelValues(mgr.instrument).Set(float64(active.ApproxBytes()))
}

// IsFull reports whether the active memtable has reached threshold.
func (mgr *Manager) IsFull() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.active.ApproxBytes() >= mgr.threshold
}

// Rotate force-rotates the active memtable regardless of size, used when
// a checkpoint needs a clean boundary.
func (mgr *Manager) Rotate() *MemTable {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.rotateLocked()
}

func (mgr *Manager) rotateLocked() *MemTable {
	retired := mgr.active
	mgr.immutable = append(mgr.immutable, retired)
	mgr.active = newMemTable()
	metrics.MemtableRotationsTotal.WithLabelValues(mgr.instrument).Inc()
	log.WithInstrument(mgr.instrument).Info().
		Int64("bytes", retired.ApproxBytes()).
		Msg("memtable rotated")
	return retired
}

// PendingFlush returns immutable memtables awaiting flush, oldest first.
func (mgr *Manager) PendingFlush() []*MemTable {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]*MemTable, len(mgr.immutable))
	copy(out, mgr.immutable)
	return out
}

// MarkFlushed removes a memtable from the immutable list once its SSTable
// has been durably written and registered in the manifest.
func (mgr *Manager) MarkFlushed(mt *MemTable) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for i, cand := range mgr.immutable {
		if cand == mt {
			mgr.immutable = append(mgr.immutable[:i], mgr.immutable[i+1:]...)
			return
		}
	}
}

// Get checks the active memtable then immutable ones, newest first —
// the read order a lookup must follow to see the most recent write. key
// is a business-entity key as built by record.Key or one of
// record.OrderKey/TradeKey/AccountKey.
func (mgr *Manager) Get(key []byte) (*record.ArchivedRecord, bool) {
	mgr.mu.Lock()
	active := mgr.active
	immutable := make([]*MemTable, len(mgr.immutable))
	copy(immutable, mgr.immutable)
	mgr.mu.Unlock()

	if v, ok := active.Get(key); ok {
		return v, true
	}
	for i := len(immutable) - 1; i >= 0; i-- {
		if v, ok := immutable[i].Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// Range scans the active memtable then immutable ones newest-generation
// first, mirroring Get's read order so a merge across the results (see
// instrument.Pipeline.Range) sees each key's newest value first.
func (mgr *Manager) Range(start, end []byte) []KV {
	mgr.mu.Lock()
	active := mgr.active
	immutable := make([]*MemTable, len(mgr.immutable))
	copy(immutable, mgr.immutable)
	mgr.mu.Unlock()

	out := active.Range(start, end)
	for i := len(immutable) - 1; i >= 0; i-- {
		out = append(out, immutable[i].Range(start, end)...)
	}
	return out
}
