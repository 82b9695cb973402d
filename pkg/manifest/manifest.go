// Package manifest tracks the set of live SSTable files per instrument
// and persists that set to a BoltDB-backed store so it survives restart
// without needing a full directory scan to rediscover level membership.
package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketSSTables = []byte("sstables")

// Entry describes one live SSTable file.
type Entry struct {
	Path        string `json:"path"`
	Instrument  string `json:"instrument"`
	Level       int    `json:"level"`
	MinSequence uint64 `json:"min_sequence"`
	MaxSequence uint64 `json:"max_sequence"`
}

func (e Entry) key() string { return fmt.Sprintf("%s/%020d", e.Instrument, e.MinSequence) }

// Manifest is the persisted, atomically-updated list of live SSTables.
// Writers take a short critical section per update; readers (compaction
// planning, point lookups) take a snapshot copy under the same lock.
type Manifest struct {
	mu      sync.RWMutex
	db      *bolt.DB
	entries map[string]Entry // keyed by Entry.key()
}

// Open opens (or creates) the manifest's BoltDB file under dataDir and
// loads its current contents into memory.
func Open(dataDir string) (*Manifest, error) {
	path := filepath.Join(dataDir, "manifest.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSSTables)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: create bucket: %w", err)
	}

	m := &Manifest{db: db, entries: make(map[string]Entry)}
	if err := m.load(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manifest) load() error {
	return m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSSTables)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("manifest: decode entry %s: %w", k, err)
			}
			m.entries[string(k)] = e
			return nil
		})
	})
}

// Add registers a newly flushed or compacted SSTable as live.
func (m *Manifest) Add(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.key()
	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSSTables).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("manifest: persist %s: %w", key, err)
	}
	m.entries[key] = e
	return nil
}

// Remove drops an SSTable from the live set, used once compaction or
// conversion has superseded it.
func (m *Manifest) Remove(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.key()
	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSSTables).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("manifest: delete %s: %w", key, err)
	}
	delete(m.entries, key)
	return nil
}

// ReplaceAtomic removes `remove` and adds `add` as a single manifest
// transaction — the shape compaction needs so a reader never observes
// both the old and new generation of a key range, or neither.
func (m *Manifest) ReplaceAtomic(remove []Entry, add []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSSTables)
		for _, e := range remove {
			if err := b.Delete([]byte(e.key())); err != nil {
				return err
			}
		}
		for _, e := range add {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.key()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("manifest: atomic replace: %w", err)
	}

	for _, e := range remove {
		delete(m.entries, e.key())
	}
	for _, e := range add {
		m.entries[e.key()] = e
	}
	return nil
}

// Live returns every live SSTable for instrument, sorted ascending by
// level then by min sequence.
func (m *Manifest) Live(instrument string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Instrument == instrument {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].MinSequence < out[j].MinSequence
	})
	return out
}

// LevelCount returns how many live files exist at level for instrument,
// used to decide whether that level is over its compaction trigger.
func (m *Manifest) LevelCount(instrument string, level int) int {
	n := 0
	for _, e := range m.Live(instrument) {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (m *Manifest) Close() error { return m.db.Close() }
