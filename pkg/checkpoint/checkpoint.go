// Package checkpoint persists a point-in-time cursor over one
// instrument's WAL plus the manifest of live SSTables as of that cursor,
// so recovery can skip replaying everything since the beginning of time.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/qaxcore/pkg/manifest"
)

// Checkpoint is a durable snapshot marker: "every record up to Sequence
// is reflected in Manifest; replay should resume strictly after it."
type Checkpoint struct {
	Instrument string            `json:"instrument"`
	Sequence   uint64            `json:"sequence"`
	Manifest   []manifest.Entry  `json:"manifest"`
	CreatedNs  int64             `json:"created_ns"`
}

func path(dataDir, instrument string) string {
	return filepath.Join(dataDir, fmt.Sprintf("checkpoint_%s.json", instrument))
}

// Persist writes the checkpoint atomically (write to temp file, rename)
// so a crash mid-write never leaves a torn checkpoint file to load.
func Persist(dataDir string, cp Checkpoint) error {
	cp.CreatedNs = time.Now().UnixNano()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	dst := path(dataDir, cp.Instrument)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads the most recent checkpoint for instrument, if any. A
// missing file is not an error: it means recovery must replay the WAL
// from the very start.
func Load(dataDir, instrument string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(path(dataDir, instrument))
	if os.IsNotExist(err) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: read: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, true, nil
}
