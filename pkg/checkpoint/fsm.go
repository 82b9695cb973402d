package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// FSM adapts Checkpoint persistence to hashicorp/raft's state-machine
// interface. It is wired but not driven by a running Raft cluster here —
// a single-node deployment calls Apply/Restore directly; a future
// replicated deployment would attach this FSM to a real raft.Raft
// instance so every replica's checkpoint advances in lock-step.
type FSM struct {
	mu      sync.RWMutex
	current Checkpoint
}

// NewFSM creates an FSM seeded with an initial checkpoint (typically
// whatever Load returned at startup).
func NewFSM(initial Checkpoint) *FSM {
	return &FSM{current: initial}
}

// Command is the single operation this FSM understands: advancing the
// checkpoint to a new cursor.
type Command struct {
	Op         string     `json:"op"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// Apply decodes a raft log entry and, for the one supported op, advances
// the in-memory checkpoint. Returns the applied Checkpoint or an error.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("checkpoint fsm: decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "advance_checkpoint":
		f.current = cmd.Checkpoint
		return f.current
	default:
		return fmt.Errorf("checkpoint fsm: unknown op %q", cmd.Op)
	}
}

// Snapshot captures the current checkpoint for Raft's log-compaction
// cycle.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{checkpoint: f.current}, nil
}

// Restore replaces the in-memory checkpoint from a previously persisted
// snapshot, used when a replica joins or restarts.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var cp Checkpoint
	if err := json.NewDecoder(rc).Decode(&cp); err != nil {
		return fmt.Errorf("checkpoint fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = cp
	return nil
}

// Current returns the FSM's current checkpoint.
func (f *FSM) Current() Checkpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

type fsmSnapshot struct {
	checkpoint Checkpoint
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.checkpoint); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
