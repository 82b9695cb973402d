package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/metrics"
)

// userState holds one user's pending merge patches plus a single-slot
// wakeup signal. The engine only buffers and orders patches; applying a
// patch to the user's business-snapshot document is the consumer's
// (session's) responsibility, not the engine's.
type userState struct {
	mu      sync.Mutex
	pending []map[string]interface{}
	signal  chan struct{} // capacity 1: at most one pending wakeup
}

func newUserState() *userState {
	return &userState{signal: make(chan struct{}, 1)}
}

// Engine manages every user's pending-patch queue. It is the process-wide
// peek/push rendezvous point between producers (account/matching/settlement
// updates arriving off the notification bus) and the session consuming
// them; it never interprets or merges patch contents itself.
type Engine struct {
	mu    sync.RWMutex
	users map[string]*userState
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{users: make(map[string]*userState)}
}

// ErrUnknownUser is returned by PushPatch/Peek for a user that was never
// initialized.
var ErrUnknownUser = fmt.Errorf("snapshot: unknown user")

// InitializeUser registers userID with an empty pending-patch queue.
// Calling it again discards any patches still pending — used when a
// user's snapshot is rebuilt from a checkpoint.
func (e *Engine) InitializeUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[userID] = newUserState()
}

// EnsureUser initializes userID only if it has never been seen before;
// unlike InitializeUser it is safe to call on every sighting of a user
// without discarding patches already pending for them.
func (e *Engine) EnsureUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.users[userID]; !ok {
		e.users[userID] = newUserState()
	}
}

func (e *Engine) stateFor(userID string) (*userState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u, nil
}

// PushPatch enqueues a merge patch for userID and wakes any current Peek
// waiter. It never blocks: the patch is appended under a short-lived
// per-user lock and the wakeup is signaled without waiting for anyone to
// consume it.
func (e *Engine) PushPatch(userID string, patch map[string]interface{}) error {
	u, err := e.stateFor(userID)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.pending = append(u.pending, patch)
	u.mu.Unlock()

	select {
	case u.signal <- struct{}{}:
	default:
		// Already signaled; the next peek drains the whole pending
		// slice, not just one entry, so this patch is not lost.
	}

	metrics.SnapshotPatchesPushedTotal.Inc()
	return nil
}

// Peek blocks until at least one patch has been pushed since the last
// peek (or ctx is done), then atomically drains and returns every patch
// accumulated so far, in push order. It does not apply the patches to
// any document — that is left to the caller, per the RFC 7386 merge
// semantics in MergePatch. Cancelling ctx leaves the pending queue
// intact: no patch is lost.
func (e *Engine) Peek(ctx context.Context, userID string) ([]map[string]interface{}, error) {
	u, err := e.stateFor(userID)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotPeekWaitDuration)

	for {
		select {
		case <-u.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		u.mu.Lock()
		patches := u.pending
		u.pending = nil
		u.mu.Unlock()

		if len(patches) == 0 {
			// A stale wakeup: the patches it announced were already
			// drained by an earlier Peek.
			continue
		}
		log.WithUserID(userID).Debug().Int("patches", len(patches)).Msg("snapshot peeked")
		return patches, nil
	}
}
