// Package notify implements the non-blocking notification bus that fans
// out storage-layer events (fills, account updates, book deltas) to
// subscribers without ever letting a slow subscriber stall the publisher.
// It generalizes a single-queue broadcast broker into four priority
// lanes, each drained in strict priority order, with per-message-id
// dedup and per-subscriber backpressure policy.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Priority ranks notification urgency; P0 is drained before P1, and so
// on, so a flood of low-priority ticks never delays a fill notification.
type Priority int

const (
	P0 Priority = iota // trade fills, account updates
	P1                 // order acks/cancels
	P2                 // book deltas
	P3                 // book snapshots, informational
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "p0"
	case P1:
		return "p1"
	case P2:
		return "p2"
	case P3:
		return "p3"
	default:
		return "unknown"
	}
}

// laneCapacity is the per-priority internal queue depth.
const laneCapacity = 1024

// Default per-cycle batch caps for the lower-urgency lanes, matching the
// "bounded batch of ~100 / ~50" service-cycle contract. P0 and P1 have no
// cap: P0 because it is the tight real-time lane, P1 because its "soft
// budget" is the whole lane rather than a hard count.
const (
	defaultP2BatchSize = 100
	defaultP3BatchSize = 50
)

// Notification is one message fanned out to subscribers. Internally it is
// reference-shared (passed by pointer) and never cloned on fan-out.
type Notification struct {
	ID         string // message_id
	Kind       string // message_type, e.g. "OrderFilled", "AccountUpdate"
	UserID     string
	Priority   Priority
	Instrument string
	Source     string
	Payload    []byte // caller-defined; JSON at the WebSocket boundary
	Timestamp  time.Time
}

// WireJSON renders the external WebSocket-boundary form by hand, writing
// each field directly rather than going through a reflective marshaler.
// Payload is embedded verbatim as a JSON value; the caller is responsible
// for giving it valid JSON bytes (an empty Payload renders as `{}`).
func (n *Notification) WireJSON() []byte {
	payload := n.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var b []byte
	b = append(b, `{"message_id":`...)
	b = appendJSONString(b, n.ID)
	b = append(b, `,"message_type":`...)
	b = appendJSONString(b, n.Kind)
	b = append(b, `,"user_id":`...)
	b = appendJSONString(b, n.UserID)
	b = append(b, `,"priority":`...)
	b = append(b, byte('0'+n.Priority))
	b = append(b, `,"timestamp":`...)
	b = append(b, []byte(fmt.Sprintf("%d", n.Timestamp.UnixNano()))...)
	b = append(b, `,"source":`...)
	b = appendJSONString(b, n.Source)
	b = append(b, `,"payload":`...)
	b = append(b, payload...)
	b = append(b, '}')
	return b
}

// appendJSONString appends s to b as a quoted, escaped JSON string
// literal, handling exactly the characters JSON requires escaping.
func appendJSONString(b []byte, s string) []byte {
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			if r < 0x20 {
				b = append(b, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	b = append(b, '"')
	return b
}

// BackpressurePolicy governs what a subscriber's channel does when full.
type BackpressurePolicy int

const (
	// DropNewest discards the incoming notification rather than block
	// the publisher or evict an older, possibly still-relevant message.
	DropNewest BackpressurePolicy = iota
	// Block waits for room, used by subscribers (e.g. the storage
	// batcher) that must not silently lose a message.
	Block
)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ch     chan *Notification
	policy BackpressurePolicy
}

// C returns the channel to receive from.
func (s *Subscription) C() <-chan *Notification { return s.ch }

// Broker drains four priority lanes in strict order and fans each
// notification out to every current subscriber.
type Broker struct {
	lanes  [numPriorities]chan *Notification
	dedup  *dedupSet
	dedupMu sync.Mutex

	p2BatchSize int
	p3BatchSize int

	mu          sync.RWMutex
	subscribers map[*Subscription]bool

	stopCh chan struct{}
	logger zerolog.Logger
}

// BrokerConfig sizes the dedup window and the per-cycle batch caps for the
// P2/P3 lanes (spec: "a bounded batch of P2 (~100), a smaller batch of P3
// (~50)").
type BrokerConfig struct {
	DedupCapacity int
	P2BatchSize   int
	P3BatchSize   int
}

func (c *BrokerConfig) setDefaults() {
	if c.P2BatchSize <= 0 {
		c.P2BatchSize = defaultP2BatchSize
	}
	if c.P3BatchSize <= 0 {
		c.P3BatchSize = defaultP3BatchSize
	}
}

// NewBroker creates a Broker with a dedup window of dedupCapacity recent
// message IDs and the default P2/P3 per-cycle batch caps.
func NewBroker(dedupCapacity int) *Broker {
	return NewBrokerConfig(BrokerConfig{DedupCapacity: dedupCapacity})
}

// NewBrokerConfig creates a Broker with explicit batch-cap configuration.
func NewBrokerConfig(cfg BrokerConfig) *Broker {
	cfg.setDefaults()
	b := &Broker{
		dedup:       newDedupSet(cfg.DedupCapacity),
		p2BatchSize: cfg.P2BatchSize,
		p3BatchSize: cfg.P3BatchSize,
		subscribers: make(map[*Subscription]bool),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("notify"),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan *Notification, laneCapacity)
	}
	return b
}

// Start begins the fan-out loop.
func (b *Broker) Start() { go b.run() }

// Stop terminates the fan-out loop.
func (b *Broker) Stop() { close(b.stopCh) }

// Name identifies this component for metrics.Collector polling.
func (b *Broker) Name() string { return "notify" }

// Healthy reports the broker's current subscriber count and lane
// occupancy, polled periodically by a metrics.Collector.
func (b *Broker) Healthy() (bool, string) {
	b.mu.RLock()
	subs := len(b.subscribers)
	b.mu.RUnlock()
	return true, fmt.Sprintf("subscribers=%d p0_queued=%d p1_queued=%d p2_queued=%d p3_queued=%d",
		subs, len(b.lanes[P0]), len(b.lanes[P1]), len(b.lanes[P2]), len(b.lanes[P3]))
}

// Subscribe registers a new subscriber with its own bounded channel and
// backpressure policy.
func (b *Broker) Subscribe(bufferSize int, policy BackpressurePolicy) *Subscription {
	sub := &Subscription{ch: make(chan *Notification, bufferSize), policy: policy}
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish enqueues a notification onto its priority lane. It never
// blocks: a full lane drops the notification and increments the
// dropped-by-priority counter. A duplicate message_id (already seen
// within the dedup window) is silently suppressed.
func (b *Broker) Publish(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	b.dedupMu.Lock()
	seen := b.dedup.SeenOrAdd(n.ID)
	b.dedupMu.Unlock()
	if seen {
		metrics.NotificationsDedupedTotal.Inc()
		return
	}

	select {
	case b.lanes[n.Priority] <- n:
		metrics.NotificationsPublishedTotal.WithLabelValues(n.Priority.String()).Inc()
	default:
		metrics.NotificationsDroppedTotal.WithLabelValues(n.Priority.String()).Inc()
		b.logger.Warn().Str("priority", n.Priority.String()).Str("id", n.ID).Msg("notification dropped: lane full")
	}
}

// run drives one service cycle at a time: every cycle first drains all of
// P0 (tight real-time), then all of P1 currently queued (its "soft
// budget" is the snapshot taken at cycle start, not a hard count), then up
// to p2BatchSize of P2 and p3BatchSize of P3. A cycle that found nothing
// at all blocks on the union of every lane plus stopCh rather than
// busy-spinning.
func (b *Broker) run() {
	b.logger.Info().Msg("notification broker started")
	for {
		if !b.serviceCycle() {
			return // stopCh closed
		}
	}
}

// serviceCycle runs one priority-respecting drain pass and returns false
// once stopCh has fired and every lane is empty.
func (b *Broker) serviceCycle() bool {
	delivered := 0
	p1Budget := len(b.lanes[P1])
	delivered += b.drainAll(P0, -1)
	delivered += b.drainAll(P1, p1Budget)
	delivered += b.drainAll(P2, b.p2BatchSize)
	delivered += b.drainAll(P3, b.p3BatchSize)

	if delivered > 0 {
		return true
	}

	// Nothing was queued in any lane: block until something arrives
	// rather than spin.
	select {
	case n := <-b.lanes[P0]:
		b.fanoutOne(n)
		return true
	case n := <-b.lanes[P1]:
		b.fanoutOne(n)
		return true
	case n := <-b.lanes[P2]:
		b.fanoutOne(n)
		return true
	case n := <-b.lanes[P3]:
		b.fanoutOne(n)
		return true
	case <-b.stopCh:
		return false
	}
}

// drainAll pulls up to max notifications from lane (unbounded if max < 0)
// without blocking, fanning out each one in arrival order. It stops early
// if the lane goes empty.
func (b *Broker) drainAll(p Priority, max int) int {
	n := 0
	for max < 0 || n < max {
		select {
		case notif := <-b.lanes[p]:
			b.fanoutOne(notif)
			n++
		default:
			return n
		}
	}
	return n
}

func (b *Broker) fanoutOne(n *Notification) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NotificationFanoutDuration)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		switch sub.policy {
		case Block:
			select {
			case sub.ch <- n:
			case <-b.stopCh:
				return
			}
		default: // DropNewest
			select {
			case sub.ch <- n:
			default:
			}
		}
	}
}
