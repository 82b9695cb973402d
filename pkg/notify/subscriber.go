package notify

import (
	"encoding/json"
	"time"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/rs/zerolog"
)

// AppendBatcher is the subset of instrument.Pipeline the storage
// subscriber needs. Declared here rather than importing pkg/instrument so
// the dependency stays one-directional: pkg/instrument is free to depend
// on pkg/notify later without creating a cycle.
type AppendBatcher interface {
	AppendBatch(records []*record.Record) ([]uint64, error)
}

// SubscriberConfig sizes the storage subscriber's batching window.
type SubscriberConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
}

func (c *SubscriberConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
}

// StorageSubscriber consumes the bus on a Block-policy subscription (it
// must never silently lose a notification), accumulates up to BatchSize
// notifications or BatchTimeout — whichever comes first — groups them by
// instrument, converts each to a WAL record.Record, and invokes
// AppendBatch once per instrument group. The main event path never blocks
// on this: Publish returns immediately regardless of how long storage
// takes to drain.
type StorageSubscriber struct {
	broker    *Broker
	sub       *Subscription
	pipelines map[string]AppendBatcher
	cfg       SubscriberConfig

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStorageSubscriber registers a subscription on broker and returns a
// subscriber that will drain it into pipelines, keyed by instrument name,
// once Start is called.
func NewStorageSubscriber(broker *Broker, pipelines map[string]AppendBatcher, cfg SubscriberConfig) *StorageSubscriber {
	cfg.setDefaults()
	return &StorageSubscriber{
		broker:    broker,
		sub:       broker.Subscribe(4096, Block),
		pipelines: pipelines,
		cfg:       cfg,
		logger:    log.WithComponent("storage-subscriber"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the drain loop in the background.
func (s *StorageSubscriber) Start() { go s.run() }

// Stop drains one final flush, tears down the loop, and unsubscribes from
// the broker. The broker itself should be stopped at the same time or
// shortly after, since a Block-policy subscriber that has stopped reading
// would otherwise make the broker's fan-out block forever on this
// subscription's full channel.
func (s *StorageSubscriber) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.broker.Unsubscribe(s.sub)
}

func (s *StorageSubscriber) run() {
	defer close(s.doneCh)

	pending := make(map[string][]*record.Record)
	count := 0
	timer := time.NewTimer(s.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if count == 0 {
			return
		}
		for instrument, records := range pending {
			pipeline, ok := s.pipelines[instrument]
			if !ok {
				s.logger.Warn().Str("instrument", instrument).Int("records", len(records)).
					Msg("storage subscriber: no pipeline registered for instrument, dropping batch")
				continue
			}
			if _, err := pipeline.AppendBatch(records); err != nil {
				s.logger.Error().Err(err).Str("instrument", instrument).Msg("storage subscriber: append_batch failed")
			}
		}
		pending = make(map[string][]*record.Record)
		count = 0
	}

	for {
		select {
		case n, ok := <-s.sub.C():
			if !ok {
				flush()
				return
			}
			pending[n.Instrument] = append(pending[n.Instrument], notificationToRecord(n))
			count++
			if count >= s.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(s.cfg.BatchTimeout)
		case <-s.stopCh:
			flush()
			return
		}
	}
}

// notificationToRecord converts a bus notification into the WAL record it
// represents. The payload's JSON fields are decoded best-effort into the
// record's numeric fields; the raw payload is always preserved verbatim
// in Extra so no information is lost even when a field this mapping
// doesn't recognize is present.
func notificationToRecord(n *Notification) *record.Record {
	var payload map[string]interface{}
	_ = json.Unmarshal(n.Payload, &payload)

	r := &record.Record{
		Kind:        kindFromMessageType(n.Kind),
		TimestampNs: n.Timestamp.UnixNano(),
		Instrument:  n.Instrument,
		Extra:       append([]byte(nil), n.Payload...),
	}
	copy(r.User[:], []byte(n.UserID))

	if v, ok := intField(payload, "price"); ok {
		r.Price = v
	}
	if v, ok := intField(payload, "quantity"); ok {
		r.Quantity = v
	}
	if v, ok := intField(payload, "balance"); ok {
		r.Balance = v
	}
	if v, ok := intField(payload, "frozen"); ok {
		r.Frozen = v
	}
	if side, ok := payload["side"].(string); ok && side == "sell" {
		r.Side = 1
	}
	if oid, ok := payload["order_id"].(string); ok {
		copy(r.Order[:], []byte(oid))
	}
	if tid, ok := payload["trade_id"].(string); ok {
		copy(r.Trade[:], []byte(tid))
	}
	return r
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// kindFromMessageType maps the external message_type enumeration onto the
// closest persisted record.Kind. PositionUpdate, MarginCall and RiskAlert
// have no dedicated record variant; they are folded into AccountUpdate,
// which is the variant whose fields (Balance, Frozen) they actually carry.
func kindFromMessageType(messageType string) record.Kind {
	switch messageType {
	case "OrderAccepted":
		return record.KindOrderInsert
	case "OrderRejected", "OrderCancelled":
		return record.KindOrderCancel
	case "OrderFilled", "OrderPartiallyFilled", "TradeExecuted":
		return record.KindTradeExecuted
	case "AccountUpdate", "PositionUpdate", "MarginCall", "RiskAlert":
		return record.KindAccountUpdate
	case "TickData":
		return record.KindTickData
	default:
		return record.KindAccountUpdate
	}
}
