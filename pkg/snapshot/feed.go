package snapshot

import (
	"encoding/json"

	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/notify"
	"github.com/rs/zerolog"
)

// Feed subscribes to the notification bus and turns each notification
// that carries a user_id into a merge patch pushed onto that user's
// pending queue. This is how the snapshot engine stays in sync with
// account and matching activity without producers (matching engine,
// account system) ever calling into the engine directly.
//
// A DropNewest subscription is used deliberately: the snapshot engine is
// a push/peek convenience for live sessions, not the durable record of
// truth (the WAL/SSTable path is), so it is allowed to drop under
// extreme backpressure rather than block the bus.
type Feed struct {
	engine *Engine
	broker *notify.Broker
	sub    *notify.Subscription

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFeed subscribes engine to broker. Call Start to begin delivering.
func NewFeed(engine *Engine, broker *notify.Broker) *Feed {
	return &Feed{
		engine: engine,
		broker: broker,
		sub:    broker.Subscribe(1024, notify.DropNewest),
		logger: log.WithComponent("snapshot-feed"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the delivery loop in the background.
func (f *Feed) Start() { go f.run() }

// Stop terminates the loop and unsubscribes from the broker.
func (f *Feed) Stop() {
	close(f.stopCh)
	<-f.doneCh
	f.broker.Unsubscribe(f.sub)
}

func (f *Feed) run() {
	defer close(f.doneCh)
	for {
		select {
		case n, ok := <-f.sub.C():
			if !ok {
				return
			}
			f.deliver(n)
		case <-f.stopCh:
			return
		}
	}
}

func (f *Feed) deliver(n *notify.Notification) {
	if n.UserID == "" {
		return
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(n.Payload, &patch); err != nil || patch == nil {
		return
	}

	f.engine.EnsureUser(n.UserID)
	if err := f.engine.PushPatch(n.UserID, patch); err != nil {
		f.logger.Warn().Err(err).Str("user_id", n.UserID).Msg("snapshot feed: push patch failed")
	}
}
