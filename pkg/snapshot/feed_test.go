package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/qaxcore/pkg/notify"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversPatchForUserNotification(t *testing.T) {
	broker := notify.NewBroker(64)
	broker.Start()
	defer broker.Stop()

	engine := NewEngine()
	feed := NewFeed(engine, broker)
	feed.Start()
	defer feed.Stop()

	broker.Publish(&notify.Notification{
		ID:       "n1",
		Kind:     "AccountUpdate",
		UserID:   "user-7",
		Priority: notify.P0,
		Payload:  []byte(`{"balance":500}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	patches, err := engine.Peek(ctx, "user-7")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Equal(t, 500.0, patches[0]["balance"])
}

func TestFeedIgnoresNotificationsWithoutUserID(t *testing.T) {
	broker := notify.NewBroker(64)
	broker.Start()
	defer broker.Stop()

	engine := NewEngine()
	feed := NewFeed(engine, broker)
	feed.Start()
	defer feed.Stop()

	broker.Publish(&notify.Notification{ID: "n1", Kind: "TickData", Priority: notify.P3, Payload: []byte(`{"price":100}`)})

	time.Sleep(50 * time.Millisecond)
	_, err := engine.Peek(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUnknownUser)
}
