package notify

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWireJSONProducesValidJSONWithExpectedFields(t *testing.T) {
	n := &Notification{
		ID:        "evt-1",
		Kind:      "OrderFilled",
		UserID:    "user-42",
		Priority:  P1,
		Source:    "matching-engine",
		Payload:   []byte(`{"order_id":"abc","price":100}`),
		Timestamp: time.Unix(0, 1700000000000000000),
	}

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(n.WireJSON(), &decoded))
	require.Equal(t, "evt-1", decoded["message_id"])
	require.Equal(t, "OrderFilled", decoded["message_type"])
	require.Equal(t, "user-42", decoded["user_id"])
	require.Equal(t, float64(1), decoded["priority"])
	require.Equal(t, "matching-engine", decoded["source"])
	payload := decoded["payload"].(map[string]interface{})
	require.Equal(t, "abc", payload["order_id"])
}

func TestWireJSONEscapesQuotesInStringFields(t *testing.T) {
	n := &Notification{ID: `has"quote`, Kind: "Tick", Priority: P3}
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(n.WireJSON(), &decoded))
	require.Equal(t, `has"quote`, decoded["message_id"])
}

func TestPublishDedupSuppressesRepeatedID(t *testing.T) {
	b := NewBroker(16)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(10, DropNewest)
	defer b.Unsubscribe(sub)

	b.Publish(&Notification{ID: "evt-1", Priority: P0})
	b.Publish(&Notification{ID: "evt-1", Priority: P0})

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected first notification")
	}

	select {
	case n := <-sub.C():
		t.Fatalf("unexpected second delivery: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAssignsIDWhenCallerOmitsIt(t *testing.T) {
	b := NewBroker(16)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(10, DropNewest)
	defer b.Unsubscribe(sub)

	b.Publish(&Notification{Priority: P0})
	b.Publish(&Notification{Priority: P0})

	first := <-sub.C()
	second := <-sub.C()
	require.NotEmpty(t, first.ID)
	require.NotEmpty(t, second.ID)
	require.NotEqual(t, first.ID, second.ID)
}

func TestPublishPrefersHigherPriority(t *testing.T) {
	b := NewBroker(1000)
	sub := b.Subscribe(100, DropNewest)

	for i := 0; i < 20; i++ {
		b.Publish(&Notification{ID: fmt.Sprintf("low-%d", i), Priority: P3})
	}
	b.Publish(&Notification{ID: "high", Priority: P0})

	b.Start()
	defer b.Stop()

	select {
	case n := <-sub.C():
		require.Equal(t, "high", n.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}
}

func TestP3LaneDeliversInBoundedBatches(t *testing.T) {
	b := NewBrokerConfig(BrokerConfig{DedupCapacity: 20000, P3BatchSize: 50})
	sub := b.Subscribe(20000, DropNewest)

	for i := 0; i < 200; i++ {
		b.Publish(&Notification{ID: fmt.Sprintf("p3-%d", i), Priority: P3})
	}

	require.True(t, b.serviceCycle())

	delivered := 0
	draining := true
	for draining {
		select {
		case <-sub.C():
			delivered++
		default:
			draining = false
		}
	}
	require.Equal(t, 50, delivered)
}

func TestP0NeverWaitsBehindP3Backlog(t *testing.T) {
	b := NewBroker(1000)
	sub := b.Subscribe(100, DropNewest)

	for i := 0; i < 10000; i++ {
		b.Publish(&Notification{ID: fmt.Sprintf("low-%d", i), Priority: P3})
	}
	for i := 0; i < 10; i++ {
		b.Publish(&Notification{ID: fmt.Sprintf("high-%d", i), Priority: P0})
	}

	b.Start()
	defer b.Stop()

	for i := 0; i < 10; i++ {
		select {
		case n := <-sub.C():
			require.Equal(t, fmt.Sprintf("high-%d", i), n.ID)
		case <-time.After(time.Second):
			t.Fatalf("expected P0 delivery %d within the next service cycle", i)
		}
	}
}

func TestDropNewestPolicyDoesNotBlockPublisher(t *testing.T) {
	b := NewBroker(100)
	sub := b.Subscribe(1, DropNewest)
	_ = sub // never started, never drained: lane itself still accepts up to capacity

	for i := 0; i < laneCapacity+5; i++ {
		b.Publish(&Notification{ID: fmt.Sprintf("n-%d", i), Priority: P2})
	}
	// Publish must not have blocked to reach this line.
}
