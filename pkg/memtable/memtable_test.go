package memtable

import (
	"testing"

	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/stretchr/testify/require"
)

func TestSkipListPutGetOrdered(t *testing.T) {
	mt := newMemTable()
	// Distinct order IDs give each record its own business-entity key.
	// The records go in out of order; the walk must return them in
	// ascending key order, which here is also ascending sequence.
	var orders [5]record.OrderID
	for i := range orders {
		orders[i][0] = byte(i + 1)
	}
	for _, pair := range []struct {
		seq uint64
		ord int
	}{{5, 4}, {1, 0}, {3, 2}, {2, 1}, {4, 3}} {
		mt.Put(&record.Record{Kind: record.KindOrderInsert, Sequence: pair.seq, Order: orders[pair.ord], Price: int64(pair.seq)})
	}

	it := mt.Iterator()
	var seen []uint64
	for it.Next() {
		archived, err := record.DecodeValidated(it.Value())
		require.NoError(t, err)
		seen = append(seen, archived.Sequence())
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)

	got, ok := mt.Get(record.OrderKey(orders[2]))
	require.True(t, ok)
	require.Equal(t, int64(3), got.Price())
}

func TestSkipListOverwriteKeepsLatestOnLookup(t *testing.T) {
	mt := newMemTable()
	var user record.UserID
	user[0] = 0x42

	mt.Put(&record.Record{Kind: record.KindAccountUpdate, Sequence: 10, User: user, Balance: 100})
	mt.Put(&record.Record{Kind: record.KindAccountUpdate, Sequence: 11, User: user, Balance: 200})

	got, ok := mt.Get(record.AccountKey(user))
	require.True(t, ok)
	require.Equal(t, int64(200), got.Balance())
}

func TestManagerRotatesAtThreshold(t *testing.T) {
	mgr := NewManager("BTC-USD", 64)
	for i := uint64(1); i <= 10; i++ {
		mgr.Put(&record.Record{Kind: record.KindTickData, Sequence: i, Price: 100})
	}

	require.NotEmpty(t, mgr.PendingFlush())
}

func TestManagerGetChecksActiveThenImmutable(t *testing.T) {
	mgr := NewManager("BTC-USD", 1<<20)
	var order record.OrderID
	order[0] = 0x7

	mgr.Put(&record.Record{Kind: record.KindOrderInsert, Sequence: 1, Order: order, Price: 1})
	retired := mgr.Rotate()
	mgr.Put(&record.Record{Kind: record.KindOrderInsert, Sequence: 2, Order: order, Price: 2})

	got, ok := mgr.Get(record.OrderKey(order))
	require.True(t, ok)
	require.Equal(t, int64(2), got.Price(), "active memtable's newer write must be seen before the immutable one")
	require.Contains(t, mgr.PendingFlush(), retired)

	mgr.MarkFlushed(retired)
	require.NotContains(t, mgr.PendingFlush(), retired)
}
