package instrument

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/qaxcore/pkg/checkpoint"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		DataDir:           dir,
		WALDir:            filepath.Join(dir, "wal"),
		ColumnarDir:       filepath.Join(dir, "columnar"),
		MemtableThreshold: 1 << 20,
		FlushInterval:     time.Hour, // manual flush in tests
	}
	p, err := Open("BTC-USD", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAppendThenGetFromMemtable(t *testing.T) {
	p := newTestPipeline(t)

	var order record.OrderID
	order[0] = 0x1
	_, err := p.Append(&record.Record{Kind: record.KindOrderInsert, Order: order, Price: 100})
	require.NoError(t, err)

	got, ok, err := p.GetOrder(order)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), got.Price)
}

func TestFlushMakesRecordReadableFromSSTable(t *testing.T) {
	p := newTestPipeline(t)

	var order record.OrderID
	order[0] = 0x2
	_, err := p.Append(&record.Record{Kind: record.KindOrderInsert, Order: order, Price: 55})
	require.NoError(t, err)

	p.memtables.Rotate()
	require.NoError(t, p.FlushImmutables())

	got, ok, err := p.GetOrder(order)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(55), got.Price)
}

func TestRangeMergesAcrossMemtableAndSSTable(t *testing.T) {
	p := newTestPipeline(t)

	var first, second, third record.OrderID
	first[0], second[0], third[0] = 0x10, 0x20, 0x30

	_, err := p.Append(&record.Record{Kind: record.KindOrderInsert, Order: first, Price: 1})
	require.NoError(t, err)
	_, err = p.Append(&record.Record{Kind: record.KindOrderInsert, Order: second, Price: 2})
	require.NoError(t, err)

	p.memtables.Rotate()
	require.NoError(t, p.FlushImmutables())

	// A later write for a third order lands in the new active memtable,
	// never flushed — the range scan must see it alongside the SSTable.
	_, err = p.Append(&record.Record{Kind: record.KindOrderInsert, Order: third, Price: 3})
	require.NoError(t, err)

	got, err := p.Range(record.OrderKey(first), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestCheckpointPersistsSequenceAndFlushedManifest(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 5; i++ {
		_, err := p.Append(&record.Record{Kind: record.KindTickData, Price: int64(i)})
		require.NoError(t, err)
	}

	require.NoError(t, p.Checkpoint())

	// All 5 records sat in the active memtable; the checkpoint flushes
	// them into one SSTable and records the WAL's last sequence.
	cp, ok, err := checkpoint.Load(p.cfg.DataDir, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), cp.Sequence)
	require.Len(t, cp.Manifest, 1)
}
