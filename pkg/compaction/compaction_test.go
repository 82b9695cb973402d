package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/cuemby/qaxcore/pkg/sstable"
	"github.com/stretchr/testify/require"
)

func writeSSTable(t *testing.T, dir string, level int, start, count int) manifest.Entry {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("L%d_%020d.sst", level, start))
	b, err := sstable.NewBuilder(path, level, count)
	require.NoError(t, err)

	for i := 0; i < count; i++ {
		seq := uint64(start + i)
		r := &record.Record{Kind: record.KindOrderInsert, Sequence: seq, Price: int64(seq)}
		key := fmt.Sprintf("%020d", seq)
		require.NoError(t, b.Add([]byte(key), record.Encode(r, nil), seq))
	}
	require.NoError(t, b.Finish())

	return manifest.Entry{Path: path, Instrument: "BTC-USD", Level: level, MinSequence: uint64(start), MaxSequence: uint64(start + count - 1)}
}

func TestCompactionMergesLevelZeroIntoLevelOne(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	for i := 0; i < L0TriggerFiles; i++ {
		e := writeSSTable(t, dir, 0, i*10, 10)
		require.NoError(t, mf.Add(e))
	}

	c := New("BTC-USD", dir, mf)
	require.NoError(t, c.RunOnce())

	live := mf.Live("BTC-USD")
	require.Len(t, live, 1)
	require.Equal(t, 1, live[0].Level)

	r, err := sstable.Open(live[0].Path, "BTC-USD")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(L0TriggerFiles*10), r.RecordCount())
}

func TestCompactionNewestWinsOnBusinessKeyCollision(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	var order record.OrderID
	order[0] = 0x9

	writeOrderSSTable := func(start, seq int, kind record.Kind) manifest.Entry {
		path := filepath.Join(dir, fmt.Sprintf("L0_%020d.sst", start))
		b, err := sstable.NewBuilder(path, 0, 1)
		require.NoError(t, err)
		r := &record.Record{Kind: kind, Sequence: uint64(seq), Order: order, Price: int64(seq)}
		require.NoError(t, b.Add(record.OrderKey(order), record.Encode(r, nil), uint64(seq)))
		require.NoError(t, b.Finish())
		return manifest.Entry{Path: path, Instrument: "BTC-USD", Level: 0, MinSequence: uint64(seq), MaxSequence: uint64(seq)}
	}

	// Two L0 files straddling a flush boundary carry the same order's
	// insert, then its later cancel — exactly the overlapping-key case
	// newest-wins compaction exists to resolve.
	older := writeOrderSSTable(0, 1, record.KindOrderInsert)
	newer := writeOrderSSTable(1000, 2, record.KindOrderCancel)
	require.NoError(t, mf.Add(older))
	require.NoError(t, mf.Add(newer))

	for i := 0; i < L0TriggerFiles-2; i++ {
		e := writeSSTable(t, dir, 0, 2000+i*10, 1)
		require.NoError(t, mf.Add(e))
	}

	c := New("BTC-USD", dir, mf)
	require.NoError(t, c.RunOnce())

	live := mf.Live("BTC-USD")
	require.Len(t, live, 1)

	r, err := sstable.Open(live[0].Path, "BTC-USD")
	require.NoError(t, err)
	defer r.Close()

	value, ok, err := r.Get(record.OrderKey(order))
	require.NoError(t, err)
	require.True(t, ok)
	archived, err := record.DecodeValidated(value)
	require.NoError(t, err)
	require.Equal(t, record.KindOrderCancel, archived.Kind(), "newest-wins must keep the later cancel over the earlier insert")
	require.EqualValues(t, 2, archived.Sequence())
}

func TestCompactionSkipsLevelsUnderTrigger(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	e := writeSSTable(t, dir, 0, 0, 5)
	require.NoError(t, mf.Add(e))

	c := New("BTC-USD", dir, mf)
	require.NoError(t, c.RunOnce())

	require.Len(t, mf.Live("BTC-USD"), 1)
}
