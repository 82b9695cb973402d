package convert

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/qaxcore/pkg/columnar"
	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/cuemby/qaxcore/pkg/sstable"
	"github.com/stretchr/testify/require"
)

func writeAgedSSTable(t *testing.T, dir string, start, count int) manifest.Entry {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("L1_%020d.sst", start))
	b, err := sstable.NewBuilder(path, 1, count)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		seq := uint64(start + i)
		r := &record.Record{Kind: record.KindTickData, Sequence: seq, Price: int64(seq)}
		require.NoError(t, b.Add([]byte(fmt.Sprintf("%020d", seq)), record.Encode(r, nil), seq))
	}
	require.NoError(t, b.Finish())
	return manifest.Entry{Path: path, Instrument: "BTC-USD", Level: 1, MinSequence: uint64(start), MaxSequence: uint64(start + count - 1)}
}

func TestSchedulerConvertsEligibleBatch(t *testing.T) {
	dir := t.TempDir()
	columnDir := filepath.Join(dir, "columnar")

	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	e := writeAgedSSTable(t, dir, 0, 20)
	require.NoError(t, mf.Add(e))

	s, err := New("BTC-USD", dir, columnDir, mf, Config{
		SourceAgeThreshold: 0, // immediately eligible
		SourceRetention:    0,
		BatchFiles:         1,
	})
	require.NoError(t, err)

	require.NoError(t, s.RunOnce())

	// Conversion runs in a worker goroutine; RunOnce's errgroup.Wait
	// blocks until it's done, so the batch should be marked done by now.
	batches := s.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, StatusDone, batches[0].Status)

	footer, err := columnar.ReadFooter(batches[0].OutputPath)
	require.NoError(t, err)
	require.EqualValues(t, 20, footer.RowCount)

	time.Sleep(50 * time.Millisecond) // let reclaimSourcesAfterRetention finish
	require.Empty(t, mf.Live("BTC-USD"))
}

func TestSchedulerDefersBatchBelowMinBatchFiles(t *testing.T) {
	dir := t.TempDir()
	columnDir := filepath.Join(dir, "columnar")

	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	e := writeAgedSSTable(t, dir, 0, 5)
	require.NoError(t, mf.Add(e))

	s, err := New("BTC-USD", dir, columnDir, mf, Config{
		SourceAgeThreshold: 0,
		MinBatchFiles:      2,
		BatchFiles:         4,
	})
	require.NoError(t, err)

	s.discoverEligible()
	require.Empty(t, s.Batches(), "a single eligible file is below MinBatchFiles and should wait")

	e2 := writeAgedSSTable(t, dir, 100, 5)
	require.NoError(t, mf.Add(e2))

	s.discoverEligible()
	require.Len(t, s.Batches(), 1, "a second eligible file reaches MinBatchFiles and cuts a batch")
}

func TestSchedulerRetriesFailedBatchThenMarksFailed(t *testing.T) {
	dir := t.TempDir()
	columnDir := filepath.Join(dir, "columnar")

	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	defer mf.Close()

	// Register a manifest entry whose file does not exist on disk, so
	// conversion always fails.
	bad := manifest.Entry{Path: filepath.Join(dir, "missing.sst"), Instrument: "BTC-USD", Level: 1, MinSequence: 0, MaxSequence: 0}
	require.NoError(t, mf.Add(bad))

	s, err := New("BTC-USD", dir, columnDir, mf, Config{
		SourceAgeThreshold: 0,
		MaxRetries:         2,
		BatchFiles:         1,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunOnce())
	}

	batches := s.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, StatusFailed, batches[0].Status)
}
