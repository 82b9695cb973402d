// Package columnar implements the OLAP-side file format that the
// conversion pipeline produces from row-oriented SSTables: one batch of
// records re-laid-out as a column per field, each column chunk
// independently compressed, with a JSON footer carrying per-column
// min/max stats so downstream readers can push predicates down to
// skipping whole chunks without decompressing them.
package columnar

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/klauspost/compress/zstd"
)

const magic = "QAXCOLB1"

// Codec identifies the compression codec used for every column chunk in
// a file. Recorded in the footer so a reader never has to guess.
const CodecZstd = "zstd"

// ColumnStats summarizes one column chunk for predicate pushdown.
type ColumnStats struct {
	Name   string `json:"name"`
	Min    int64  `json:"min"`
	Max    int64  `json:"max"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Footer describes the whole file: row count and every column's
// placement plus stats.
type Footer struct {
	RowCount int64         `json:"row_count"`
	Codec    string        `json:"codec"`
	Columns  []ColumnStats `json:"columns"`
}

// columnNames enumerates the fixed column layout, in write order.
var columnNames = []string{"sequence", "timestamp_ns", "kind", "side", "price", "quantity", "balance", "frozen"}

// WriteBatch converts records, one row each in the order given, into a
// columnar file at path.
func WriteBatch(path string, records []*record.Record) (Footer, error) {
	columns := make(map[string][]int64, len(columnNames))
	for _, name := range columnNames {
		columns[name] = make([]int64, 0, len(records))
	}
	for _, r := range records {
		columns["sequence"] = append(columns["sequence"], int64(r.Sequence))
		columns["timestamp_ns"] = append(columns["timestamp_ns"], r.TimestampNs)
		columns["kind"] = append(columns["kind"], int64(r.Kind))
		columns["side"] = append(columns["side"], int64(r.Side))
		columns["price"] = append(columns["price"], r.Price)
		columns["quantity"] = append(columns["quantity"], r.Quantity)
		columns["balance"] = append(columns["balance"], r.Balance)
		columns["frozen"] = append(columns["frozen"], r.Frozen)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Footer{}, fmt.Errorf("columnar: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(magic); err != nil {
		return Footer{}, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return Footer{}, fmt.Errorf("columnar: new zstd encoder: %w", err)
	}
	defer enc.Close()

	var offset int64 = int64(len(magic))
	footer := Footer{RowCount: int64(len(records)), Codec: CodecZstd}

	for _, name := range columnNames {
		raw := encodeInt64Column(columns[name])
		compressed := enc.EncodeAll(raw, nil)

		if _, err := f.Write(compressed); err != nil {
			return Footer{}, fmt.Errorf("columnar: write column %s: %w", name, err)
		}

		stats := ColumnStats{Name: name, Offset: offset, Length: int64(len(compressed))}
		if len(columns[name]) > 0 {
			stats.Min, stats.Max = minMax(columns[name])
		}
		footer.Columns = append(footer.Columns, stats)
		offset += int64(len(compressed))
	}

	footerBytes, err := json.Marshal(footer)
	if err != nil {
		return Footer{}, err
	}
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(footerBytes)))
	if _, err := f.Write(footerBytes); err != nil {
		return Footer{}, err
	}
	if _, err := f.Write(lenBuf); err != nil {
		return Footer{}, err
	}

	return footer, f.Sync()
}

func encodeInt64Column(values []int64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func minMax(values []int64) (min, max int64) {
	min, max = values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return
}

// ReadFooter reads just the trailing footer, used for predicate pushdown
// before reading any column data.
func ReadFooter(path string) (Footer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Footer{}, fmt.Errorf("columnar: read %s: %w", path, err)
	}
	if len(data) < 8 {
		return Footer{}, fmt.Errorf("columnar: truncated file %s", path)
	}
	footerLen := binary.LittleEndian.Uint64(data[len(data)-8:])
	if uint64(len(data)) < 8+footerLen {
		return Footer{}, fmt.Errorf("columnar: truncated footer %s", path)
	}
	footerBytes := data[len(data)-8-int(footerLen) : len(data)-8]
	var footer Footer
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return Footer{}, fmt.Errorf("columnar: decode footer: %w", err)
	}
	return footer, nil
}

// ReadColumn decompresses and decodes a single named column, skipping
// every chunk that stats say cannot satisfy [minFilter, maxFilter] — the
// predicate-pushdown path.
func ReadColumn(path, name string, minFilter, maxFilter int64) ([]int64, error) {
	footer, err := ReadFooter(path)
	if err != nil {
		return nil, err
	}

	var target *ColumnStats
	for i := range footer.Columns {
		if footer.Columns[i].Name == name {
			target = &footer.Columns[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("columnar: no such column %q", name)
	}
	if target.Max < minFilter || target.Min > maxFilter {
		return nil, nil // whole chunk pruned by stats
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chunk := data[target.Offset : target.Offset+target.Length]

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("columnar: new zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(chunk, nil)
	if err != nil {
		return nil, fmt.Errorf("columnar: decode column %s: %w", name, err)
	}

	values := make([]int64, len(raw)/8)
	r := bytes.NewReader(raw)
	for i := range values {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		values[i] = int64(v)
	}
	return values, nil
}
