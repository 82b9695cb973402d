package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cuemby/qaxcore/pkg/bloom"
)

// Builder streams ascending-key entries into a new SSTable file. Callers
// must present keys in strictly increasing order — the builder does not
// sort, matching a flush source (a memtable iterator) that is already
// sorted.
type Builder struct {
	f       *os.File
	w       *bufio.Writer
	level   int
	dataLen uint64

	index       []indexEntry
	bloomFilter *bloom.Filter

	minSeq, maxSeq uint64
	count          uint64

	sinceLastSample uint64
	lastKey         []byte
}

// NewBuilder creates a builder writing to path. expectedKeys sizes the
// Bloom filter.
func NewBuilder(path string, level int, expectedKeys int) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	if _, err := f.Write(make([]byte, HeaderLen)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reserve header: %w", err)
	}
	return &Builder{
		f:           f,
		w:           bufio.NewWriterSize(f, 1<<20),
		level:       level,
		bloomFilter: bloom.NewFilter(expectedKeys, 0.01),
	}, nil
}

// Add appends one entry. key must be greater than the previous key.
func (b *Builder) Add(key, value []byte, sequence uint64) error {
	if len(b.index) == 0 || b.sinceLastSample >= sparseIndexStep {
		b.index = append(b.index, indexEntry{key: append([]byte(nil), key...), offset: b.dataLen})
		b.sinceLastSample = 0
	}

	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(key)))
	if _, err := b.w.Write(tmp[0:4]); err != nil {
		return err
	}
	if _, err := b.w.Write(key); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(len(value)))
	if _, err := b.w.Write(tmp[4:8]); err != nil {
		return err
	}
	if _, err := b.w.Write(value); err != nil {
		return err
	}

	entryLen := uint64(8 + len(key) + len(value))
	b.dataLen += entryLen
	b.sinceLastSample += entryLen
	b.lastKey = key

	b.bloomFilter.Add(key)
	if b.count == 0 || sequence < b.minSeq {
		b.minSeq = sequence
	}
	if sequence > b.maxSeq {
		b.maxSeq = sequence
	}
	b.count++
	return nil
}

// Finish writes the sparse index and Bloom filter, backpatches the
// header, and closes the file.
func (b *Builder) Finish() error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("sstable: flush data: %w", err)
	}

	indexBytes := encodeIndex(b.index)
	if _, err := b.f.Write(indexBytes); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}

	bloomBytes := b.bloomFilter.Encode()
	if _, err := b.f.Write(bloomBytes); err != nil {
		return fmt.Errorf("sstable: write bloom: %w", err)
	}

	h := header{
		Version:     fileVersion,
		Level:       uint32(b.level),
		MinSequence: b.minSeq,
		MaxSequence: b.maxSeq,
		RecordCount: b.count,
		CreatedNs:   nowNs(),
		DataOffset:  HeaderLen,
		DataLength:  b.dataLen,
		IndexOffset: HeaderLen + b.dataLen,
		IndexLength: uint64(len(indexBytes)),
		BloomOffset: HeaderLen + b.dataLen + uint64(len(indexBytes)),
		BloomLength: uint64(len(bloomBytes)),
	}

	if _, err := b.f.WriteAt(encodeHeader(h), 0); err != nil {
		return fmt.Errorf("sstable: backpatch header: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("sstable: sync: %w", err)
	}
	return b.f.Close()
}

// Abort discards a partially written file (e.g. the source memtable
// ended up empty).
func (b *Builder) Abort() error {
	path := b.f.Name()
	b.f.Close()
	return os.Remove(path)
}

// Count returns the number of entries written so far.
func (b *Builder) Count() uint64 { return b.count }
