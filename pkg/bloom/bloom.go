// Package bloom implements a fixed-size Bloom filter used by the SSTable
// reader to skip a mmap'd data block scan when a key is provably absent.
package bloom

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Filter is a serializable Bloom filter over byte-slice keys.
type Filter struct {
	bits []byte
	k    uint32
}

// NewFilter sizes a filter for n expected keys at false-positive rate p,
// using m = -n*ln(p)/(ln2)^2 and k = round(m/n * ln2).
func NewFilter(n int, falsePositiveRate float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	ln2 := math.Ln2
	m := math.Ceil(-float64(n) * math.Log(falsePositiveRate) / (ln2 * ln2))
	k := math.Round(m / float64(n) * ln2)
	if k < 1 {
		k = 1
	}

	numBytes := int(math.Ceil(m / 8))
	if numBytes < 1 {
		numBytes = 1
	}

	return &Filter{bits: make([]byte, numBytes), k: uint32(k)}
}

func (f *Filter) hashes(key []byte) (h1, h2 uint64) {
	hasher := fnv.New64a()
	hasher.Write(key)
	h1 = hasher.Sum64()
	hasher.Reset()
	hasher.Write(key)
	hasher.Write([]byte{0xff})
	h2 = hasher.Sum64()
	return
}

// Add inserts key using the double-hashing technique (Kirsch-Mitzenmacher):
// k independent hash positions are derived from two base hashes instead of
// k separate hash functions.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.hashes(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % nbits
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain reports whether key might be present. false is a definitive
// answer; true may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % nbits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw bit array for serialization.
func (f *Filter) Bytes() []byte { return f.bits }

// K returns the number of hash functions used.
func (f *Filter) K() uint32 { return f.k }

// Encode serializes the filter as [k(4)][len(bits)(4)][bits...].
func (f *Filter) Encode() []byte {
	buf := make([]byte, 8+len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:4], f.k)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.bits)))
	copy(buf[8:], f.bits)
	return buf
}

// Decode parses a filter previously produced by Encode.
func Decode(buf []byte) (*Filter, error) {
	if len(buf) < 8 {
		return nil, ErrCorruptFilter
	}
	k := binary.LittleEndian.Uint32(buf[0:4])
	n := binary.LittleEndian.Uint32(buf[4:8])
	if uint32(len(buf)-8) != n {
		return nil, ErrCorruptFilter
	}
	bits := make([]byte, n)
	copy(bits, buf[8:])
	return &Filter{bits: bits, k: k}, nil
}
