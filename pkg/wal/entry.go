package wal

import (
	"encoding/binary"

	"github.com/cuemby/qaxcore/pkg/record"
)

// entryHeaderLen is the fixed prefix of a WalEntry: sequence(8) + crc32(4) + timestamp_ns(8).
const entryHeaderLen = 20

// encodeEntry frames one record as a WalEntry{sequence, crc32, timestamp, record}.
// The CRC32 always covers the actual record payload — never hardcoded to zero.
func encodeEntry(seq uint64, timestampNs int64, payload []byte) []byte {
	buf := make([]byte, entryHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], record.CRC32(payload))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(timestampNs))
	copy(buf[entryHeaderLen:], payload)
	return buf
}

// decodeEntry parses a WalEntry frame and verifies its CRC. A mismatch
// returns ErrCorruptFrame, which replay treats as the torn-tail EOF shape
// rather than a hard error.
func decodeEntry(buf []byte) (seq uint64, timestampNs int64, payload []byte, err error) {
	if len(buf) < entryHeaderLen {
		return 0, 0, nil, ErrCorruptFrame
	}
	seq = binary.LittleEndian.Uint64(buf[0:8])
	crc := binary.LittleEndian.Uint32(buf[8:12])
	timestampNs = int64(binary.LittleEndian.Uint64(buf[12:20]))
	payload = buf[entryHeaderLen:]
	if record.CRC32(payload) != crc {
		return 0, 0, nil, ErrCorruptFrame
	}
	return seq, timestampNs, payload, nil
}
