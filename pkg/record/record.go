// Package record defines the event record variants exchanged between the
// matching engine and the storage/notification core, plus a self-describing
// binary codec with an integrity checksum.
//
// A Record is a tagged union: one Kind byte selects which variant's fields
// are meaningful. Encoding is stable across the schema Version carried in
// every WAL/SSTable header; decoding validates structural integrity before
// handing back a typed view, so a caller never reads past a truncated or
// corrupted buffer.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// SchemaVersion is embedded in every WAL and SSTable header. Bump it only
// when the wire layout of Record changes in a way old readers cannot skip.
const SchemaVersion uint32 = 1

// Kind discriminates the Record variant.
type Kind byte

const (
	KindOrderInsert      Kind = 1
	KindOrderCancel      Kind = 2
	KindTradeExecuted    Kind = 3
	KindAccountUpdate    Kind = 4
	KindTickData         Kind = 5
	KindOrderBookSnap    Kind = 6
	KindOrderBookDelta   Kind = 7
	KindCheckpointMarker Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindOrderInsert:
		return "OrderInsert"
	case KindOrderCancel:
		return "OrderCancel"
	case KindTradeExecuted:
		return "TradeExecuted"
	case KindAccountUpdate:
		return "AccountUpdate"
	case KindTickData:
		return "TickData"
	case KindOrderBookSnap:
		return "OrderBookSnapshot"
	case KindOrderBookDelta:
		return "OrderBookDelta"
	case KindCheckpointMarker:
		return "Checkpoint"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// UserID, OrderID and TradeID are opaque fixed-width identifiers. Their
// contents are caller-defined; the core never interprets them beyond
// byte-equality and ordering.
type UserID [32]byte
type OrderID [40]byte
type TradeID [40]byte

// KeyTag is the leading byte of a storage key, identifying which
// business entity the remaining bytes address.
type KeyTag byte

const (
	// KeyTagOrder keys on OrderID. OrderInsert and OrderCancel share this
	// tag so that a later event for the same order collides with and
	// supersedes the earlier one under newest-wins: the key converges on
	// one order's current status rather than one row per event.
	KeyTagOrder KeyTag = 1
	// KeyTagTrade keys on TradeID.
	KeyTagTrade KeyTag = 2
	// KeyTagAccount keys on UserID. Successive AccountUpdate events for
	// the same user collide under newest-wins, so a point read returns
	// the user's latest balance/frozen snapshot.
	KeyTagAccount KeyTag = 3
	// KeyTagMarket keys on the record's own sequence number. Tick data,
	// order-book snapshots/deltas and checkpoint markers name no
	// business entity to converge on — they are a time series of
	// independent points, not mutable per-entity state — so their key
	// space stays sequence-ordered and collision-free by construction.
	KeyTagMarket KeyTag = 4
)

// OrderKey, TradeKey and AccountKey build the storage key used to look up
// or overwrite one business entity's current state.
func OrderKey(id OrderID) []byte   { return tagged(KeyTagOrder, id[:]) }
func TradeKey(id TradeID) []byte   { return tagged(KeyTagTrade, id[:]) }
func AccountKey(id UserID) []byte  { return tagged(KeyTagAccount, id[:]) }

func tagged(tag KeyTag, id []byte) []byte {
	key := make([]byte, 1+len(id))
	key[0] = byte(tag)
	copy(key[1:], id)
	return key
}

// Key computes r's storage key: a single-byte type tag followed by the
// primary identifier bytes. Keys for OrderInsert/OrderCancel/TradeExecuted/
// AccountUpdate converge on the entity they describe; every other kind
// falls back to a tagged, big-endian sequence number so it stays unique
// without claiming a business identity the record doesn't have.
func Key(r *Record) []byte {
	switch r.Kind {
	case KindOrderInsert, KindOrderCancel:
		return OrderKey(r.Order)
	case KindTradeExecuted:
		return TradeKey(r.Trade)
	case KindAccountUpdate:
		return AccountKey(r.User)
	default:
		buf := make([]byte, 9)
		buf[0] = byte(KeyTagMarket)
		binary.BigEndian.PutUint64(buf[1:], r.Sequence)
		return buf
	}
}

// Record is the decoded, in-memory form of one event. Exactly the fields
// relevant to Kind are populated; callers must switch on Kind before
// reading variant-specific fields.
type Record struct {
	Kind      Kind
	Sequence  uint64
	TimestampNs int64

	User  UserID
	Order OrderID
	Trade TradeID

	// Numeric payload, interpretation depends on Kind:
	//   OrderInsert:    Price, Quantity, Side (0=buy,1=sell)
	//   OrderCancel:    (Order only)
	//   TradeExecuted:  Price, Quantity
	//   AccountUpdate:  Balance, Frozen
	//   TickData:       Price (last trade price), Quantity (volume)
	Price    int64
	Quantity int64
	Balance  int64
	Frozen   int64
	Side     byte

	// Instrument identifies which per-instrument pipeline owns this
	// record; it is not persisted in the record payload itself (the WAL
	// file/manifest is already scoped per instrument) but callers crossing
	// instrument boundaries (the notification bus) need it attached.
	Instrument string

	// Extra carries variant-specific free-form bytes (order book deltas,
	// snapshots) the core treats as opaque.
	Extra []byte
}

// CRC32 computes the IEEE CRC32 over payload bytes. Always computed from
// the actual payload — never hardcoded to zero.
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Encode serializes r into scratch if it has enough capacity, otherwise
// allocates a new buffer. The returned slice is ready to be wrapped in a
// WAL frame or appended to an SSTable data block.
func Encode(r *Record, scratch []byte) []byte {
	size := encodedSize(r)
	var buf []byte
	if cap(scratch) >= size {
		buf = scratch[:size]
	} else {
		buf = make([]byte, size)
	}

	b := buf
	b[0] = byte(r.Kind)
	b[1] = r.Side
	binary.LittleEndian.PutUint64(b[2:10], r.Sequence)
	binary.LittleEndian.PutUint64(b[10:18], uint64(r.TimestampNs))
	copy(b[18:50], r.User[:])
	copy(b[50:90], r.Order[:])
	copy(b[90:130], r.Trade[:])
	binary.LittleEndian.PutUint64(b[130:138], uint64(r.Price))
	binary.LittleEndian.PutUint64(b[138:146], uint64(r.Quantity))
	binary.LittleEndian.PutUint64(b[146:154], uint64(r.Balance))
	binary.LittleEndian.PutUint64(b[154:162], uint64(r.Frozen))
	binary.LittleEndian.PutUint32(b[162:166], uint32(len(r.Extra)))
	copy(b[166:], r.Extra)
	return buf
}

const fixedHeaderLen = 166

func encodedSize(r *Record) int {
	return fixedHeaderLen + len(r.Extra)
}

// ErrCorruptRecord is returned by DecodeValidated when a buffer is too
// short or its internal length fields overrun the slice.
var ErrCorruptRecord = fmt.Errorf("record: corrupt record")

// ArchivedRecord is a validated, zero-copy view over an encoded buffer.
// Its accessors read directly out of buf; callers who need to retain a
// field past the lifetime of buf (e.g. an SSTable mmap region) must copy
// explicitly.
type ArchivedRecord struct {
	buf []byte
}

// DecodeValidated validates structural integrity (length fields that stay
// in bounds) and returns a borrowed view. It does not by itself check a
// CRC — WAL replay verifies the frame's CRC32 before calling
// DecodeValidated; SSTable entries carry no CRC, so reads from an SSTable
// rely on this structural check alone.
func DecodeValidated(buf []byte) (*ArchivedRecord, error) {
	if len(buf) < fixedHeaderLen {
		return nil, ErrCorruptRecord
	}
	extraLen := int(binary.LittleEndian.Uint32(buf[162:166]))
	if extraLen < 0 || fixedHeaderLen+extraLen != len(buf) {
		return nil, ErrCorruptRecord
	}
	return &ArchivedRecord{buf: buf}, nil
}

func (a *ArchivedRecord) Kind() Kind          { return Kind(a.buf[0]) }
func (a *ArchivedRecord) Side() byte          { return a.buf[1] }
func (a *ArchivedRecord) Sequence() uint64    { return binary.LittleEndian.Uint64(a.buf[2:10]) }
func (a *ArchivedRecord) TimestampNs() int64 {
	return int64(binary.LittleEndian.Uint64(a.buf[10:18]))
}
func (a *ArchivedRecord) Price() int64    { return int64(binary.LittleEndian.Uint64(a.buf[130:138])) }
func (a *ArchivedRecord) Quantity() int64 { return int64(binary.LittleEndian.Uint64(a.buf[138:146])) }
func (a *ArchivedRecord) Balance() int64  { return int64(binary.LittleEndian.Uint64(a.buf[146:154])) }
func (a *ArchivedRecord) Frozen() int64   { return int64(binary.LittleEndian.Uint64(a.buf[154:162])) }

func (a *ArchivedRecord) User() UserID {
	var u UserID
	copy(u[:], a.buf[18:50])
	return u
}

func (a *ArchivedRecord) Order() OrderID {
	var o OrderID
	copy(o[:], a.buf[50:90])
	return o
}

func (a *ArchivedRecord) Trade() TradeID {
	var t TradeID
	copy(t[:], a.buf[90:130])
	return t
}

// Extra returns a borrow of the variant-specific trailing bytes.
func (a *ArchivedRecord) Extra() []byte {
	return a.buf[fixedHeaderLen:]
}

// ToRecord copies the archived view into an owned Record.
func (a *ArchivedRecord) ToRecord() *Record {
	extra := make([]byte, len(a.Extra()))
	copy(extra, a.Extra())
	return &Record{
		Kind:        a.Kind(),
		Sequence:    a.Sequence(),
		TimestampNs: a.TimestampNs(),
		User:        a.User(),
		Order:       a.Order(),
		Trade:       a.Trade(),
		Price:       a.Price(),
		Quantity:    a.Quantity(),
		Balance:     a.Balance(),
		Frozen:      a.Frozen(),
		Side:        a.Side(),
		Extra:       extra,
	}
}
