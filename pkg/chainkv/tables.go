package chainkv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("entry not present in the chain store")
	ErrGap          = errors.New("gap inside a contiguous key range")
	ErrShortValue   = errors.New("value is too short for its record type")
	ErrBadKey       = errors.New("malformed chain store key")
	ErrUnknownTable = errors.New("unknown chain store table")
)

// Table identifies one keyspace of the chain store. Every key is the table
// prefix followed by a big endian block or transaction number, so keys of
// one table iterate in numeric order.
type Table uint8

const (
	// TableHeaders maps a block number to its raw header bytes.
	TableHeaders Table = iota + 1
	// TableHeaderTD maps a block number to its raw total difficulty bytes.
	TableHeaderTD
	// TableCanonicalHashes maps a block number to its canonical hash.
	TableCanonicalHashes
	// TableBodyIndices maps a block number to its BodyIndices record.
	TableBodyIndices
	// TableTransactions maps a transaction number to its raw bytes.
	TableTransactions
	// TableReceipts maps a transaction number to its raw receipt bytes.
	TableReceipts
	// TableTxHashes maps a transaction number to its hash.
	TableTxHashes

	tableCount = iota + 1
)

func (t Table) String() string {
	switch t {
	case TableHeaders:
		return "headers"
	case TableHeaderTD:
		return "header-td"
	case TableCanonicalHashes:
		return "canonical-hashes"
	case TableBodyIndices:
		return "body-indices"
	case TableTransactions:
		return "transactions"
	case TableReceipts:
		return "receipts"
	case TableTxHashes:
		return "tx-hashes"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

const encodedKeySize = 1 + 8

// EncodeKey builds the store key for entry n of table t.
func EncodeKey(t Table, n uint64) []byte {
	key := make([]byte, encodedKeySize)
	key[0] = byte(t)
	binary.BigEndian.PutUint64(key[1:], n)
	return key
}

// DecodeKey recovers the table and entry number from a store key.
func DecodeKey(key []byte) (Table, uint64, error) {
	if len(key) != encodedKeySize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrBadKey, len(key))
	}
	t := Table(key[0])
	if t < TableHeaders || t >= tableCount {
		return 0, 0, fmt.Errorf("%w: prefix %d", ErrUnknownTable, key[0])
	}
	return t, binary.BigEndian.Uint64(key[1:]), nil
}

// keyUpperBound returns the exclusive iteration bound that still admits the
// inclusive end key of table t.
func keyUpperBound(t Table, end uint64) []byte {
	if end == ^uint64(0) {
		return []byte{byte(t) + 1}
	}
	return EncodeKey(t, end+1)
}

/* body indices record:
┌──────────────────────────────────────────┐
│ first tx num   uint64    little endian   │
│ tx count       uint64    little endian   │
└──────────────────────────────────────────┘
*/

const bodyIndicesSize = 16

// BodyIndices locates a block's transactions inside the global transaction
// numbering: the block owns tx numbers [FirstTxNum, FirstTxNum+TxCount).
// An empty block carries the next tx number with a zero count.
type BodyIndices struct {
	FirstTxNum uint64
	TxCount    uint64
}

// LastTxNum returns the number of the block's last transaction. Only
// meaningful when TxCount is not zero.
func (b BodyIndices) LastTxNum() uint64 {
	return b.FirstTxNum + b.TxCount - 1
}

// NextTxNum returns the first tx number past the block.
func (b BodyIndices) NextTxNum() uint64 {
	return b.FirstTxNum + b.TxCount
}

// MarshalBinary encodes the record as a fixed size little endian value.
func (b BodyIndices) MarshalBinary() ([]byte, error) {
	buf := make([]byte, bodyIndicesSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.FirstTxNum)
	binary.LittleEndian.PutUint64(buf[8:16], b.TxCount)
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (b *BodyIndices) UnmarshalBinary(data []byte) error {
	if len(data) < bodyIndicesSize {
		return fmt.Errorf("%w: body indices in %d bytes", ErrShortValue, len(data))
	}
	b.FirstTxNum = binary.LittleEndian.Uint64(data[0:8])
	b.TxCount = binary.LittleEndian.Uint64(data[8:16])
	return nil
}
