package coldfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortHeader   = errors.New("segment header buffer too short")
	ErrHeaderVersion = errors.New("unsupported segment header version")
)

const (
	segmentHeaderVersion = 1

	// SegmentHeaderSize is the fixed encoded size of a SegmentHeader:
	// version, segment, flags, one reserved byte, then three ranges as
	// start and end pairs.
	SegmentHeaderSize = 4 + 6*8
)

const (
	headerFlagBlocks = 1 << 0
	headerFlagTxs    = 1 << 1
)

// BlockRange is an inclusive span of block or transaction numbers.
type BlockRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of entries in the range.
func (r BlockRange) Len() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether n falls inside the range.
func (r BlockRange) Contains(n uint64) bool {
	return n >= r.Start && n <= r.End
}

func (r BlockRange) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

// SegmentHeader is the durable state of one cold file. It reconciles the
// bucket the file nominally owns with the rows actually committed: the
// expected range never changes once the file exists, while the block and tx
// ranges grow with appends and shrink with prunes. Either committed range
// may be absent, meaning no rows of that kind were committed yet.
type SegmentHeader struct {
	expected  BlockRange
	blocks    BlockRange
	txs       BlockRange
	seg       Segment
	hasBlocks bool
	hasTxs    bool
}

// NewSegmentHeader returns a header for a fresh cold file owning the given
// bucket, with no committed rows.
func NewSegmentHeader(s Segment, expected BlockRange) SegmentHeader {
	return SegmentHeader{seg: s, expected: expected}
}

// Segment returns the segment this header belongs to.
func (h *SegmentHeader) Segment() Segment { return h.seg }

// ExpectedRange returns the bucket the file nominally owns.
func (h *SegmentHeader) ExpectedRange() BlockRange { return h.expected }

// BlockRange returns the committed block range, if any rows were committed.
func (h *SegmentHeader) BlockRange() (BlockRange, bool) {
	return h.blocks, h.hasBlocks
}

// TxRange returns the committed transaction range, if any.
func (h *SegmentHeader) TxRange() (BlockRange, bool) {
	return h.txs, h.hasTxs
}

// BlockEnd returns the highest committed block number.
func (h *SegmentHeader) BlockEnd() (uint64, bool) {
	return h.blocks.End, h.hasBlocks
}

// TxEnd returns the highest committed transaction number.
func (h *SegmentHeader) TxEnd() (uint64, bool) {
	return h.txs.End, h.hasTxs
}

// Rows returns the number of committed rows: blocks for the headers
// segment, transactions otherwise. Zero when nothing was committed.
func (h *SegmentHeader) Rows() uint64 {
	if h.seg.IsHeaders() {
		if !h.hasBlocks {
			return 0
		}
		return h.blocks.Len()
	}
	if !h.hasTxs {
		return 0
	}
	return h.txs.Len()
}

// SetBlockRange overwrites the committed block range.
func (h *SegmentHeader) SetBlockRange(start, end uint64) {
	h.blocks = BlockRange{Start: start, End: end}
	h.hasBlocks = true
}

// SetTxRange overwrites the committed transaction range.
func (h *SegmentHeader) SetTxRange(start, end uint64) {
	h.txs = BlockRange{Start: start, End: end}
	h.hasTxs = true
}

// IncrementBlock extends the committed block range by one block and returns
// the new highest block. The first call on a fresh header starts the range
// at the bucket's first block.
func (h *SegmentHeader) IncrementBlock() uint64 {
	if !h.hasBlocks {
		h.blocks = BlockRange{Start: h.expected.Start, End: h.expected.Start}
		h.hasBlocks = true
		return h.expected.Start
	}
	h.blocks.End++
	return h.blocks.End
}

// IncrementTx extends the committed transaction range by one. It does
// nothing on the headers segment. The first call on a fresh header starts
// the range at zero; callers placing the first transaction of a bucket use
// SetTxRange with the real transaction number instead.
func (h *SegmentHeader) IncrementTx() {
	if h.seg.IsHeaders() {
		return
	}
	if !h.hasTxs {
		h.txs = BlockRange{}
		h.hasTxs = true
		return
	}
	h.txs.End++
}

// Prune removes rows from the tail of the committed range. Removing as many
// rows as are committed, or more, leaves the range unset.
func (h *SegmentHeader) Prune(rows uint64) {
	if h.seg.IsHeaders() {
		if !h.hasBlocks {
			return
		}
		if rows >= h.blocks.Len() {
			h.blocks = BlockRange{}
			h.hasBlocks = false
			return
		}
		h.blocks.End -= rows
		return
	}
	if !h.hasTxs {
		return
	}
	if rows >= h.txs.Len() {
		h.txs = BlockRange{}
		h.hasTxs = false
		return
	}
	h.txs.End -= rows
}

// MarshalBinary encodes the header as a fixed size little endian record.
func (h *SegmentHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SegmentHeaderSize)
	buf[0] = segmentHeaderVersion
	buf[1] = byte(h.seg)

	var flags byte
	if h.hasBlocks {
		flags |= headerFlagBlocks
	}
	if h.hasTxs {
		flags |= headerFlagTxs
	}
	buf[2] = flags

	off := 4
	for _, v := range [6]uint64{
		h.expected.Start, h.expected.End,
		h.blocks.Start, h.blocks.End,
		h.txs.Start, h.txs.End,
	} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (h *SegmentHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < SegmentHeaderSize {
		return ErrShortHeader
	}
	if buf[0] != segmentHeaderVersion {
		return ErrHeaderVersion
	}
	if buf[1] >= segmentCount {
		return ErrUnknownSegment
	}

	h.seg = Segment(buf[1])
	flags := buf[2]
	h.hasBlocks = flags&headerFlagBlocks != 0
	h.hasTxs = flags&headerFlagTxs != 0

	var vals [6]uint64
	off := 4
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	h.expected = BlockRange{Start: vals[0], End: vals[1]}
	h.blocks = BlockRange{Start: vals[2], End: vals[3]}
	h.txs = BlockRange{Start: vals[4], End: vals[5]}
	return nil
}
