package coldstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/jarfs"
)

// SegmentWriter is the exclusive append handle for one (segment, bucket)
// jar. It layers block and transaction continuity checks over the raw jar
// appender: every row must extend the committed range by exactly one, so
// a migration that lost track of its position fails loudly instead of
// weaving a gap into a cold file.
//
// All methods are safe for concurrent use, though the continuity checks
// make interleaved writers pointless; one goroutine drives a segment.
type SegmentWriter struct {
	store *Store
	key   bucketKey
	seg   coldfile.Segment
	app   *jarfs.Appender

	mu        sync.Mutex
	committed coldfile.SegmentHeader
	closed    atomic.Bool
}

// Segment returns the segment kind this writer appends to.
func (w *SegmentWriter) Segment() coldfile.Segment {
	return w.seg
}

// Rows returns the row count including rows not yet committed.
func (w *SegmentWriter) Rows() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.app.Rows()
}

// CommittedHeader returns a copy of the header as of the last commit.
func (w *SegmentWriter) CommittedHeader() coldfile.SegmentHeader {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// NextBlock returns the block number the next increment must carry.
func (w *SegmentWriter) NextBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextBlock()
}

func (w *SegmentWriter) nextBlock() uint64 {
	header := w.app.Header()
	if end, ok := header.BlockEnd(); ok {
		return end + 1
	}
	return header.ExpectedRange().Start
}

// IncrementBlock extends the block range by one after verifying the
// caller and the header agree on which block that is. Returns the new
// highest block.
func (w *SegmentWriter) IncrementBlock(expected uint64) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if next := w.nextBlock(); expected != next {
		return 0, fmt.Errorf("%w: got block %d, next is %d", ErrUnexpectedBlock, expected, next)
	}
	return w.app.Header().IncrementBlock(), nil
}

// AppendHeader appends one three column header row and advances the block
// range. Returns the block number now covered.
func (w *SegmentWriter) AppendHeader(expected uint64, header, td, hash []byte) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if !w.seg.IsHeaders() {
		return 0, fmt.Errorf("%w: %s writer cannot take header rows", ErrSegmentKind, w.seg)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if next := w.nextBlock(); expected != next {
		return 0, fmt.Errorf("%w: got block %d, next is %d", ErrUnexpectedBlock, expected, next)
	}
	if err := w.app.Append([][]byte{header, td, hash}); err != nil {
		return 0, err
	}
	return w.app.Header().IncrementBlock(), nil
}

// AppendTransaction appends one raw transaction row for txNum.
func (w *SegmentWriter) AppendTransaction(txNum uint64, raw []byte) error {
	return w.appendTxRow(coldfile.SegmentTransactions, txNum, raw)
}

// AppendReceipt appends one raw receipt row for txNum.
func (w *SegmentWriter) AppendReceipt(txNum uint64, raw []byte) error {
	return w.appendTxRow(coldfile.SegmentReceipts, txNum, raw)
}

// appendTxRow appends a single column row keyed by a transaction number.
// The first row of a fresh bucket pins the range start to txNum; every
// later row must carry the next number in sequence.
func (w *SegmentWriter) appendTxRow(want coldfile.Segment, txNum uint64, raw []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.seg != want {
		return fmt.Errorf("%w: %s writer cannot take %s rows", ErrSegmentKind, w.seg, want)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	header := w.app.Header()
	seeded := false
	if end, ok := header.TxEnd(); ok {
		if txNum != end+1 {
			return fmt.Errorf("%w: got tx %d, next is %d", ErrUnexpectedTxNum, txNum, end+1)
		}
	} else {
		seeded = true
	}
	if err := w.app.Append([][]byte{raw}); err != nil {
		return err
	}
	if seeded {
		header.SetTxRange(txNum, txNum)
	} else {
		header.IncrementTx()
	}
	return nil
}

// Commit makes all buffered rows and the advanced header durable.
func (w *SegmentWriter) Commit() error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.app.Commit(); err != nil {
		return err
	}
	w.committed = *w.app.Header()
	w.store.noteCommitted(w.seg, w.committed)
	return nil
}

// PruneRows removes rows from the jar's tail, buffered rows first, and
// commits the shrunk state.
func (w *SegmentWriter) PruneRows(rows uint64) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.app.PruneRows(rows); err != nil {
		return err
	}
	w.committed = *w.app.Header()
	w.store.noteCommitted(w.seg, w.committed)
	return nil
}

// Close releases the writer without committing; buffered rows are
// discarded. The store forgets the writer, so the next Writer call
// reopens the jar from its durable state.
func (w *SegmentWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.store.dropWriter(w.key)
	return w.app.Close()
}
