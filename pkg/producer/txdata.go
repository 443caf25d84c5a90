package producer

import (
	"context"
	"fmt"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/chainkv"
	"github.com/coldfile/coldfile/pkg/coldstore"
)

// txSegment migrates transaction keyed data, covering both raw
// transactions and receipts; the two differ only in the source table and
// the writer method taking the row. Rows are resolved block by block
// through the body indices, so the block range and the transaction range
// of a cold file advance together.
type txSegment struct {
	kind  coldfile.Segment
	table chainkv.Table
	opts  segmentOptions
}

func (s txSegment) Kind() coldfile.Segment {
	return s.kind
}

func (s txSegment) appendRow(w *coldstore.SegmentWriter, txNum uint64, raw []byte) error {
	if s.kind == coldfile.SegmentReceipts {
		return w.AppendReceipt(txNum, raw)
	}
	return w.AppendTransaction(txNum, raw)
}

func (s txSegment) Copy(ctx context.Context, snap *chainkv.Snapshot, store *coldstore.Store, rng coldfile.BlockRange) error {
	run := newCopyRun(store, s.kind, s.opts.commitEvery)
	err := func() error {
		for block := rng.Start; block <= rng.End; block++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			w, err := run.writerFor(ctx, block)
			if err != nil {
				return err
			}
			if _, err := w.IncrementBlock(block); err != nil {
				return err
			}
			indices, err := snap.BodyIndices(block)
			if err != nil {
				return fmt.Errorf("body indices for block %d: %w", block, err)
			}
			if indices.TxCount > 0 {
				if err := s.copyBlockRows(snap, w, indices); err != nil {
					return fmt.Errorf("block %d: %w", block, err)
				}
			}
			if s.opts.progress != nil {
				s.opts.progress(block)
			}
			if err := run.blockDone(); err != nil {
				return err
			}
		}
		return nil
	}()
	return run.finish(err)
}

// copyBlockRows appends the block's transaction rows in ascending
// transaction number order.
func (s txSegment) copyBlockRows(snap *chainkv.Snapshot, w *coldstore.SegmentWriter, indices chainkv.BodyIndices) error {
	cur, err := snap.WalkRange(s.table, indices.FirstTxNum, indices.LastTxNum())
	if err != nil {
		return err
	}
	defer cur.Close()

	for txNum := indices.FirstTxNum; txNum <= indices.LastTxNum(); txNum++ {
		if !cur.Next() {
			return rowGap(cur, s.table, txNum)
		}
		if cur.Number() != txNum {
			return fmt.Errorf("%w: want %s row %d, cursor at %d",
				chainkv.ErrGap, s.table, txNum, cur.Number())
		}
		if err := s.appendRow(w, txNum, cur.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (s txSegment) Create(ctx context.Context, snap *chainkv.Snapshot, dir string, cfg coldfile.SegmentConfig, rng coldfile.BlockRange) error {
	txs, ok, err := snap.TxRangeByBlockRange(rng)
	if err != nil {
		return fmt.Errorf("resolve tx range for %s: %w", rng, err)
	}
	var rowCount uint64
	if ok {
		rowCount = txs.Len()
	}

	b, err := prepareJar(ctx, snap, dir, cfg, s.kind, rng, rowCount, s.sample, s.keys)
	if err != nil {
		return err
	}
	defer b.Close()

	if ok {
		cur, err := snap.WalkRange(s.table, txs.Start, txs.End)
		if err != nil {
			return err
		}
		defer cur.Close()
		for txNum := txs.Start; txNum <= txs.End; txNum++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !cur.Next() {
				return rowGap(cur, s.table, txNum)
			}
			if cur.Number() != txNum {
				return fmt.Errorf("%w: want %s row %d, cursor at %d",
					chainkv.ErrGap, s.table, txNum, cur.Number())
			}
			if err := b.AppendRow([][]byte{cur.Value()}); err != nil {
				return err
			}
		}
	}
	return b.Finalize(ctx)
}

// sample walks the rows backward from the transaction range end; absent
// rows are corruption, never skipped.
func (s txSegment) sample(ctx context.Context, snap *chainkv.Snapshot, rows coldfile.BlockRange, limit uint64) ([][][]byte, error) {
	cur, err := snap.WalkBack(s.table, rows.End)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	values := make([][]byte, 0, limit)
	for n := uint64(0); n < limit; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		txNum := rows.End - n
		if !cur.Next() {
			return nil, rowGap(cur, s.table, txNum)
		}
		if cur.Number() != txNum {
			return nil, fmt.Errorf("%w: want %s row %d, cursor at %d",
				chainkv.ErrGap, s.table, txNum, cur.Number())
		}
		values = append(values, cloneValue(cur.Value()))
	}
	return [][][]byte{values}, nil
}

// keys are the transaction hashes of the owned rows, one per row.
func (s txSegment) keys(snap *chainkv.Snapshot, rows coldfile.BlockRange) ([][]byte, error) {
	return snap.TxHashesByRange(rows)
}
