package producer

import (
	"context"
	"fmt"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/chainkv"
	"github.com/coldfile/coldfile/pkg/coldstore"
)

// headersSegment migrates the three header tables in lockstep. Every row
// carries the header, its total difficulty and its canonical hash for one
// block, so the three source cursors must agree on the block number at
// every step; any drift means the source is inconsistent and the walk
// stops before the bad row is committed anywhere.
type headersSegment struct {
	opts segmentOptions
}

func (s headersSegment) Kind() coldfile.Segment {
	return coldfile.SegmentHeaders
}

// walkRows drives the zipped ascending walk over the three header tables
// and hands each reconciled row to fn.
func (s headersSegment) walkRows(
	ctx context.Context,
	snap *chainkv.Snapshot,
	rng coldfile.BlockRange,
	fn func(block uint64, header, td, hash []byte) error,
) error {
	headers, err := snap.WalkRange(chainkv.TableHeaders, rng.Start, rng.End)
	if err != nil {
		return err
	}
	defer headers.Close()
	tds, err := snap.WalkRange(chainkv.TableHeaderTD, rng.Start, rng.End)
	if err != nil {
		return err
	}
	defer tds.Close()
	hashes, err := snap.WalkRange(chainkv.TableCanonicalHashes, rng.Start, rng.End)
	if err != nil {
		return err
	}
	defer hashes.Close()

	for block := rng.Start; block <= rng.End; block++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !headers.Next() {
			return rowGap(headers, chainkv.TableHeaders, block)
		}
		if !tds.Next() {
			return rowGap(tds, chainkv.TableHeaderTD, block)
		}
		if !hashes.Next() {
			return rowGap(hashes, chainkv.TableCanonicalHashes, block)
		}
		if headers.Number() != block || tds.Number() != block || hashes.Number() != block {
			return fmt.Errorf("%w: block %d read as header=%d td=%d hash=%d",
				ErrBlockMismatch, block, headers.Number(), tds.Number(), hashes.Number())
		}
		if err := fn(block, headers.Value(), tds.Value(), hashes.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (s headersSegment) Copy(ctx context.Context, snap *chainkv.Snapshot, store *coldstore.Store, rng coldfile.BlockRange) error {
	run := newCopyRun(store, s.Kind(), s.opts.commitEvery)
	err := s.walkRows(ctx, snap, rng, func(block uint64, header, td, hash []byte) error {
		w, err := run.writerFor(ctx, block)
		if err != nil {
			return err
		}
		if _, err := w.AppendHeader(block, header, td, hash); err != nil {
			return err
		}
		if s.opts.progress != nil {
			s.opts.progress(block)
		}
		return run.blockDone()
	})
	return run.finish(err)
}

func (s headersSegment) Create(ctx context.Context, snap *chainkv.Snapshot, dir string, cfg coldfile.SegmentConfig, rng coldfile.BlockRange) error {
	b, err := prepareJar(ctx, snap, dir, cfg, s.Kind(), rng, rng.Len(), s.sample, s.keys)
	if err != nil {
		return err
	}
	defer b.Close()

	err = s.walkRows(ctx, snap, rng, func(_ uint64, header, td, hash []byte) error {
		return b.AppendRow([][]byte{header, td, hash})
	})
	if err != nil {
		return err
	}
	return b.Finalize(ctx)
}

// sample walks the three tables backward from the range end, collecting
// per column raw values for dictionary training. A row the range says
// must exist but the store cannot produce is corruption, not something to
// sample around.
func (s headersSegment) sample(ctx context.Context, snap *chainkv.Snapshot, rows coldfile.BlockRange, limit uint64) ([][][]byte, error) {
	headers, err := snap.WalkBack(chainkv.TableHeaders, rows.End)
	if err != nil {
		return nil, err
	}
	defer headers.Close()
	tds, err := snap.WalkBack(chainkv.TableHeaderTD, rows.End)
	if err != nil {
		return nil, err
	}
	defer tds.Close()
	hashes, err := snap.WalkBack(chainkv.TableCanonicalHashes, rows.End)
	if err != nil {
		return nil, err
	}
	defer hashes.Close()

	samples := [3][][]byte{}
	for n := uint64(0); n < limit; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block := rows.End - n
		if !headers.Next() {
			return nil, rowGap(headers, chainkv.TableHeaders, block)
		}
		if !tds.Next() {
			return nil, rowGap(tds, chainkv.TableHeaderTD, block)
		}
		if !hashes.Next() {
			return nil, rowGap(hashes, chainkv.TableCanonicalHashes, block)
		}
		if headers.Number() != block || tds.Number() != block || hashes.Number() != block {
			return nil, fmt.Errorf("%w: block %d read as header=%d td=%d hash=%d",
				ErrBlockMismatch, block, headers.Number(), tds.Number(), hashes.Number())
		}
		samples[0] = append(samples[0], cloneValue(headers.Value()))
		samples[1] = append(samples[1], cloneValue(tds.Value()))
		samples[2] = append(samples[2], cloneValue(hashes.Value()))
	}
	return samples[:], nil
}

// keys are the canonical block hashes, one per row.
func (s headersSegment) keys(snap *chainkv.Snapshot, rows coldfile.BlockRange) ([][]byte, error) {
	return snap.HeaderHashesByRange(rows)
}
