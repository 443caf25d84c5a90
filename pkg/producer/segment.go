package producer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/chainkv"
	"github.com/coldfile/coldfile/pkg/coldstore"
	"github.com/coldfile/coldfile/pkg/jarfs"
)

var (
	ErrBlockMismatch  = errors.New("source tables disagree on the block number")
	ErrAlreadyRunning = errors.New("a migration run is already in progress")
)

const defaultCommitInterval = 10_000

// Segment migrates one kind of chain data into cold files. Copy extends
// the segment's cold files incrementally through a store; Create builds a
// single fresh jar in one pass, including filter artifacts and trained
// dictionaries when the configuration asks for them.
type Segment interface {
	Kind() coldfile.Segment
	Copy(ctx context.Context, snap *chainkv.Snapshot, store *coldstore.Store, rng coldfile.BlockRange) error
	Create(ctx context.Context, snap *chainkv.Snapshot, dir string, cfg coldfile.SegmentConfig, rng coldfile.BlockRange) error
}

// SegmentOption configures a segment worker.
type SegmentOption func(*segmentOptions)

type segmentOptions struct {
	commitEvery uint64
	progress    func(block uint64)
}

// WithSegmentCommitInterval sets how many blocks a Copy run appends
// between durable commits. Commits always land on block boundaries; a
// smaller interval narrows the window re-copied after an interruption.
func WithSegmentCommitInterval(blocks uint64) SegmentOption {
	return func(o *segmentOptions) {
		if blocks > 0 {
			o.commitEvery = blocks
		}
	}
}

// withProgressFunc installs a per-block hook invoked after each block is
// appended during Copy.
func withProgressFunc(fn func(block uint64)) SegmentOption {
	return func(o *segmentOptions) {
		o.progress = fn
	}
}

func newSegmentOptions(opts []SegmentOption) segmentOptions {
	o := segmentOptions{commitEvery: defaultCommitInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewHeaders returns the worker migrating block headers, total
// difficulties and canonical hashes.
func NewHeaders(opts ...SegmentOption) Segment {
	return headersSegment{opts: newSegmentOptions(opts)}
}

// NewTransactions returns the worker migrating raw transactions.
func NewTransactions(opts ...SegmentOption) Segment {
	return txSegment{kind: coldfile.SegmentTransactions, table: chainkv.TableTransactions, opts: newSegmentOptions(opts)}
}

// NewReceipts returns the worker migrating transaction receipts.
func NewReceipts(opts ...SegmentOption) Segment {
	return txSegment{kind: coldfile.SegmentReceipts, table: chainkv.TableReceipts, opts: newSegmentOptions(opts)}
}

// copyRun tracks the writer and commit cadence of one Copy invocation.
// Commits are issued only at block boundaries, so the durable state is
// always block aligned; on failure the tail since the last commit is
// discarded rather than committed half done.
type copyRun struct {
	store       *coldstore.Store
	kind        coldfile.Segment
	commitEvery uint64

	w           *coldstore.SegmentWriter
	bucketEnd   uint64
	sinceCommit uint64
}

func newCopyRun(store *coldstore.Store, kind coldfile.Segment, commitEvery uint64) *copyRun {
	return &copyRun{store: store, kind: kind, commitEvery: commitEvery}
}

// writerFor returns the writer owning block, committing and rolling over
// when the block crosses into the next bucket. A rolled-over bucket is
// complete, so its writer is committed and closed for good.
func (r *copyRun) writerFor(ctx context.Context, block uint64) (*coldstore.SegmentWriter, error) {
	if r.w != nil && block <= r.bucketEnd {
		return r.w, nil
	}
	if r.w != nil {
		if err := r.w.Commit(); err != nil {
			return nil, err
		}
		if err := r.w.Close(); err != nil {
			return nil, err
		}
		r.sinceCommit = 0
	}
	w, err := r.store.Writer(ctx, r.kind, block)
	if err != nil {
		return nil, err
	}
	r.w = w
	r.bucketEnd = coldfile.FindFixedRange(block).End
	return w, nil
}

// blockDone marks one block fully appended and commits when the cadence
// says so.
func (r *copyRun) blockDone() error {
	r.sinceCommit++
	if r.sinceCommit >= r.commitEvery {
		if err := r.w.Commit(); err != nil {
			return err
		}
		r.sinceCommit = 0
	}
	return nil
}

// finish settles the run: a clean walk commits the tail, a failed one
// closes the writer so rows past the last boundary commit never surface.
func (r *copyRun) finish(err error) error {
	if r.w == nil {
		return err
	}
	if err != nil {
		_ = r.w.Close()
		return err
	}
	if r.sinceCommit > 0 {
		return r.w.Commit()
	}
	return nil
}

// sampleFunc walks the row range backward and returns per column raw
// value samples for dictionary training, at most limit rows.
type sampleFunc func(ctx context.Context, snap *chainkv.Snapshot, rows coldfile.BlockRange, limit uint64) ([][][]byte, error)

// keysFunc collects the per row lookup keys, in row order.
type keysFunc func(snap *chainkv.Snapshot, rows coldfile.BlockRange) ([][]byte, error)

// prepareJar stages a one pass build: it resolves the transaction
// sub-range owned by rng, embeds the realized ranges in the jar header,
// trains dictionaries from a bounded backward sample and collects lookup
// keys, leaving the builder ready for row ingestion.
func prepareJar(
	ctx context.Context,
	snap *chainkv.Snapshot,
	dir string,
	cfg coldfile.SegmentConfig,
	segment coldfile.Segment,
	rng coldfile.BlockRange,
	rowCount uint64,
	sample sampleFunc,
	keys keysFunc,
) (*jarfs.Builder, error) {
	if cfg.Compression == coldfile.CompressionZstdDict && rowCount == 0 {
		return nil, fmt.Errorf("%w: no rows to sample in %s", jarfs.ErrDictionaryTraining, rng)
	}

	bucket := coldfile.FindFixedRange(rng.End)
	header := coldfile.NewSegmentHeader(segment, bucket)
	header.SetBlockRange(rng.Start, rng.End)

	rows := rng
	if segment.IsTxBased() {
		txs, ok, err := snap.TxRangeByBlockRange(rng)
		if err != nil {
			return nil, fmt.Errorf("resolve tx range for %s: %w", rng, err)
		}
		if ok {
			header.SetTxRange(txs.Start, txs.End)
		}
		rows = txs
	}

	path := filepath.Join(dir, coldfile.FilenameFor(segment, bucket, cfg))
	b, err := jarfs.NewBuilder(path, header, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Compression == coldfile.CompressionZstdDict {
		samples, err := sample(ctx, snap, rows, min(rowCount, coldfile.DictionarySampleCap))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		if err := b.TrainDictionaries(samples); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	if cfg.Filters.Active() && rowCount > 0 {
		keyList, err := keys(snap, rows)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		if err := b.AddKeys(keyList); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	return b, nil
}

// rowGap classifies a cursor stopping short of an expected row: an
// iterator error propagates as is, silence means the row is missing.
func rowGap(cur *chainkv.Cursor, t chainkv.Table, n uint64) error {
	if err := cur.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s row %d", chainkv.ErrGap, t, n)
}

func cloneValue(v []byte) []byte {
	return append([]byte(nil), v...)
}
