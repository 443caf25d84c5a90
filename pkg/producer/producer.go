package producer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/chainkv"
	"github.com/coldfile/coldfile/pkg/coldstore"
)

const defaultProgressInterval = 10_000

// Targets lists, per segment, the block range a run should migrate.
type Targets struct {
	entries [3]targetEntry
}

type targetEntry struct {
	rng coldfile.BlockRange
	ok  bool
}

// Set records a target range for the segment.
func (t *Targets) Set(seg coldfile.Segment, rng coldfile.BlockRange) {
	t.entries[seg] = targetEntry{rng: rng, ok: true}
}

// Range returns the segment's target range, if any.
func (t Targets) Range(seg coldfile.Segment) (coldfile.BlockRange, bool) {
	e := t.entries[seg]
	return e.rng, e.ok
}

// Any reports whether at least one segment has work.
func (t Targets) Any() bool {
	for _, e := range t.entries {
		if e.ok {
			return true
		}
	}
	return false
}

func (t Targets) String() string {
	var b strings.Builder
	for _, seg := range coldfile.AllSegments() {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if rng, ok := t.Range(seg); ok {
			fmt.Fprintf(&b, "%s=%s", seg, rng)
		} else {
			fmt.Fprintf(&b, "%s=none", seg)
		}
	}
	return b.String()
}

// Result maps each segment of a finished run to its committed range or
// its first error. A failed segment still reports the sub-range it made
// durable before stopping.
type Result struct {
	entries [3]resultEntry
}

type resultEntry struct {
	rng coldfile.BlockRange
	ok  bool
	err error
}

// Committed returns the range the segment committed during the run.
func (r Result) Committed(seg coldfile.Segment) (coldfile.BlockRange, bool) {
	e := r.entries[seg]
	return e.rng, e.ok
}

// Err returns the segment's error, nil for segments that finished or had
// no target.
func (r Result) Err(seg coldfile.Segment) error {
	return r.entries[seg].err
}

// FirstErr returns the first failing segment's error in dispatch order.
func (r Result) FirstErr() error {
	for _, seg := range coldfile.AllSegments() {
		if err := r.entries[seg].err; err != nil {
			return err
		}
	}
	return nil
}

// Producer orchestrates migration runs: it derives per-segment targets
// from the store's durable highest cursor, fans the segment copies out
// concurrently and isolates their failures, so one broken table never
// stalls the other segments' progress.
type Producer struct {
	db    *chainkv.DB
	store *coldstore.Store

	logger        *slog.Logger
	observer      func(Event)
	margin        uint64
	commitEvery   uint64
	progressEvery uint64

	runMu sync.Mutex
}

// Option configures a Producer.
type Option func(*Producer)

// WithSafetyMargin sets how many blocks behind the chain tip migration
// stays. The default of one bucket width keeps the hot store authoritative
// for any block a reorg could still touch.
func WithSafetyMargin(blocks uint64) Option {
	return func(p *Producer) {
		p.margin = blocks
	}
}

// WithCommitInterval sets the block commit cadence handed to segment
// workers.
func WithCommitInterval(blocks uint64) Option {
	return func(p *Producer) {
		if blocks > 0 {
			p.commitEvery = blocks
		}
	}
}

// WithProgressInterval sets how many blocks pass between progress events.
func WithProgressInterval(blocks uint64) Option {
	return func(p *Producer) {
		if blocks > 0 {
			p.progressEvery = blocks
		}
	}
}

// WithObserver installs a lifecycle event callback. Segments run
// concurrently, so the callback must tolerate concurrent invocation.
func WithObserver(fn func(Event)) Option {
	return func(p *Producer) {
		p.observer = fn
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a Producer migrating from db into store.
func New(db *chainkv.DB, store *coldstore.Store, opts ...Option) *Producer {
	p := &Producer{
		db:            db,
		store:         store,
		logger:        slog.Default(),
		margin:        coldfile.BlocksPerColdFile,
		commitEvery:   defaultCommitInterval,
		progressEvery: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "producer")
	return p
}

// Targets computes, independently per segment, the next block range to
// migrate given the chain tip: everything above the durable highest and
// at least the safety margin below the tip.
func (p *Producer) Targets(tip uint64) Targets {
	var targets Targets
	if tip < p.margin {
		return targets
	}
	finalized := tip - p.margin

	highest := p.store.Highest()
	for _, seg := range coldfile.AllSegments() {
		var next uint64
		if end, ok := highest.Highest(seg); ok {
			next = end + 1
		}
		if next <= finalized {
			targets.Set(seg, coldfile.BlockRange{Start: next, End: finalized})
		}
	}
	return targets
}

// Run migrates the targeted ranges over a single source snapshot. The
// segments run concurrently; they touch disjoint tables and disjoint
// files, and each one's failure aborts only itself. The returned Result
// covers every targeted segment, the error is the first segment failure
// if any.
func (p *Producer) Run(ctx context.Context, targets Targets) (Result, error) {
	if !p.runMu.TryLock() {
		return Result{}, ErrAlreadyRunning
	}
	defer p.runMu.Unlock()

	var result Result
	if !targets.Any() {
		p.logger.Info("nothing to migrate")
		return result, nil
	}

	p.logger.Info("migration run started", "targets", targets.String())
	p.emit(RunStarted{Targets: targets})

	snap := p.db.Snapshot()
	defer snap.Close()

	var mu sync.Mutex
	var g errgroup.Group
	for _, seg := range coldfile.AllSegments() {
		seg := seg
		rng, ok := targets.Range(seg)
		if !ok {
			continue
		}
		worker := p.newWorker(seg)
		g.Go(func() error {
			p.emit(SegmentStarted{Segment: seg, Range: rng})
			err := worker.Copy(ctx, snap, p.store, rng)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.entries[seg] = resultEntry{err: err}
				if end, ok := p.store.Highest().Highest(seg); ok && end >= rng.Start {
					result.entries[seg].rng = coldfile.BlockRange{Start: rng.Start, End: end}
					result.entries[seg].ok = true
				}
				p.logger.Error("segment migration failed",
					"segment", seg.String(), "range", rng.String(), "error", err)
				p.emit(SegmentFailed{Segment: seg, Err: err})
				return fmt.Errorf("%s: %w", seg, err)
			}
			result.entries[seg] = resultEntry{rng: rng, ok: true}
			p.logger.Info("segment migration finished",
				"segment", seg.String(), "range", rng.String())
			p.emit(SegmentCompleted{Segment: seg, Range: rng})
			return nil
		})
	}
	err := g.Wait()

	p.emit(RunFinished{Result: result})
	if err != nil {
		p.logger.Error("migration run failed", "error", err)
		return result, err
	}
	p.logger.Info("migration run finished", "targets", targets.String())
	return result, nil
}

// RunToTip reads the canonical tip and runs the targets it implies.
func (p *Producer) RunToTip(ctx context.Context) (Result, error) {
	snap := p.db.Snapshot()
	tip, ok := snap.Tip()
	_ = snap.Close()
	if !ok {
		p.logger.Info("nothing to migrate", "reason", "empty chain")
		return Result{}, nil
	}
	return p.Run(ctx, p.Targets(tip))
}

// newWorker builds the segment worker with the run's cadence and
// progress plumbing.
func (p *Producer) newWorker(seg coldfile.Segment) Segment {
	opts := []SegmentOption{WithSegmentCommitInterval(p.commitEvery)}
	if p.observer != nil {
		var count uint64
		every := p.progressEvery
		opts = append(opts, withProgressFunc(func(block uint64) {
			count++
			if count%every == 0 {
				p.emit(SegmentProgress{Segment: seg, Block: block})
			}
		}))
	}

	switch seg {
	case coldfile.SegmentHeaders:
		return NewHeaders(opts...)
	case coldfile.SegmentTransactions:
		return NewTransactions(opts...)
	default:
		return NewReceipts(opts...)
	}
}

func (p *Producer) emit(ev Event) {
	if p.observer != nil {
		p.observer(ev)
	}
}
