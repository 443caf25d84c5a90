// Package coldstore owns a directory of cold files: one jar per (segment,
// bucket), named by the canonical cold file scheme. It hands out exclusive
// append writers and point-read handles, and derives the per-segment
// highest committed block from the jars' durable headers, which makes it
// the resume source of truth after a crash.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/jarfs"
)

var (
	ErrClosed          = errors.New("the cold file store is closed")
	ErrNoColdFile      = errors.New("no cold file covers the requested block")
	ErrUnexpectedBlock = errors.New("block number does not extend the committed range")
	ErrUnexpectedTxNum = errors.New("tx number does not extend the committed range")
	ErrSegmentKind     = errors.New("operation does not apply to the writer's segment kind")
)

// bucketKey addresses one jar: a segment and its bucket's first block.
type bucketKey struct {
	seg   coldfile.Segment
	start uint64
}

// Store is the cold file directory handle.
type Store struct {
	dir string
	cfg coldfile.SegmentConfig

	mu      sync.Mutex
	entries map[bucketKey]string
	writers map[bucketKey]*SegmentWriter
	readers []*jarfs.Reader
	highest coldfile.HighestColdFiles

	dirSyncer jarfs.DirectorySyncer
	closed    atomic.Bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSegmentConfig sets the build configuration for jars the store
// creates. Defaults to coldfile.DefaultConfig.
func WithSegmentConfig(cfg coldfile.SegmentConfig) StoreOption {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithDirectorySyncer overrides the directory syncer handed to jar
// writers.
func WithDirectorySyncer(syncer jarfs.DirectorySyncer) StoreOption {
	return func(s *Store) {
		if syncer != nil {
			s.dirSyncer = syncer
		}
	}
}

// Open scans dir for committed jars and rebuilds the per-segment highest
// block cursor from their headers. A config file whose name does not parse
// as a cold file name is an error, not something to skip over.
func Open(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cold file directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		cfg:     coldfile.DefaultConfig(),
		entries: make(map[bucketKey]string),
		writers: make(map[bucketKey]*SegmentWriter),
	}
	for _, opt := range opts {
		opt(s)
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cold file directory: %w", err)
	}
	for _, entry := range names {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jarfs.ConfigExt) {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), jarfs.ConfigExt)
		seg, rng, err := coldfile.ParseFilename(base)
		if err != nil {
			return nil, fmt.Errorf("cold file %q: %w", base, err)
		}

		header, err := jarfs.ReadHeader(filepath.Join(dir, base))
		if err != nil {
			return nil, fmt.Errorf("cold file %q: %w", base, err)
		}
		s.entries[bucketKey{seg: seg, start: rng.Start}] = base

		if end, ok := header.BlockEnd(); ok {
			if cur, committed := s.highest.Highest(seg); !committed || end > cur {
				s.highest.Set(seg, end)
			}
		}
	}

	slog.Info("[coldstore]",
		slog.String("message", "opened cold file directory"),
		slog.String("dir", dir),
		slog.Int("jars", len(s.entries)),
	)
	return s, nil
}

// Dir returns the cold file directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Config returns the build configuration for jars the store creates.
func (s *Store) Config() coldfile.SegmentConfig {
	return s.cfg
}

// Highest returns a copy of the per-segment highest committed block
// cursor.
func (s *Store) Highest() coldfile.HighestColdFiles {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

func (s *Store) jarName(seg coldfile.Segment, rng coldfile.BlockRange) string {
	return coldfile.FilenameFor(seg, rng, s.cfg)
}

// Writer returns the exclusive append writer for the bucket containing
// block, creating the bucket's jar when it does not exist yet.
func (s *Store) Writer(ctx context.Context, seg coldfile.Segment, block uint64) (*SegmentWriter, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket := coldfile.FindFixedRange(block)
	key := bucketKey{seg: seg, start: bucket.Start}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[key]; ok {
		return w, nil
	}

	base, ok := s.entries[key]
	var app *jarfs.Appender
	var err error
	if ok {
		app, err = jarfs.OpenAppender(filepath.Join(s.dir, base),
			jarfs.WithAppenderDirectorySyncer(s.dirSyncer))
	} else {
		base = s.jarName(seg, bucket)
		header := coldfile.NewSegmentHeader(seg, bucket)
		app, err = jarfs.CreateAppender(filepath.Join(s.dir, base), header, s.cfg,
			jarfs.WithAppenderDirectorySyncer(s.dirSyncer))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bucket %s: %w", seg, bucket, err)
	}

	w := &SegmentWriter{
		store:     s,
		key:       key,
		seg:       seg,
		app:       app,
		committed: *app.Header(),
	}
	s.entries[key] = base
	s.writers[key] = w
	return w, nil
}

// Reader opens a point-read handle on the jar owning block. The handle
// sees the rows committed at open time and belongs to the caller; the
// store closes any still-open handles on Close.
func (s *Store) Reader(seg coldfile.Segment, block uint64) (*jarfs.Reader, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	bucket := coldfile.FindFixedRange(block)

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.entries[bucketKey{seg: seg, start: bucket.Start}]
	if !ok {
		return nil, fmt.Errorf("%w: %s block %d", ErrNoColdFile, seg, block)
	}
	r, err := jarfs.OpenReader(filepath.Join(s.dir, base))
	if err != nil {
		return nil, err
	}
	s.readers = append(s.readers, r)
	return r, nil
}

// noteCommitted records a writer's durable header in the highest cursor.
func (s *Store) noteCommitted(seg coldfile.Segment, header coldfile.SegmentHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end, ok := header.BlockEnd(); ok {
		s.highest.Set(seg, end)
		return
	}
	// the bucket was pruned back to empty; the previous bucket's last
	// block becomes the segment's highest again
	expected := header.ExpectedRange()
	if expected.Start == 0 {
		s.highest.Clear(seg)
		return
	}
	s.highest.Set(seg, expected.Start-1)
}

// dropWriter forgets a writer the caller closed directly.
func (s *Store) dropWriter(key bucketKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writers, key)
}

// Close commits and closes all open writers and closes any read handles
// still open.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	writers := make([]*SegmentWriter, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.writers = make(map[bucketKey]*SegmentWriter)
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	var errs []error
	for _, w := range writers {
		errs = append(errs, w.Commit(), w.Close())
	}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
