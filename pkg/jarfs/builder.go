package jarfs

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/coldfile/coldfile"
)

// Builder assembles one complete jar in a single pass: optional dictionary
// training, optional filter and perfect hash construction over the full key
// set, then row ingestion and a final commit. Nothing is visible to readers
// until Finalize writes the config file.
type Builder struct {
	path string
	jar  *Jar
	cdc  codec

	dataFile *os.File
	dataW    *bufio.Writer
	offsets  []uint64
	lastOff  uint64
	keys     [][]byte
	rows     uint64

	finalized bool
	closed    bool
	dirSyncer DirectorySyncer
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderDirectorySyncer overrides the directory syncer used at commit.
func WithBuilderDirectorySyncer(syncer DirectorySyncer) BuilderOption {
	return func(b *Builder) {
		if syncer != nil {
			b.dirSyncer = syncer
		}
	}
}

// NewBuilder opens a fresh jar build at path. Any artifacts left behind by
// an interrupted build are overwritten; they were never committed.
func NewBuilder(path string, header coldfile.SegmentHeader, cfg coldfile.SegmentConfig, opts ...BuilderOption) (*Builder, error) {
	b := &Builder{
		path:      path,
		jar:       &Jar{Header: header, Config: cfg},
		dirSyncer: DirectorySyncFunc(syncDir),
	}
	for _, opt := range opts {
		opt(b)
	}

	if cfg.Compression != coldfile.CompressionZstdDict {
		cdc, err := newCodec(cfg, b.jar.Columns(), nil)
		if err != nil {
			return nil, err
		}
		b.cdc = cdc
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, fileModePerm)
	if err != nil {
		if b.cdc != nil {
			b.cdc.release()
		}
		return nil, fmt.Errorf("open jar data file: %w", err)
	}
	b.dataFile = fd
	b.dataW = bufio.NewWriterSize(fd, 32*1024)
	return b, nil
}

// Header exposes the embedded segment header so callers can record the
// realized ranges as rows are ingested.
func (b *Builder) Header() *coldfile.SegmentHeader {
	return &b.jar.Header
}

// TrainDictionaries trains one zstd dictionary per column from raw value
// samples and must run before the first row is appended.
func (b *Builder) TrainDictionaries(samples [][][]byte) error {
	if b.closed || b.finalized {
		return ErrFinalized
	}
	if b.jar.Config.Compression != coldfile.CompressionZstdDict {
		return ErrNotDictCompression
	}
	if b.rows > 0 {
		return ErrTrainAfterAppend
	}
	if len(samples) != b.jar.Columns() {
		return ErrColumnCount
	}

	dicts := make([][]byte, len(samples))
	for col, colSamples := range samples {
		dict, err := trainDictionary(colSamples)
		if err != nil {
			return fmt.Errorf("column %d: %w", col, err)
		}
		dicts[col] = dict
	}

	cdc, err := newCodec(b.jar.Config, b.jar.Columns(), dicts)
	if err != nil {
		return err
	}
	b.jar.dictionaries = dicts
	b.cdc = cdc
	return nil
}

// AddKeys collects per-row lookup keys for the filter and perfect hash.
// Keys are added in row order, possibly across several calls.
func (b *Builder) AddKeys(keys [][]byte) error {
	if b.closed || b.finalized {
		return ErrFinalized
	}
	if !b.jar.Config.Filters.Active() {
		return ErrFiltersDisabled
	}
	b.keys = append(b.keys, keys...)
	return nil
}

// AppendRow encodes and buffers one row of column values.
func (b *Builder) AppendRow(values [][]byte) error {
	if b.closed || b.finalized {
		return ErrFinalized
	}
	if len(values) != b.jar.Columns() {
		return ErrColumnCount
	}
	if b.cdc == nil {
		return ErrUntrainedDictionary
	}

	for col, value := range values {
		encoded, err := b.cdc.compress(col, value)
		if err != nil {
			return err
		}
		if _, err := b.dataW.Write(encoded); err != nil {
			return fmt.Errorf("write jar data: %w", err)
		}
		b.lastOff += uint64(len(encoded))
		b.offsets = append(b.offsets, b.lastOff)
	}
	b.rows++
	return nil
}

// Finalize makes the jar durable: data, offsets, filter artifacts, then the
// config file as the commit point. The embedded header must agree with the
// number of rows actually ingested.
func (b *Builder) Finalize(ctx context.Context) error {
	if b.closed {
		return ErrClosed
	}
	if b.finalized {
		return ErrFinalized
	}
	if b.rows != b.jar.Header.Rows() {
		return fmt.Errorf("%w: ingested %d, header says %d",
			ErrRowsOutOfSync, b.rows, b.jar.Header.Rows())
	}
	if b.cdc == nil {
		return ErrUntrainedDictionary
	}

	if err := b.dataW.Flush(); err != nil {
		return fmt.Errorf("flush jar data: %w", err)
	}
	if err := b.dataFile.Sync(); err != nil {
		return fmt.Errorf("sync jar data: %w", err)
	}
	if err := b.dataFile.Close(); err != nil {
		return fmt.Errorf("close jar data: %w", err)
	}

	if err := writeOffsetsFile(offsetsPath(b.path), b.offsets); err != nil {
		return err
	}

	if b.jar.Config.Filters.Active() {
		if err := b.buildFilters(ctx); err != nil {
			return err
		}
	}

	b.jar.Rows = b.rows
	if err := flushConfig(b.path, b.jar, b.dirSyncer); err != nil {
		return err
	}

	b.cdc.release()
	b.finalized = true
	return nil
}

func (b *Builder) buildFilters(ctx context.Context) error {
	if uint64(len(b.keys)) != b.rows {
		return fmt.Errorf("%w: %d keys for %d rows", ErrKeyCount, len(b.keys), b.rows)
	}
	// an empty jar has no key set to index
	if b.rows == 0 {
		return nil
	}

	filter, err := newInclusionFilter(b.jar.Config.Filters.Inclusion(), uint(len(b.keys)))
	if err != nil {
		return err
	}
	for _, key := range b.keys {
		if err := filter.insert(key); err != nil {
			return err
		}
	}
	if err := writeFilterFile(filterPath(b.path), filter); err != nil {
		return err
	}

	return buildPerfectHash(ctx, b.jar.Config.Filters.PerfectHash(), b.keys, indexPath(b.path))
}

// Close releases the builder. A build that was not finalized leaves no
// config file behind, so its partial artifacts are invisible and are
// removed here.
func (b *Builder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.finalized {
		return nil
	}

	if b.cdc != nil {
		b.cdc.release()
	}
	err := b.dataFile.Close()
	_ = os.Remove(b.path)
	_ = os.Remove(offsetsPath(b.path))
	_ = os.Remove(filterPath(b.path))
	_ = os.Remove(indexPath(b.path))
	return err
}

func writeOffsetsFile(path string, offsets []uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileModePerm)
	if err != nil {
		return fmt.Errorf("open offsets file: %w", err)
	}
	w := bufio.NewWriterSize(f, 32*1024)

	if err := w.WriteByte(offsetWidth); err != nil {
		_ = f.Close()
		return fmt.Errorf("write offsets width: %w", err)
	}
	var buf [offsetWidth]byte
	for _, off := range offsets {
		binary.LittleEndian.PutUint64(buf[:], off)
		if _, err := w.Write(buf[:]); err != nil {
			_ = f.Close()
			return fmt.Errorf("write offsets entry: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush offsets: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync offsets: %w", err)
	}
	return f.Close()
}

func writeFilterFile(path string, filter inclusionFilter) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileModePerm)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	w := bufio.NewWriterSize(f, 32*1024)
	if err := filter.encodeTo(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode filter: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush filter: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync filter: %w", err)
	}
	return f.Close()
}
