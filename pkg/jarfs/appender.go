package jarfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/coldfile/coldfile"
)

// Appender grows a jar in place. Appends accumulate in memory and become
// durable only at Commit, which writes data, then offsets, then the config
// file. A crash between any two of those steps leaves a tail past the
// committed row count, which the next open truncates away, so a jar never
// claims rows that were not durably written.
type Appender struct {
	path string
	jar  *Jar
	cdc  codec

	dataFile *os.File
	offFile  *os.File

	// end offset and value count covered by the config file
	committedOff  uint64
	committedVals uint64

	pendingData    []byte
	pendingOffsets []uint64
	pendingRows    uint64

	closed    atomic.Bool
	dirSyncer DirectorySyncer
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithAppenderDirectorySyncer overrides the directory syncer used at commit.
func WithAppenderDirectorySyncer(syncer DirectorySyncer) AppenderOption {
	return func(a *Appender) {
		if syncer != nil {
			a.dirSyncer = syncer
		}
	}
}

func newAppender(path string, jar *Jar) *Appender {
	return &Appender{
		path:      path,
		jar:       jar,
		dirSyncer: DirectorySyncFunc(syncDir),
	}
}

// CreateAppender starts a fresh incremental jar at path and makes its empty
// state durable. Dictionary compression is refused here: dictionaries can
// only be trained by a full one-pass build.
func CreateAppender(path string, header coldfile.SegmentHeader, cfg coldfile.SegmentConfig, opts ...AppenderOption) (*Appender, error) {
	if _, err := os.Stat(configPath(path)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrJarExists, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat jar config: %w", err)
	}
	if cfg.Compression == coldfile.CompressionZstdDict {
		return nil, ErrDictionaryMissing
	}
	if header.Rows() != 0 {
		return nil, fmt.Errorf("%w: fresh jar header claims %d rows",
			ErrRowsOutOfSync, header.Rows())
	}

	a := newAppender(path, &Jar{Header: header, Config: cfg})
	for _, opt := range opts {
		opt(a)
	}

	cdc, err := newCodec(cfg, a.jar.Columns(), nil)
	if err != nil {
		return nil, err
	}
	a.cdc = cdc

	// leftovers of an interrupted one-pass build at the same path were
	// never committed
	_ = os.Remove(filterPath(path))
	_ = os.Remove(indexPath(path))

	a.dataFile, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, fileModePerm)
	if err != nil {
		a.cdc.release()
		return nil, fmt.Errorf("open jar data file: %w", err)
	}

	a.offFile, err = os.OpenFile(offsetsPath(path), os.O_CREATE|os.O_RDWR|os.O_TRUNC, fileModePerm)
	if err != nil {
		a.discard()
		return nil, fmt.Errorf("open offsets file: %w", err)
	}
	if _, err := a.offFile.Write([]byte{offsetWidth}); err != nil {
		a.discard()
		return nil, fmt.Errorf("write offsets width: %w", err)
	}
	if err := a.offFile.Sync(); err != nil {
		a.discard()
		return nil, fmt.Errorf("sync offsets: %w", err)
	}
	a.committedVals = 0
	a.committedOff = 0

	if err := flushConfig(path, a.jar, a.dirSyncer); err != nil {
		a.discard()
		return nil, err
	}
	return a, nil
}

// OpenAppender resumes an existing jar, healing any tail left by an
// interrupted commit. Jars with materialized filter artifacts are
// append-locked, since new rows would invalidate the filter and index.
func OpenAppender(path string, opts ...AppenderOption) (*Appender, error) {
	jar, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if filtersOnDisk(path) {
		return nil, fmt.Errorf("%w: %s", ErrFilteredAppend, path)
	}

	a := newAppender(path, jar)
	for _, opt := range opts {
		opt(a)
	}

	cdc, err := newCodec(jar.Config, jar.Columns(), jar.dictionaries)
	if err != nil {
		return nil, err
	}
	a.cdc = cdc

	a.dataFile, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		a.cdc.release()
		return nil, fmt.Errorf("open jar data file: %w", err)
	}
	a.offFile, err = os.OpenFile(offsetsPath(path), os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		a.discard()
		return nil, fmt.Errorf("open offsets file: %w", err)
	}

	if err := a.heal(); err != nil {
		a.discard()
		return nil, err
	}
	return a, nil
}

// heal reconciles the data and offsets files with the committed row count.
// Tails past the committed state are uncommitted leftovers and are cut; a
// file shorter than the committed state is unrecoverable corruption.
func (a *Appender) heal() error {
	expectedVals := a.jar.Rows * uint64(a.jar.Columns())

	offInfo, err := a.offFile.Stat()
	if err != nil {
		return fmt.Errorf("stat offsets: %w", err)
	}
	offSize := offInfo.Size()

	if offSize < offsetsHeaderSize {
		if expectedVals > 0 {
			return fmt.Errorf("%w: %s is empty", ErrCorruptOffsets, offsetsPath(a.path))
		}
		if _, err := a.offFile.WriteAt([]byte{offsetWidth}, 0); err != nil {
			return fmt.Errorf("write offsets width: %w", err)
		}
		if err := a.offFile.Sync(); err != nil {
			return fmt.Errorf("sync offsets: %w", err)
		}
		offSize = offsetsHeaderSize
	} else {
		var width [1]byte
		if _, err := a.offFile.ReadAt(width[:], 0); err != nil {
			return fmt.Errorf("read offsets width: %w", err)
		}
		if width[0] != offsetWidth {
			return fmt.Errorf("%w: unsupported offset width %d", ErrCorruptOffsets, width[0])
		}
	}

	actualVals := uint64(offSize-offsetsHeaderSize) / offsetWidth
	if actualVals < expectedVals {
		return fmt.Errorf("%w: %d entries for %d committed values",
			ErrCorruptOffsets, actualVals, expectedVals)
	}

	wantSize := int64(offsetsHeaderSize + expectedVals*offsetWidth)
	if offSize > wantSize {
		slog.Warn("[jarfs]",
			slog.String("message", "truncating uncommitted offsets tail"),
			slog.String("jar", a.path),
			slog.Uint64("committed_values", expectedVals),
			slog.Uint64("found_values", actualVals),
		)
		if err := a.offFile.Truncate(wantSize); err != nil {
			return fmt.Errorf("truncate offsets: %w", err)
		}
		if err := a.offFile.Sync(); err != nil {
			return fmt.Errorf("sync offsets: %w", err)
		}
	}

	a.committedVals = expectedVals
	a.committedOff = 0
	if expectedVals > 0 {
		off, err := a.offsetEntry(expectedVals - 1)
		if err != nil {
			return err
		}
		a.committedOff = off
	}

	dataInfo, err := a.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("stat jar data: %w", err)
	}
	dataSize := uint64(dataInfo.Size())
	if dataSize < a.committedOff {
		return fmt.Errorf("%w: %d bytes for committed end %d",
			ErrCorruptData, dataSize, a.committedOff)
	}
	if dataSize > a.committedOff {
		slog.Warn("[jarfs]",
			slog.String("message", "truncating uncommitted data tail"),
			slog.String("jar", a.path),
			slog.Uint64("committed_end", a.committedOff),
			slog.Uint64("file_size", dataSize),
		)
		if err := a.dataFile.Truncate(int64(a.committedOff)); err != nil {
			return fmt.Errorf("truncate jar data: %w", err)
		}
		if err := a.dataFile.Sync(); err != nil {
			return fmt.Errorf("sync jar data: %w", err)
		}
	}
	return nil
}

func (a *Appender) offsetEntry(i uint64) (uint64, error) {
	var buf [offsetWidth]byte
	if _, err := a.offFile.ReadAt(buf[:], int64(offsetsHeaderSize+i*offsetWidth)); err != nil {
		return 0, fmt.Errorf("read offsets entry %d: %w", i, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Header exposes the embedded segment header. Callers advance it as rows
// are appended; Commit persists it together with the row count.
func (a *Appender) Header() *coldfile.SegmentHeader {
	return &a.jar.Header
}

// Rows returns the committed plus pending row count.
func (a *Appender) Rows() uint64 {
	return a.jar.Rows + a.pendingRows
}

// Config returns the jar's build configuration.
func (a *Appender) Config() coldfile.SegmentConfig {
	return a.jar.Config
}

// Path returns the jar's data file path.
func (a *Appender) Path() string {
	return a.path
}

// Append encodes and buffers one row of column values. The row is not
// durable until Commit.
func (a *Appender) Append(values [][]byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if len(values) != a.jar.Columns() {
		return ErrColumnCount
	}

	for col, value := range values {
		encoded, err := a.cdc.compress(col, value)
		if err != nil {
			return err
		}
		a.pendingData = append(a.pendingData, encoded...)
		a.pendingOffsets = append(a.pendingOffsets, a.committedOff+uint64(len(a.pendingData)))
	}
	a.pendingRows++
	return nil
}

// Commit makes all pending rows and the current header durable. The config
// rename is the commit point; everything before it can be healed away.
func (a *Appender) Commit() error {
	if a.closed.Load() {
		return ErrClosed
	}
	if a.jar.Rows+a.pendingRows != a.jar.Header.Rows() {
		return fmt.Errorf("%w: %d physical rows, header says %d",
			ErrRowsOutOfSync, a.jar.Rows+a.pendingRows, a.jar.Header.Rows())
	}

	if len(a.pendingData) > 0 {
		if _, err := a.dataFile.WriteAt(a.pendingData, int64(a.committedOff)); err != nil {
			return fmt.Errorf("write jar data: %w", err)
		}
		if err := a.dataFile.Sync(); err != nil {
			return fmt.Errorf("sync jar data: %w", err)
		}
	}

	if len(a.pendingOffsets) > 0 {
		buf := make([]byte, len(a.pendingOffsets)*offsetWidth)
		for i, off := range a.pendingOffsets {
			binary.LittleEndian.PutUint64(buf[i*offsetWidth:], off)
		}
		at := int64(offsetsHeaderSize + a.committedVals*offsetWidth)
		if _, err := a.offFile.WriteAt(buf, at); err != nil {
			return fmt.Errorf("write offsets: %w", err)
		}
		if err := a.offFile.Sync(); err != nil {
			return fmt.Errorf("sync offsets: %w", err)
		}
	}

	a.jar.Rows = a.jar.Header.Rows()
	if err := flushConfig(a.path, a.jar, a.dirSyncer); err != nil {
		return err
	}

	a.committedOff += uint64(len(a.pendingData))
	a.committedVals += uint64(len(a.pendingOffsets))
	a.pendingData = a.pendingData[:0]
	a.pendingOffsets = a.pendingOffsets[:0]
	a.pendingRows = 0
	return nil
}

// PruneRows removes rows from the tail, pending rows first, then committed
// ones. The shrunk config is flushed before the files are cut, so a crash
// in between leaves only a healable tail.
func (a *Appender) PruneRows(rows uint64) error {
	if a.closed.Load() {
		return ErrClosed
	}
	cols := uint64(a.jar.Columns())
	remaining := rows

	if remaining > 0 && a.pendingRows > 0 {
		drop := min(remaining, a.pendingRows)
		keep := (a.pendingRows - drop) * cols
		a.pendingOffsets = a.pendingOffsets[:keep]
		end := uint64(0)
		if keep > 0 {
			end = a.pendingOffsets[keep-1] - a.committedOff
		}
		a.pendingData = a.pendingData[:end]
		a.pendingRows -= drop
		remaining -= drop
	}

	var truncVals, truncOff uint64
	truncate := false
	if remaining > 0 && a.jar.Rows > 0 {
		drop := min(remaining, a.jar.Rows)
		truncVals = (a.jar.Rows - drop) * cols
		if truncVals > 0 {
			off, err := a.offsetEntry(truncVals - 1)
			if err != nil {
				return err
			}
			truncOff = off
		}
		a.jar.Rows -= drop
		truncate = true
	}

	a.jar.Header.Prune(rows)

	if err := a.Commit(); err != nil {
		return err
	}

	if truncate {
		if err := a.offFile.Truncate(int64(offsetsHeaderSize + truncVals*offsetWidth)); err != nil {
			return fmt.Errorf("truncate offsets: %w", err)
		}
		if err := a.offFile.Sync(); err != nil {
			return fmt.Errorf("sync offsets: %w", err)
		}
		if err := a.dataFile.Truncate(int64(truncOff)); err != nil {
			return fmt.Errorf("truncate jar data: %w", err)
		}
		if err := a.dataFile.Sync(); err != nil {
			return fmt.Errorf("sync jar data: %w", err)
		}
		a.committedVals = truncVals
		a.committedOff = truncOff
	}
	return nil
}

// Close releases the appender's file handles. Uncommitted appends are
// discarded; the next open resumes from the last committed state.
func (a *Appender) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cdc.release()
	return errors.Join(a.dataFile.Close(), a.offFile.Close())
}

// discard closes whatever handles were opened during a failed construction.
func (a *Appender) discard() {
	a.closed.Store(true)
	if a.cdc != nil {
		a.cdc.release()
	}
	if a.dataFile != nil {
		_ = a.dataFile.Close()
	}
	if a.offFile != nil {
		_ = a.offFile.Close()
	}
}
