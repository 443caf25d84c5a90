package jarfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/coldfile/coldfile"
)

// Reader serves point reads from a jar. Data and offsets are memory mapped;
// decoded values are fresh slices owned by the caller. A reader sees the
// rows committed at open time and is invalidated by a later prune.
type Reader struct {
	path string
	jar  *Jar
	cdc  codec

	dataF   *os.File
	dataMap mmap.MMap
	offF    *os.File
	offMap  mmap.MMap

	filter inclusionFilter
	phf    perfectHash
	closed atomic.Bool
}

// OpenReader opens the jar at path for reads.
func OpenReader(path string) (*Reader, error) {
	jar, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, jar: jar}
	cdc, err := newCodec(jar.Config, jar.Columns(), jar.dictionaries)
	if err != nil {
		return nil, err
	}
	r.cdc = cdc

	if err := r.openMaps(); err != nil {
		r.cdc.release()
		return nil, err
	}
	if err := r.openFilters(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) openMaps() error {
	offF, err := os.Open(offsetsPath(r.path))
	if err != nil {
		return fmt.Errorf("open offsets file: %w", err)
	}
	offInfo, err := offF.Stat()
	if err != nil {
		_ = offF.Close()
		return fmt.Errorf("stat offsets: %w", err)
	}

	vals := r.jar.Rows * uint64(r.jar.Columns())
	if uint64(offInfo.Size()) < offsetsHeaderSize+vals*offsetWidth {
		_ = offF.Close()
		return fmt.Errorf("%w: %d bytes for %d values",
			ErrCorruptOffsets, offInfo.Size(), vals)
	}

	offMap, err := mmap.Map(offF, mmap.RDONLY, 0)
	if err != nil {
		_ = offF.Close()
		return fmt.Errorf("mmap offsets: %w", err)
	}
	if offMap[0] != offsetWidth {
		width := offMap[0]
		_ = offMap.Unmap()
		_ = offF.Close()
		return fmt.Errorf("%w: unsupported offset width %d", ErrCorruptOffsets, width)
	}
	r.offF, r.offMap = offF, offMap

	var committedEnd uint64
	if vals > 0 {
		committedEnd = r.offsetAt(vals - 1)
	}

	dataF, err := os.Open(r.path)
	if err != nil {
		r.closeMaps()
		return fmt.Errorf("open jar data file: %w", err)
	}
	dataInfo, err := dataF.Stat()
	if err != nil {
		_ = dataF.Close()
		r.closeMaps()
		return fmt.Errorf("stat jar data: %w", err)
	}
	if uint64(dataInfo.Size()) < committedEnd {
		_ = dataF.Close()
		r.closeMaps()
		return fmt.Errorf("%w: %d bytes for committed end %d",
			ErrCorruptData, dataInfo.Size(), committedEnd)
	}

	if dataInfo.Size() > 0 {
		dataMap, err := mmap.Map(dataF, mmap.RDONLY, 0)
		if err != nil {
			_ = dataF.Close()
			r.closeMaps()
			return fmt.Errorf("mmap jar data: %w", err)
		}
		r.dataMap = dataMap
	}
	r.dataF = dataF
	return nil
}

func (r *Reader) closeMaps() {
	if r.dataMap != nil {
		_ = r.dataMap.Unmap()
	}
	if r.dataF != nil {
		_ = r.dataF.Close()
	}
	if r.offMap != nil {
		_ = r.offMap.Unmap()
	}
	if r.offF != nil {
		_ = r.offF.Close()
	}
}

func (r *Reader) openFilters() error {
	if !r.jar.Config.Filters.Active() {
		return nil
	}
	_, fltErr := os.Stat(filterPath(r.path))
	_, idxErr := os.Stat(indexPath(r.path))
	fltOK, idxOK := fltErr == nil, idxErr == nil
	if !fltOK && !idxOK {
		// enabled in config but never materialized, lookups unsupported
		return nil
	}
	if fltOK != idxOK {
		return fmt.Errorf("%w: partial filter artifacts", ErrNoFilters)
	}

	data, err := os.ReadFile(filterPath(r.path))
	if err != nil {
		return fmt.Errorf("read filter: %w", err)
	}
	filter, err := decodeInclusionFilter(r.jar.Config.Filters.Inclusion(), data)
	if err != nil {
		return err
	}
	phf, err := openPerfectHash(r.jar.Config.Filters.PerfectHash(), indexPath(r.path))
	if err != nil {
		return err
	}
	r.filter, r.phf = filter, phf
	return nil
}

// offsetAt returns the absolute end offset of value i.
func (r *Reader) offsetAt(i uint64) uint64 {
	return binary.LittleEndian.Uint64(r.offMap[offsetsHeaderSize+i*offsetWidth:])
}

// Header returns a copy of the committed segment header.
func (r *Reader) Header() coldfile.SegmentHeader {
	return r.jar.Header
}

// Rows returns the committed row count.
func (r *Reader) Rows() uint64 {
	return r.jar.Rows
}

// Config returns the jar's build configuration.
func (r *Reader) Config() coldfile.SegmentConfig {
	return r.jar.Config
}

// HasFilters reports whether key lookups are available.
func (r *Reader) HasFilters() bool {
	return r.filter != nil && r.phf != nil
}

// RowAt decodes the value of one column of one row.
func (r *Reader) RowAt(row uint64, col int) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if row >= r.jar.Rows {
		return nil, ErrRowOutOfRange
	}
	if col < 0 || col >= r.jar.Columns() {
		return nil, ErrColumnCount
	}

	idx := row*uint64(r.jar.Columns()) + uint64(col)
	var start uint64
	if idx > 0 {
		start = r.offsetAt(idx - 1)
	}
	end := r.offsetAt(idx)
	if end < start || end > uint64(len(r.dataMap)) {
		return nil, fmt.Errorf("%w: value %d spans [%d, %d)", ErrCorruptOffsets, idx, start, end)
	}
	return r.cdc.decompress(col, r.dataMap[start:end])
}

// Row decodes all columns of one row.
func (r *Reader) Row(row uint64) ([][]byte, error) {
	values := make([][]byte, r.jar.Columns())
	for col := range values {
		value, err := r.RowAt(row, col)
		if err != nil {
			return nil, err
		}
		values[col] = value
	}
	return values, nil
}

// MayContain consults the inclusion filter. A false result is definitive, a
// true result may be a false positive.
func (r *Reader) MayContain(key []byte) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}
	if r.filter == nil {
		return false, ErrNoFilters
	}
	return r.filter.contains(key), nil
}

// LookupRow resolves a key to its row position through the inclusion filter
// and the perfect hash. Keys screened out by the filter are definitively
// absent.
func (r *Reader) LookupRow(key []byte) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if r.filter == nil || r.phf == nil {
		return 0, ErrNoFilters
	}
	if !r.filter.contains(key) {
		return 0, ErrKeyNotFound
	}
	row, ok := r.phf.lookup(key)
	if !ok || row >= r.jar.Rows {
		return 0, ErrKeyNotFound
	}
	return row, nil
}

// Close unmaps and releases the reader.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cdc.release()

	var errs []error
	if r.phf != nil {
		errs = append(errs, r.phf.close())
	}
	if r.dataMap != nil {
		errs = append(errs, r.dataMap.Unmap())
	}
	if r.dataF != nil {
		errs = append(errs, r.dataF.Close())
	}
	if r.offMap != nil {
		errs = append(errs, r.offMap.Unmap())
	}
	if r.offF != nil {
		errs = append(errs, r.offF.Close())
	}
	return errors.Join(errs...)
}
