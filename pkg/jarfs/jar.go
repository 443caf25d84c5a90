// Package jarfs implements the compressed, range-indexed container format
// backing cold files. A jar at path P owns up to five artifacts: P holds the
// concatenated encoded values, P.off their end offsets, P.conf the committed
// configuration and segment header, and, for filtered jars, P.flt the
// inclusion filter and P.idx the perfect hash. The config file is always
// written last through an atomic rename, so its content defines exactly
// which rows are durable; anything past it is healed away on open.
package jarfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/coldfile/coldfile"
)

var (
	ErrClosed              = errors.New("the jar is closed")
	ErrJarMissing          = errors.New("jar config file does not exist")
	ErrJarExists           = errors.New("jar config file already exists")
	ErrConfMagic           = errors.New("bad jar config magic")
	ErrConfVersion         = errors.New("unsupported jar config version")
	ErrConfChecksum        = errors.New("jar config checksum mismatch")
	ErrCorruptOffsets      = errors.New("offsets file is shorter than the committed rows")
	ErrCorruptData         = errors.New("data file is shorter than the committed offsets")
	ErrCorruptValue        = errors.New("corrupt value framing")
	ErrColumnCount         = errors.New("value count does not match the column count")
	ErrRowOutOfRange       = errors.New("row is beyond the committed row count")
	ErrRowsOutOfSync       = errors.New("jar rows disagree with its segment header")
	ErrFilteredAppend      = errors.New("cannot append to a jar with built filters")
	ErrNoFilters           = errors.New("jar has no filter artifacts")
	ErrFiltersDisabled     = errors.New("jar configuration has no filters")
	ErrKeyNotFound         = errors.New("key not present in the jar")
	ErrKeyCount            = errors.New("filter key count does not match the row count")
	ErrFilterFull          = errors.New("inclusion filter is full")
	ErrUntrainedDictionary = errors.New("dictionary compression requires training before rows")
	ErrNotDictCompression  = errors.New("jar configuration does not use dictionary compression")
	ErrDictionaryMissing   = errors.New("jar config carries no dictionaries for its codec")
	ErrTrainAfterAppend    = errors.New("dictionaries must be trained before any row is appended")
	ErrDictionaryTraining  = errors.New("dictionary training produced an empty dictionary")
	ErrFinalized           = errors.New("the jar builder is already finalized")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	// ConfigExt marks the commit file; a jar exists iff its config exists.
	ConfigExt  = ".conf"
	OffsetsExt = ".off"
	FilterExt  = ".flt"
	IndexExt   = ".idx"

	// each offsets entry is the absolute end offset of one value.
	offsetWidth       = 8
	offsetsHeaderSize = 1

	// just a string of "CJAR".
	jarMagicNumber   = 0x434A4152
	jarConfigVersion = 1

	// layout: 4 (magic) + 4 (version) + 8 (rows) + 4 (codec and filter
	// bytes) + 4 (reserved) + encoded segment header.
	jarConfigFixedSize = 24 + coldfile.SegmentHeaderSize

	fileModePerm = 0644
)

// Jar is the decoded state of a jar's config file: the committed segment
// header, the build configuration, the committed row count and any trained
// dictionaries.
type Jar struct {
	Header coldfile.SegmentHeader
	Config coldfile.SegmentConfig
	Rows   uint64

	dictionaries [][]byte
}

// Columns returns the per-row value count for this jar's segment.
func (j *Jar) Columns() int {
	return j.Header.Segment().Columns()
}

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}

func configPath(path string) string { return path + ConfigExt }
func offsetsPath(path string) string { return path + OffsetsExt }
func filterPath(path string) string { return path + FilterExt }
func indexPath(path string) string { return path + IndexExt }

// filtersOnDisk reports whether filter artifacts were materialized for the
// jar. Config may enable filters long before an index rebuild writes them.
func filtersOnDisk(path string) bool {
	if _, err := os.Stat(filterPath(path)); err == nil {
		return true
	}
	if _, err := os.Stat(indexPath(path)); err == nil {
		return true
	}
	return false
}

func marshalConfig(j *Jar) ([]byte, error) {
	head, err := j.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, jarConfigFixedSize, jarConfigFixedSize+16)
	binary.LittleEndian.PutUint32(buf[0:4], jarMagicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], jarConfigVersion)
	binary.LittleEndian.PutUint64(buf[8:16], j.Rows)
	buf[16] = byte(j.Config.Compression)
	if j.Config.Filters.Active() {
		buf[17] = 1
		buf[18] = byte(j.Config.Filters.Inclusion())
		buf[19] = byte(j.Config.Filters.PerfectHash())
	}
	copy(buf[24:], head)

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(j.dictionaries)))
	buf = append(buf, tmp[:n]...)
	for _, dict := range j.dictionaries {
		n = binary.PutUvarint(tmp[:], uint64(len(dict)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, dict...)
	}

	sum := crc32.Checksum(buf, crcTable)
	buf = binary.LittleEndian.AppendUint32(buf, sum)
	return buf, nil
}

func unmarshalConfig(data []byte) (*Jar, error) {
	if len(data) < jarConfigFixedSize+1+4 {
		return nil, io.ErrUnexpectedEOF
	}

	body := data[:len(data)-4]
	saved := binary.LittleEndian.Uint32(data[len(data)-4:])
	if computed := crc32.Checksum(body, crcTable); saved != computed {
		return nil, fmt.Errorf("%w: expected %08x, got %08x", ErrConfChecksum, saved, computed)
	}
	if binary.LittleEndian.Uint32(body[0:4]) != jarMagicNumber {
		return nil, ErrConfMagic
	}
	if binary.LittleEndian.Uint32(body[4:8]) != jarConfigVersion {
		return nil, ErrConfVersion
	}

	j := &Jar{Rows: binary.LittleEndian.Uint64(body[8:16])}

	if body[16] > byte(coldfile.CompressionZstdDict) {
		return nil, coldfile.ErrUnknownCompression
	}
	j.Config.Compression = coldfile.Compression(body[16])
	if body[17] != 0 {
		if body[18] > byte(coldfile.InclusionBloom) {
			return nil, coldfile.ErrUnknownFilter
		}
		if body[19] > byte(coldfile.PerfectHashGoFmph) {
			return nil, coldfile.ErrUnknownPerfectHash
		}
		j.Config.Filters = coldfile.WithFilters(
			coldfile.InclusionFilterKind(body[18]),
			coldfile.PerfectHashKind(body[19]),
		)
	}

	if err := j.Header.UnmarshalBinary(body[24 : 24+coldfile.SegmentHeaderSize]); err != nil {
		return nil, err
	}

	rest := body[jarConfigFixedSize:]
	dictCount, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, io.ErrUnexpectedEOF
	}
	rest = rest[n:]
	for i := uint64(0); i < dictCount; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest[n:])) < size {
			return nil, io.ErrUnexpectedEOF
		}
		rest = rest[n:]
		j.dictionaries = append(j.dictionaries, append([]byte(nil), rest[:size]...))
		rest = rest[size:]
	}

	if j.Config.Compression == coldfile.CompressionZstdDict &&
		len(j.dictionaries) != j.Columns() {
		return nil, ErrDictionaryMissing
	}
	if j.Rows != j.Header.Rows() {
		return nil, fmt.Errorf("%w: config says %d, header says %d",
			ErrRowsOutOfSync, j.Rows, j.Header.Rows())
	}
	return j, nil
}

func loadConfig(path string) (*Jar, error) {
	data, err := os.ReadFile(configPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJarMissing, path)
		}
		return nil, fmt.Errorf("read jar config: %w", err)
	}
	j, err := unmarshalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("decode jar config %s: %w", configPath(path), err)
	}
	return j, nil
}

// flushConfig durably replaces the config file. The rename is the commit
// point for everything written to the data and offsets files before it.
func flushConfig(path string, j *Jar, syncer DirectorySyncer) error {
	data, err := marshalConfig(j)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+ConfigExt+".tmp")
	if err != nil {
		return fmt.Errorf("open config for flush: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}

	if err := os.Rename(tmpPath, configPath(path)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}

	if syncer != nil {
		if err := syncer.SyncDir(dir); err != nil {
			return fmt.Errorf("fsync jar directory: %w", err)
		}
	}
	return nil
}

// ReadHeader returns the committed segment header of the jar at path.
func ReadHeader(path string) (coldfile.SegmentHeader, error) {
	j, err := loadConfig(path)
	if err != nil {
		return coldfile.SegmentHeader{}, err
	}
	return j.Header, nil
}
