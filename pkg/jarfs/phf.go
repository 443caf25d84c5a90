package jarfs

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/mph"
	"github.com/edsrzf/mmap-go"
	"github.com/ledgerwatch/erigon-lib/recsplit"
	"github.com/ledgerwatch/log/v3"

	"github.com/coldfile/coldfile"
)

// perfectHash maps a key to the row position it was added with.
type perfectHash interface {
	lookup(key []byte) (uint64, bool)
	close() error
}

// buildPerfectHash writes a perfect hash over keys to path, mapping keys[i]
// to row i.
func buildPerfectHash(ctx context.Context, kind coldfile.PerfectHashKind, keys [][]byte, path string) error {
	switch kind {
	case coldfile.PerfectHashFmph:
		return buildChd(keys, path)
	case coldfile.PerfectHashGoFmph:
		return buildRecsplit(ctx, keys, path)
	default:
		return coldfile.ErrUnknownPerfectHash
	}
}

func openPerfectHash(kind coldfile.PerfectHashKind, path string) (perfectHash, error) {
	switch kind {
	case coldfile.PerfectHashFmph:
		return openChd(path)
	case coldfile.PerfectHashGoFmph:
		return openRecsplitIndex(path)
	default:
		return nil, coldfile.ErrUnknownPerfectHash
	}
}

func buildChd(keys [][]byte, path string) error {
	b := mph.Builder()
	for i, key := range keys {
		row := make([]byte, 8)
		binary.LittleEndian.PutUint64(row, uint64(i))
		b.Add(key, row)
	}
	chd, err := b.Build()
	if err != nil {
		return fmt.Errorf("build chd: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileModePerm)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 32*1024)
	if err := chd.Write(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("write chd: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush chd: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync chd: %w", err)
	}
	return f.Close()
}

func buildRecsplit(ctx context.Context, keys [][]byte, path string) error {
	rs, err := recsplit.NewRecSplit(recsplit.RecSplitArgs{
		KeyCount:   len(keys),
		Enums:      false,
		BucketSize: 2000,
		LeafSize:   8,
		TmpDir:     filepath.Dir(path),
		IndexFile:  path,
	}, log.New())
	if err != nil {
		return fmt.Errorf("recsplit init: %w", err)
	}
	defer rs.Close()

	for {
		for i, key := range keys {
			if err := rs.AddKey(key, uint64(i)); err != nil {
				return fmt.Errorf("recsplit add key: %w", err)
			}
		}
		if err := rs.Build(ctx); err != nil {
			if errors.Is(err, recsplit.ErrCollision) {
				rs.ResetNextSalt()
				continue
			}
			return fmt.Errorf("recsplit build: %w", err)
		}
		return nil
	}
}

// chdHash serves lookups from a memory-mapped chd file. Get verifies the
// key, so lookups are exact.
type chdHash struct {
	f    *os.File
	data mmap.MMap
	chd  *mph.CHD
}

func openChd(path string) (*chdHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap chd: %w", err)
	}
	chd, err := mph.Mmap(data)
	if err != nil {
		_ = data.Unmap()
		_ = f.Close()
		return nil, fmt.Errorf("read chd: %w", err)
	}
	return &chdHash{f: f, data: data, chd: chd}, nil
}

func (c *chdHash) lookup(key []byte) (uint64, bool) {
	v := c.chd.Get(key)
	if v == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

func (c *chdHash) close() error {
	err := c.data.Unmap()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// recsplitHash serves lookups from a recsplit index. The function is
// minimal, so a key that was never added maps to some arbitrary row; callers
// screen with the inclusion filter first and verify through the key column
// where exactness matters.
type recsplitHash struct {
	idx *recsplit.Index
	rdr *recsplit.IndexReader
}

func openRecsplitIndex(path string) (*recsplitHash, error) {
	idx, err := recsplit.OpenIndex(path)
	if err != nil {
		return nil, fmt.Errorf("open recsplit index: %w", err)
	}
	return &recsplitHash{idx: idx, rdr: recsplit.NewIndexReader(idx)}, nil
}

func (r *recsplitHash) lookup(key []byte) (uint64, bool) {
	return r.rdr.Lookup(key), true
}

func (r *recsplitHash) close() error {
	r.idx.Close()
	return nil
}
