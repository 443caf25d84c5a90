package jarfs

import (
	"bytes"
	"fmt"
	"io"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/willf/bloom"

	"github.com/coldfile/coldfile"
)

const bloomFalsePositiveRate = 0.01

// inclusionFilter answers approximate membership with no false negatives.
type inclusionFilter interface {
	insert(key []byte) error
	contains(key []byte) bool
	encodeTo(w io.Writer) error
}

// newInclusionFilter sizes a filter for the expected key count. Capacity
// carries headroom so inserts stay below the cuckoo load limit.
func newInclusionFilter(kind coldfile.InclusionFilterKind, capacity uint) (inclusionFilter, error) {
	switch kind {
	case coldfile.InclusionCuckoo:
		return &cuckooInclusion{f: cuckoo.NewFilter(capacity + capacity/4)}, nil
	case coldfile.InclusionBloom:
		return &bloomInclusion{f: bloom.NewWithEstimates(capacity, bloomFalsePositiveRate)}, nil
	default:
		return nil, coldfile.ErrUnknownFilter
	}
}

func decodeInclusionFilter(kind coldfile.InclusionFilterKind, data []byte) (inclusionFilter, error) {
	switch kind {
	case coldfile.InclusionCuckoo:
		f, err := cuckoo.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode cuckoo filter: %w", err)
		}
		return &cuckooInclusion{f: f}, nil
	case coldfile.InclusionBloom:
		f := &bloom.BloomFilter{}
		if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("decode bloom filter: %w", err)
		}
		return &bloomInclusion{f: f}, nil
	default:
		return nil, coldfile.ErrUnknownFilter
	}
}

type cuckooInclusion struct {
	f *cuckoo.Filter
}

func (c *cuckooInclusion) insert(key []byte) error {
	if !c.f.Insert(key) {
		return ErrFilterFull
	}
	return nil
}

func (c *cuckooInclusion) contains(key []byte) bool {
	return c.f.Lookup(key)
}

func (c *cuckooInclusion) encodeTo(w io.Writer) error {
	_, err := w.Write(c.f.Encode())
	return err
}

type bloomInclusion struct {
	f *bloom.BloomFilter
}

func (b *bloomInclusion) insert(key []byte) error {
	b.f.Add(key)
	return nil
}

func (b *bloomInclusion) contains(key []byte) bool {
	return b.f.Test(key)
}

func (b *bloomInclusion) encodeTo(w io.Writer) error {
	_, err := b.f.WriteTo(w)
	return err
}
