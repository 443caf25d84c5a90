package coldfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindFixedRange(t *testing.T) {
	assert.Equal(t, BlockRange{Start: 0, End: 499_999}, FindFixedRange(0))
	assert.Equal(t, BlockRange{Start: 0, End: 499_999}, FindFixedRange(499_999))
	assert.Equal(t, BlockRange{Start: 500_000, End: 999_999}, FindFixedRange(500_000))
	assert.Equal(t, BlockRange{Start: 1_000_000, End: 1_499_999}, FindFixedRange(1_000_000))
	assert.Equal(t, BlockRange{Start: 1_000_000, End: 1_499_999}, FindFixedRange(1_234_567))
}

func TestHighestColdFiles(t *testing.T) {
	var h HighestColdFiles

	_, ok := h.Highest(SegmentHeaders)
	assert.False(t, ok, "fresh tracker should report nothing")
	_, ok = h.Min()
	assert.False(t, ok)
	_, ok = h.Max()
	assert.False(t, ok)

	h.Set(SegmentHeaders, 999_999)
	h.Set(SegmentTransactions, 499_999)

	got, ok := h.Highest(SegmentHeaders)
	assert.True(t, ok)
	assert.Equal(t, uint64(999_999), got)

	// Receipts were never committed, so there is no common watermark yet.
	min, ok := h.Min()
	assert.True(t, ok)
	assert.Equal(t, uint64(499_999), min)

	max, ok := h.Max()
	assert.True(t, ok)
	assert.Equal(t, uint64(999_999), max)

	h.Set(SegmentReceipts, 1_499_999)
	max, _ = h.Max()
	assert.Equal(t, uint64(1_499_999), max)

	h.Clear(SegmentTransactions)
	min, ok = h.Min()
	assert.True(t, ok)
	assert.Equal(t, uint64(999_999), min)
}

func TestHighestColdFilesZeroBlock(t *testing.T) {
	var h HighestColdFiles

	// Block zero committed is distinct from nothing committed.
	h.Set(SegmentHeaders, 0)
	got, ok := h.Highest(SegmentHeaders)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), got)
}
