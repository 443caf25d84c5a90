// Package coldfile defines the core vocabulary for migrating finalized
// chain data out of the mutable store: segment kinds, bucket arithmetic,
// the per-bucket header reconciling nominal boundaries with committed
// rows, and the canonical cold-file naming scheme.
package coldfile

const (
	// BlocksPerColdFile is the fixed number of blocks owned by one cold file bucket.
	BlocksPerColdFile = 500_000

	// DictionarySampleCap bounds how many rows are sampled when training a
	// compression dictionary for a fresh bucket build.
	DictionarySampleCap = 1000

	// DictionaryTargetSize is the dictionary size, in bytes, requested from
	// the codec during training.
	DictionaryTargetSize = 5_000_000
)

// FindFixedRange returns the bucket owning the given block. Buckets are
// BlocksPerColdFile wide and always start at a multiple of that width.
func FindFixedRange(block uint64) BlockRange {
	start := (block / BlocksPerColdFile) * BlocksPerColdFile
	return BlockRange{Start: start, End: start + BlocksPerColdFile - 1}
}

// HighestColdFiles tracks, per segment, the highest block number durably
// committed to cold files. The orchestrator owns one instance and consults it
// when computing migration targets; it never decreases except through an
// explicit prune or rollback flow.
type HighestColdFiles struct {
	entries [3]highestEntry
}

type highestEntry struct {
	block uint64
	ok    bool
}

// Highest returns the highest committed block for the segment.
func (h HighestColdFiles) Highest(s Segment) (uint64, bool) {
	e := h.entries[s]
	return e.block, e.ok
}

// Set records block as the highest committed block for the segment.
func (h *HighestColdFiles) Set(s Segment, block uint64) {
	h.entries[s] = highestEntry{block: block, ok: true}
}

// Clear marks the segment as having no committed cold files.
func (h *HighestColdFiles) Clear(s Segment) {
	h.entries[s] = highestEntry{}
}

// Min returns the lowest of the per-segment highest blocks. It is the
// watermark below which every segment has been migrated.
func (h HighestColdFiles) Min() (uint64, bool) {
	var min uint64
	var ok bool
	for _, e := range h.entries {
		if !e.ok {
			continue
		}
		if !ok || e.block < min {
			min = e.block
			ok = true
		}
	}
	return min, ok
}

// Max returns the highest committed block across all segments.
func (h HighestColdFiles) Max() (uint64, bool) {
	var max uint64
	var ok bool
	for _, e := range h.entries {
		if !e.ok {
			continue
		}
		if !ok || e.block > max {
			max = e.block
			ok = true
		}
	}
	return max, ok
}
