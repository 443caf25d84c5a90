package coldfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownSegment     = errors.New("unknown segment name")
	ErrUnknownCompression = errors.New("unknown compression name")
	ErrUnknownFilter      = errors.New("unknown inclusion filter name")
	ErrUnknownPerfectHash = errors.New("unknown perfect hash name")
	ErrInvalidFilename    = errors.New("invalid cold file name")
	ErrInvalidRange       = errors.New("cold file range start is past its end")
)

// Segment identifies one category of chain data held in its own family of
// cold files.
type Segment uint8

const (
	// SegmentHeaders holds block headers, one row per block.
	SegmentHeaders Segment = iota
	// SegmentTransactions holds transactions, one row per transaction.
	SegmentTransactions
	// SegmentReceipts holds receipts, one row per transaction.
	SegmentReceipts

	segmentCount = 3
)

// AllSegments returns every segment in dispatch order.
func AllSegments() [3]Segment {
	return [3]Segment{SegmentHeaders, SegmentTransactions, SegmentReceipts}
}

func (s Segment) String() string {
	switch s {
	case SegmentHeaders:
		return "headers"
	case SegmentTransactions:
		return "transactions"
	case SegmentReceipts:
		return "receipts"
	default:
		return fmt.Sprintf("segment(%d)", uint8(s))
	}
}

// ParseSegment maps a canonical segment name back to its value.
func ParseSegment(name string) (Segment, error) {
	switch name {
	case "headers":
		return SegmentHeaders, nil
	case "transactions":
		return SegmentTransactions, nil
	case "receipts":
		return SegmentReceipts, nil
	default:
		return 0, ErrUnknownSegment
	}
}

// Columns reports how many columns a row of this segment carries.
// Headers store the header, its total difficulty and its canonical hash,
// the rest are single column.
func (s Segment) Columns() int {
	switch s {
	case SegmentHeaders:
		return 3
	default:
		return 1
	}
}

// IsHeaders reports whether the segment is block based rather than
// transaction based.
func (s Segment) IsHeaders() bool {
	return s == SegmentHeaders
}

// IsTxBased reports whether rows of this segment are keyed by transaction
// number.
func (s Segment) IsTxBased() bool {
	return s == SegmentTransactions || s == SegmentReceipts
}

// Filename returns the canonical name for the cold file covering the given
// bucket, without configuration tokens. Readers resolve files through this
// form regardless of how they were produced.
func Filename(s Segment, r BlockRange) string {
	return fmt.Sprintf("static_file_%s_%d_%d", s, r.Start, r.End)
}

// FilenameWithConfig returns the canonical name extended with the
// configuration tokens describing how the file was built.
func FilenameWithConfig(s Segment, r BlockRange, cfg SegmentConfig) string {
	return fmt.Sprintf("%s_%s_%s", Filename(s, r), cfg.Filters, cfg.Compression)
}

// FilenameFor returns the on-disk name for a cold file built with cfg:
// the plain form for the default configuration, the token suffixed form
// for everything else.
func FilenameFor(s Segment, r BlockRange, cfg SegmentConfig) string {
	if cfg == DefaultConfig() {
		return Filename(s, r)
	}
	return FilenameWithConfig(s, r, cfg)
}

// ParseFilename recovers the segment and bucket range from a cold file name.
// Trailing configuration tokens are ignored, matching FilenameWithConfig
// output as well as the plain form.
func ParseFilename(name string) (Segment, BlockRange, error) {
	rest, ok := strings.CutPrefix(name, "static_file_")
	if !ok {
		return 0, BlockRange{}, ErrInvalidFilename
	}

	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return 0, BlockRange{}, ErrInvalidFilename
	}

	seg, err := ParseSegment(parts[0])
	if err != nil {
		return 0, BlockRange{}, err
	}

	start, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, BlockRange{}, ErrInvalidFilename
	}
	end, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, BlockRange{}, ErrInvalidFilename
	}
	if start > end {
		return 0, BlockRange{}, ErrInvalidRange
	}

	return seg, BlockRange{Start: start, End: end}, nil
}
