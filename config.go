package coldfile

import (
	"fmt"
	"strings"
)

// Compression selects the row codec for a cold file.
type Compression uint8

const (
	// CompressionUncompressed stores rows verbatim.
	CompressionUncompressed Compression = iota
	// CompressionLz4 compresses each row independently with lz4 block
	// compression.
	CompressionLz4
	// CompressionZstd compresses each row independently without a shared
	// dictionary.
	CompressionZstd
	// CompressionZstdDict compresses rows against a dictionary trained on a
	// sample of the bucket's rows.
	CompressionZstdDict
)

func (c Compression) String() string {
	switch c {
	case CompressionUncompressed:
		return "uncompressed"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionZstdDict:
		return "zstd-dict"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a canonical compression name back to its value.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "uncompressed":
		return CompressionUncompressed, nil
	case "lz4":
		return CompressionLz4, nil
	case "zstd":
		return CompressionZstd, nil
	case "zstd-dict":
		return CompressionZstdDict, nil
	default:
		return 0, ErrUnknownCompression
	}
}

// InclusionFilterKind selects the probabilistic membership structure
// attached to a filtered cold file.
type InclusionFilterKind uint8

const (
	// InclusionCuckoo is a cuckoo filter keyed by row key hashes.
	InclusionCuckoo InclusionFilterKind = iota
	// InclusionBloom is a bloom filter sized for the row count.
	InclusionBloom
)

func (k InclusionFilterKind) String() string {
	switch k {
	case InclusionCuckoo:
		return "cuckoo"
	case InclusionBloom:
		return "bloom"
	default:
		return fmt.Sprintf("inclusion(%d)", uint8(k))
	}
}

// ParseInclusionFilterKind maps a canonical filter name back to its value.
func ParseInclusionFilterKind(name string) (InclusionFilterKind, error) {
	switch name {
	case "cuckoo":
		return InclusionCuckoo, nil
	case "bloom":
		return InclusionBloom, nil
	default:
		return 0, ErrUnknownFilter
	}
}

// PerfectHashKind selects the perfect hash function mapping row keys to row
// positions in a filtered cold file.
type PerfectHashKind uint8

const (
	// PerfectHashFmph is a minimal perfect hash over the full key set.
	PerfectHashFmph PerfectHashKind = iota
	// PerfectHashGoFmph is the recsplit variant of the minimal perfect hash.
	PerfectHashGoFmph
)

func (k PerfectHashKind) String() string {
	switch k {
	case PerfectHashFmph:
		return "fmph"
	case PerfectHashGoFmph:
		return "gofmph"
	default:
		return fmt.Sprintf("phf(%d)", uint8(k))
	}
}

// ParsePerfectHashKind maps a canonical perfect hash name back to its value.
func ParsePerfectHashKind(name string) (PerfectHashKind, error) {
	switch name {
	case "fmph":
		return PerfectHashFmph, nil
	case "gofmph":
		return PerfectHashGoFmph, nil
	default:
		return 0, ErrUnknownPerfectHash
	}
}

// Filters describes the key lookup structures of a cold file. A file built
// with filters carries both an inclusion filter and a perfect hash; a file
// built without carries neither and serves positional reads only.
type Filters struct {
	active    bool
	inclusion InclusionFilterKind
	phf       PerfectHashKind
}

// WithFilters returns a Filters carrying the given structures.
func WithFilters(inclusion InclusionFilterKind, phf PerfectHashKind) Filters {
	return Filters{active: true, inclusion: inclusion, phf: phf}
}

// WithoutFilters returns a Filters carrying no lookup structures.
func WithoutFilters() Filters {
	return Filters{}
}

// Active reports whether the file carries lookup structures.
func (f Filters) Active() bool { return f.active }

// Inclusion returns the inclusion filter kind. Valid only when Active.
func (f Filters) Inclusion() InclusionFilterKind { return f.inclusion }

// PerfectHash returns the perfect hash kind. Valid only when Active.
func (f Filters) PerfectHash() PerfectHashKind { return f.phf }

func (f Filters) String() string {
	if !f.active {
		return "none"
	}
	return fmt.Sprintf("%s-%s", f.inclusion, f.phf)
}

// ParseFilters maps a filters token back to its value. The token is either
// "none" or "<inclusion>-<phf>".
func ParseFilters(token string) (Filters, error) {
	if token == "none" {
		return WithoutFilters(), nil
	}
	inclusionName, phfName, ok := strings.Cut(token, "-")
	if !ok {
		return Filters{}, ErrUnknownFilter
	}
	inclusion, err := ParseInclusionFilterKind(inclusionName)
	if err != nil {
		return Filters{}, err
	}
	phf, err := ParsePerfectHashKind(phfName)
	if err != nil {
		return Filters{}, err
	}
	return WithFilters(inclusion, phf), nil
}

// SegmentConfig carries the build-time choices for a cold file.
type SegmentConfig struct {
	Filters     Filters
	Compression Compression
}

// DefaultConfig is the configuration fresh buckets are built with.
func DefaultConfig() SegmentConfig {
	return SegmentConfig{
		Filters:     WithFilters(InclusionCuckoo, PerfectHashFmph),
		Compression: CompressionLz4,
	}
}
