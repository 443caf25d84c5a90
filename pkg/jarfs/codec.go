package jarfs

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/valyala/gozstd"

	"github.com/coldfile/coldfile"
)

// codec encodes and decodes one column value at a time. Implementations
// hold per-column state where the compression scheme needs it.
type codec interface {
	compress(col int, src []byte) ([]byte, error)
	decompress(col int, src []byte) ([]byte, error)
	release()
}

func newCodec(cfg coldfile.SegmentConfig, columns int, dicts [][]byte) (codec, error) {
	switch cfg.Compression {
	case coldfile.CompressionUncompressed:
		return passthroughCodec{}, nil
	case coldfile.CompressionLz4:
		return &lz4Codec{}, nil
	case coldfile.CompressionZstd:
		return zstdCodec{}, nil
	case coldfile.CompressionZstdDict:
		if len(dicts) != columns {
			return nil, ErrDictionaryMissing
		}
		return newZstdDictCodec(dicts)
	default:
		return nil, coldfile.ErrUnknownCompression
	}
}

// trainDictionary builds one zstd dictionary from raw column samples.
func trainDictionary(samples [][]byte) ([]byte, error) {
	dict := gozstd.BuildDict(samples, coldfile.DictionaryTargetSize)
	if len(dict) == 0 {
		return nil, ErrDictionaryTraining
	}
	return dict, nil
}

type passthroughCodec struct{}

func (passthroughCodec) compress(_ int, src []byte) ([]byte, error) {
	return src, nil
}

func (passthroughCodec) decompress(_ int, src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (passthroughCodec) release() {}

/* lz4 value layout:
┌─────────────────────────────────────────────────────────┐
│ uvarint  raw length                                     │
│ payload  lz4 block if shorter than raw, else raw bytes  │
└─────────────────────────────────────────────────────────┘
*/

type lz4Codec struct {
	c lz4.Compressor
}

func (l *lz4Codec) compress(_ int, src []byte) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(src)))
	n := binary.PutUvarint(buf, uint64(len(src)))

	cn, err := l.c.CompressBlock(src, buf[n:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if cn == 0 || cn >= len(src) {
		// incompressible, keep the raw bytes
		return append(buf[:n], src...), nil
	}
	return buf[:n+cn], nil
}

func (l *lz4Codec) decompress(_ int, src []byte) ([]byte, error) {
	rawLen, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, ErrCorruptValue
	}
	payload := src[n:]
	if uint64(len(payload)) == rawLen {
		return append([]byte(nil), payload...), nil
	}

	dst := make([]byte, rawLen)
	if _, err := lz4.UncompressBlock(payload, dst); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst, nil
}

func (l *lz4Codec) release() {}

type zstdCodec struct{}

func (zstdCodec) compress(_ int, src []byte) ([]byte, error) {
	return gozstd.Compress(nil, src), nil
}

func (zstdCodec) decompress(_ int, src []byte) ([]byte, error) {
	dst, err := gozstd.Decompress(nil, src)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return dst, nil
}

func (zstdCodec) release() {}

// zstdDictCodec compresses against per-column trained dictionaries.
type zstdDictCodec struct {
	cdicts []*gozstd.CDict
	ddicts []*gozstd.DDict
}

func newZstdDictCodec(dicts [][]byte) (*zstdDictCodec, error) {
	z := &zstdDictCodec{
		cdicts: make([]*gozstd.CDict, len(dicts)),
		ddicts: make([]*gozstd.DDict, len(dicts)),
	}
	for i, dict := range dicts {
		cd, err := gozstd.NewCDict(dict)
		if err != nil {
			z.release()
			return nil, fmt.Errorf("zstd compression dictionary: %w", err)
		}
		z.cdicts[i] = cd

		dd, err := gozstd.NewDDict(dict)
		if err != nil {
			z.release()
			return nil, fmt.Errorf("zstd decompression dictionary: %w", err)
		}
		z.ddicts[i] = dd
	}
	return z, nil
}

func (z *zstdDictCodec) compress(col int, src []byte) ([]byte, error) {
	return gozstd.CompressDict(nil, src, z.cdicts[col]), nil
}

func (z *zstdDictCodec) decompress(col int, src []byte) ([]byte, error) {
	dst, err := gozstd.DecompressDict(nil, src, z.ddicts[col])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return dst, nil
}

func (z *zstdDictCodec) release() {
	for _, cd := range z.cdicts {
		if cd != nil {
			cd.Release()
		}
	}
	for _, dd := range z.ddicts {
		if dd != nil {
			dd.Release()
		}
	}
}
