package chainkv

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/coldfile/coldfile"
)

// Snapshot is an immutable read view of the chain store. It is safe to
// share across concurrent segment runs and must be closed when the run
// finishes.
type Snapshot struct {
	snap   *pebble.Snapshot
	closed atomic.Bool
}

func (s *Snapshot) get(t Table, n uint64) ([]byte, error) {
	value, closer, err := s.snap.Get(EncodeKey(t, n))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s %d", ErrNotFound, t, n)
		}
		return nil, fmt.Errorf("read %s %d: %w", t, n, err)
	}
	out := append([]byte(nil), value...)
	return out, closer.Close()
}

// BodyIndices returns the transaction location record of a block. Absence
// is reported as ErrNotFound; for blocks inside a migration range that is
// unrecoverable store corruption.
func (s *Snapshot) BodyIndices(block uint64) (BodyIndices, error) {
	raw, err := s.get(TableBodyIndices, block)
	if err != nil {
		return BodyIndices{}, err
	}
	var bi BodyIndices
	if err := bi.UnmarshalBinary(raw); err != nil {
		return BodyIndices{}, fmt.Errorf("block %d: %w", block, err)
	}
	return bi, nil
}

// TxRangeByBlockRange resolves a block range to the transaction numbers it
// owns. ok is false when every block in the range is empty.
func (s *Snapshot) TxRangeByBlockRange(rng coldfile.BlockRange) (coldfile.BlockRange, bool, error) {
	first, err := s.BodyIndices(rng.Start)
	if err != nil {
		return coldfile.BlockRange{}, false, err
	}
	last, err := s.BodyIndices(rng.End)
	if err != nil {
		return coldfile.BlockRange{}, false, err
	}
	if last.NextTxNum() <= first.FirstTxNum {
		return coldfile.BlockRange{}, false, nil
	}
	return coldfile.BlockRange{Start: first.FirstTxNum, End: last.LastTxNum()}, true, nil
}

// Tip returns the highest canonical block in the store, false when the
// store holds no canonical chain yet.
func (s *Snapshot) Tip() (uint64, bool) {
	it, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: EncodeKey(TableCanonicalHashes, 0),
		UpperBound: keyUpperBound(TableCanonicalHashes, ^uint64(0)),
	})
	if err != nil {
		return 0, false
	}
	defer it.Close()

	if !it.Last() {
		return 0, false
	}
	_, tip, err := DecodeKey(it.Key())
	if err != nil {
		return 0, false
	}
	return tip, true
}

// WalkRange opens an ascending cursor over table t's entries in the
// inclusive range [start, end].
func (s *Snapshot) WalkRange(t Table, start, end uint64) (*Cursor, error) {
	it, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: EncodeKey(t, start),
		UpperBound: keyUpperBound(t, end),
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", t, err)
	}
	return &Cursor{it: it}, nil
}

// WalkBack opens a descending cursor over table t starting at entry from
// and stepping toward the table's first entry.
func (s *Snapshot) WalkBack(t Table, from uint64) (*Cursor, error) {
	it, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: EncodeKey(t, 0),
		UpperBound: keyUpperBound(t, from),
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s back: %w", t, err)
	}
	return &Cursor{it: it, reverse: true}, nil
}

// hashesByRange collects the values of a contiguous numeric range and
// refuses holes inside it.
func (s *Snapshot) hashesByRange(t Table, rng coldfile.BlockRange) ([][]byte, error) {
	cur, err := s.WalkRange(t, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	hashes := make([][]byte, 0, rng.Len())
	expected := rng.Start
	for cur.Next() {
		if cur.Number() != expected {
			return nil, fmt.Errorf("%w: %s jumps from %d to %d",
				ErrGap, t, expected, cur.Number())
		}
		hashes = append(hashes, append([]byte(nil), cur.Value()...))
		expected++
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if uint64(len(hashes)) != rng.Len() {
		return nil, fmt.Errorf("%w: %s has %d of %d entries in %s",
			ErrGap, t, len(hashes), rng.Len(), rng)
	}
	return hashes, nil
}

// TxHashesByRange returns the transaction hashes of an inclusive tx number
// range, in order. A hole inside the range is ErrGap corruption.
func (s *Snapshot) TxHashesByRange(rng coldfile.BlockRange) ([][]byte, error) {
	return s.hashesByRange(TableTxHashes, rng)
}

// HeaderHashesByRange returns the canonical block hashes of an inclusive
// block range, in order. A hole inside the range is ErrGap corruption.
func (s *Snapshot) HeaderHashesByRange(rng coldfile.BlockRange) ([][]byte, error) {
	return s.hashesByRange(TableCanonicalHashes, rng)
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.snap.Close()
}

// Cursor steps through one table's rows in key order. Next must be called
// before the first access; Value's slice is only valid until the next call
// to Next or Close.
type Cursor struct {
	it      *pebble.Iterator
	reverse bool
	started bool

	number uint64
	value  []byte
	err    error
}

// Next advances the cursor and reports whether it landed on a row.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}

	var valid bool
	if !c.started {
		c.started = true
		if c.reverse {
			valid = c.it.Last()
		} else {
			valid = c.it.First()
		}
	} else {
		if c.reverse {
			valid = c.it.Prev()
		} else {
			valid = c.it.Next()
		}
	}
	if !valid {
		c.err = c.it.Error()
		return false
	}

	_, number, err := DecodeKey(c.it.Key())
	if err != nil {
		c.err = err
		return false
	}
	c.number = number
	c.value, c.err = c.it.ValueAndErr()
	return c.err == nil
}

// Number returns the block or transaction number of the current row.
func (c *Cursor) Number() uint64 { return c.number }

// Value returns the current row's raw value.
func (c *Cursor) Value() []byte { return c.value }

// Err returns the first error the cursor ran into.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor.
func (c *Cursor) Close() error { return c.it.Close() }
