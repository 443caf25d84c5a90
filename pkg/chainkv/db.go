package chainkv

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// DB is the mutable chain store: a pebble keyspace partitioned into the
// fixed Table set. It holds the chain data that has not been migrated into
// cold files yet.
type DB struct {
	pdb    *pebble.DB
	closed atomic.Bool
}

type options struct {
	fs vfs.FS
}

// Option configures the store.
type Option func(*options)

// WithFS overrides the filesystem pebble runs on. Tests run on vfs.NewMem.
func WithFS(fs vfs.FS) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// Open opens the chain store rooted at dirname.
func Open(dirname string, opts ...Option) (*DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pdb, err := pebble.Open(dirname, &pebble.Options{FS: o.fs})
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}
	return &DB{pdb: pdb}, nil
}

// pebbleSetter is the write surface shared by pebble.DB and pebble.Batch.
type pebbleSetter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

func putHeader(w pebbleSetter, block uint64, header, td, hash []byte) error {
	if err := w.Set(EncodeKey(TableHeaders, block), header, pebble.NoSync); err != nil {
		return err
	}
	if err := w.Set(EncodeKey(TableHeaderTD, block), td, pebble.NoSync); err != nil {
		return err
	}
	return w.Set(EncodeKey(TableCanonicalHashes, block), hash, pebble.NoSync)
}

func putBodyIndices(w pebbleSetter, block, firstTx, count uint64) error {
	value, err := BodyIndices{FirstTxNum: firstTx, TxCount: count}.MarshalBinary()
	if err != nil {
		return err
	}
	return w.Set(EncodeKey(TableBodyIndices, block), value, pebble.NoSync)
}

func putTransaction(w pebbleSetter, txNum uint64, raw, hash []byte) error {
	if err := w.Set(EncodeKey(TableTransactions, txNum), raw, pebble.NoSync); err != nil {
		return err
	}
	return w.Set(EncodeKey(TableTxHashes, txNum), hash, pebble.NoSync)
}

func putReceipt(w pebbleSetter, txNum uint64, raw []byte) error {
	return w.Set(EncodeKey(TableReceipts, txNum), raw, pebble.NoSync)
}

// PutHeader stores a block's header, total difficulty and canonical hash.
func (d *DB) PutHeader(block uint64, header, td, hash []byte) error {
	return putHeader(d.pdb, block, header, td, hash)
}

// PutBodyIndices stores a block's transaction location record.
func (d *DB) PutBodyIndices(block, firstTx, count uint64) error {
	return putBodyIndices(d.pdb, block, firstTx, count)
}

// PutTransaction stores one transaction's raw bytes and hash under its
// global transaction number.
func (d *DB) PutTransaction(txNum uint64, raw, hash []byte) error {
	return putTransaction(d.pdb, txNum, raw, hash)
}

// PutReceipt stores one receipt's raw bytes under its transaction number.
func (d *DB) PutReceipt(txNum uint64, raw []byte) error {
	return putReceipt(d.pdb, txNum, raw)
}

// DeleteRange removes the table's rows numbered [start, end], both bounds
// inclusive. Migrated ranges are dropped from the mutable store once cold
// files own them.
func (d *DB) DeleteRange(t Table, start, end uint64) error {
	return d.pdb.DeleteRange(EncodeKey(t, start), keyUpperBound(t, end), pebble.Sync)
}

// Batch collects writes and commits them atomically.
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts an empty write batch.
func (d *DB) NewBatch() *Batch {
	return &Batch{b: d.pdb.NewBatch()}
}

// PutHeader batches a block's header, total difficulty and canonical hash.
func (b *Batch) PutHeader(block uint64, header, td, hash []byte) error {
	return putHeader(b.b, block, header, td, hash)
}

// PutBodyIndices batches a block's transaction location record.
func (b *Batch) PutBodyIndices(block, firstTx, count uint64) error {
	return putBodyIndices(b.b, block, firstTx, count)
}

// PutTransaction batches one transaction's raw bytes and hash.
func (b *Batch) PutTransaction(txNum uint64, raw, hash []byte) error {
	return putTransaction(b.b, txNum, raw, hash)
}

// PutReceipt batches one receipt's raw bytes.
func (b *Batch) PutReceipt(txNum uint64, raw []byte) error {
	return putReceipt(b.b, txNum, raw)
}

// Commit durably applies the batch.
func (b *Batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}

// Close releases the batch without applying uncommitted writes.
func (b *Batch) Close() error {
	return b.b.Close()
}

// Snapshot pins a consistent read view of the store. Segment runs read
// through one snapshot so a concurrently advancing chain never shears the
// copied ranges.
func (d *DB) Snapshot() *Snapshot {
	return &Snapshot{snap: d.pdb.NewSnapshot()}
}

// Close closes the store.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.pdb.Close()
}
