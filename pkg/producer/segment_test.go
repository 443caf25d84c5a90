package producer

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/chainkv"
	"github.com/coldfile/coldfile/pkg/coldstore"
	"github.com/coldfile/coldfile/pkg/jarfs"
)

func plainTestConfig() coldfile.SegmentConfig {
	return coldfile.SegmentConfig{
		Filters:     coldfile.WithoutFilters(),
		Compression: coldfile.CompressionUncompressed,
	}
}

func openSourceDB(t *testing.T) *chainkv.DB {
	t.Helper()
	db, err := chainkv.Open("chain", chainkv.WithFS(vfs.NewMem()))
	require.NoError(t, err, "failed to open source store")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openColdStore(t *testing.T, opts ...coldstore.StoreOption) *coldstore.Store {
	t.Helper()
	s, err := coldstore.Open(t.TempDir(), opts...)
	require.NoError(t, err, "failed to open cold file store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot(t *testing.T, db *chainkv.DB) *chainkv.Snapshot {
	t.Helper()
	snap := db.Snapshot()
	t.Cleanup(func() { _ = snap.Close() })
	return snap
}

func headerValue(block uint64) []byte {
	return []byte(fmt.Sprintf("header-%06d|", block) + strings.Repeat("field ", 8))
}

func tdValue(block uint64) []byte {
	return []byte(fmt.Sprintf("td-%06d", block))
}

func blockHash(block uint64) []byte {
	h := make([]byte, 32)
	h[0] = 0xb1
	binary.BigEndian.PutUint64(h[1:9], block)
	return h
}

func txValue(txNum uint64) []byte {
	return []byte(fmt.Sprintf("tx-%06d|", txNum) + strings.Repeat("lorem ipsum transaction payload ", 4))
}

func txHash(txNum uint64) []byte {
	h := make([]byte, 32)
	h[0] = 0x7c
	binary.BigEndian.PutUint64(h[1:9], txNum)
	return h
}

func receiptValue(txNum uint64) []byte {
	return []byte(fmt.Sprintf("receipt-%06d|", txNum) + strings.Repeat("log entry ", 6))
}

// seedBlocksAt writes full blocks starting at firstBlock; block i carries
// txCounts[i] transactions and receipts numbered consecutively from
// firstTx. Returns the next unused tx number.
func seedBlocksAt(t *testing.T, db *chainkv.DB, firstBlock, firstTx uint64, txCounts []int) uint64 {
	t.Helper()
	txNum := firstTx
	for i, count := range txCounts {
		block := firstBlock + uint64(i)
		require.NoError(t, db.PutHeader(block, headerValue(block), tdValue(block), blockHash(block)))
		require.NoError(t, db.PutBodyIndices(block, txNum, uint64(count)))
		for j := 0; j < count; j++ {
			require.NoError(t, db.PutTransaction(txNum, txValue(txNum), txHash(txNum)))
			require.NoError(t, db.PutReceipt(txNum, receiptValue(txNum)))
			txNum++
		}
	}
	return txNum
}

// cycleCounts returns n per-block tx counts cycling 0,1,...,cycle-1.
func cycleCounts(n, cycle int) []int {
	counts := make([]int, n)
	for i := range counts {
		counts[i] = i % cycle
	}
	return counts
}

func repeatCounts(n, count int) []int {
	counts := make([]int, n)
	for i := range counts {
		counts[i] = count
	}
	return counts
}

func TestHeadersCopy(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	err := NewHeaders().Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
	require.NoError(t, err, "failed to copy headers")

	end, ok := store.Highest().Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(9), end)

	r, err := store.Reader(coldfile.SegmentHeaders, 5)
	require.NoError(t, err)
	row, err := r.Row(5)
	require.NoError(t, err)
	assert.Equal(t, headerValue(5), row[0])
	assert.Equal(t, tdValue(5), row[1])
	assert.Equal(t, blockHash(5), row[2])

	header := r.Header()
	blocks, ok := header.BlockRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 0, End: 9}, blocks)
	_, ok = header.TxRange()
	assert.False(t, ok, "headers cold files carry no tx range")
}

// TestHeadersCopyFatal breaks the canonical hash table and expects the
// zipped walk to stop with nothing durable past the last boundary commit.
func TestHeadersCopyFatal(t *testing.T) {
	t.Run("interior gap misaligns the tables", func(t *testing.T) {
		db := openSourceDB(t)
		seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
		require.NoError(t, db.DeleteRange(chainkv.TableCanonicalHashes, 5, 5))
		store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

		seg := NewHeaders(WithSegmentCommitInterval(2))
		err := seg.Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
		require.ErrorIs(t, err, ErrBlockMismatch)
		assert.ErrorContains(t, err, "block 5")

		// blocks 0-3 were committed on cadence, block 4 was still buffered
		end, ok := store.Highest().Highest(coldfile.SegmentHeaders)
		require.True(t, ok)
		assert.Equal(t, uint64(3), end)
	})

	t.Run("missing tail row exhausts the cursor", func(t *testing.T) {
		db := openSourceDB(t)
		seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
		require.NoError(t, db.DeleteRange(chainkv.TableCanonicalHashes, 9, 9))
		store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

		seg := NewHeaders(WithSegmentCommitInterval(2))
		err := seg.Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
		require.ErrorIs(t, err, chainkv.ErrGap)

		end, ok := store.Highest().Highest(coldfile.SegmentHeaders)
		require.True(t, ok)
		assert.Equal(t, uint64(7), end)
	})
}

func TestTransactionsCopy(t *testing.T) {
	db := openSourceDB(t)
	// blocks 0,3,6,9 are empty; nine transactions total
	total := seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
	require.Equal(t, uint64(9), total)
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	err := NewTransactions().Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
	require.NoError(t, err, "failed to copy transactions")

	end, ok := store.Highest().Highest(coldfile.SegmentTransactions)
	require.True(t, ok)
	assert.Equal(t, uint64(9), end)

	r, err := store.Reader(coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), r.Rows())
	for txNum := uint64(0); txNum < 9; txNum++ {
		value, err := r.RowAt(txNum, 0)
		require.NoError(t, err)
		assert.Equal(t, txValue(txNum), value)
	}

	header := r.Header()
	blocks, ok := header.BlockRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 0, End: 9}, blocks, "empty blocks still count toward the block range")
	txs, ok := header.TxRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 0, End: 8}, txs)
}

func TestReceiptsCopy(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	err := NewReceipts().Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
	require.NoError(t, err, "failed to copy receipts")

	r, err := store.Reader(coldfile.SegmentReceipts, 9)
	require.NoError(t, err)
	value, err := r.RowAt(4, 0)
	require.NoError(t, err)
	assert.Equal(t, receiptValue(4), value)
}

func TestTransactionsCopyMissingBodyIndex(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
	require.NoError(t, db.DeleteRange(chainkv.TableBodyIndices, 4, 4))
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	err := NewTransactions().Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
	require.ErrorIs(t, err, chainkv.ErrNotFound)
	assert.ErrorContains(t, err, "block 4")

	// nothing reached a boundary commit before the failure
	_, ok := store.Highest().Highest(coldfile.SegmentTransactions)
	assert.False(t, ok)
}

func TestTransactionsCopyMissingRow(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, cycleCounts(10, 3))
	// block 5 owns transactions 4 and 5; drop the first of them
	require.NoError(t, db.DeleteRange(chainkv.TableTransactions, 4, 4))
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	err := NewTransactions().Copy(context.Background(), testSnapshot(t, db), store, coldfile.BlockRange{Start: 0, End: 9})
	require.ErrorIs(t, err, chainkv.ErrGap)
	assert.ErrorContains(t, err, "block 5")
}

// TestTransactionsCopyBucketRoll runs a copy across the bucket boundary.
// The first bucket is mostly empty blocks, advanced through the writer
// without rows; the copy must commit it once the walk crosses into the
// next bucket and pin the new bucket's tx range at the first transaction
// it owns.
func TestTransactionsCopyBucketRoll(t *testing.T) {
	boundary := uint64(coldfile.BlocksPerColdFile)
	db := openSourceDB(t)
	seedBlocksAt(t, db, boundary-2, 1000, repeatCounts(5, 1))
	store := openColdStore(t, coldstore.WithSegmentConfig(plainTestConfig()))

	// blocks 0..boundary-3 carry no transactions
	w, err := store.Writer(context.Background(), coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	for block := uint64(0); block < boundary-2; block++ {
		_, err := w.IncrementBlock(block)
		require.NoError(t, err)
	}
	require.NoError(t, w.Commit())

	rng := coldfile.BlockRange{Start: boundary - 2, End: boundary + 2}
	err = NewTransactions().Copy(context.Background(), testSnapshot(t, db), store, rng)
	require.NoError(t, err, "failed to copy across the bucket boundary")

	end, ok := store.Highest().Highest(coldfile.SegmentTransactions)
	require.True(t, ok)
	assert.Equal(t, boundary+2, end)

	first, err := store.Reader(coldfile.SegmentTransactions, boundary-1)
	require.NoError(t, err)
	firstHeader := first.Header()
	blocks, ok := firstHeader.BlockRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 0, End: boundary - 1}, blocks)
	txs, ok := firstHeader.TxRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 1000, End: 1001}, txs)
	value, err := first.RowAt(0, 0)
	require.NoError(t, err)
	assert.Equal(t, txValue(1000), value)

	second, err := store.Reader(coldfile.SegmentTransactions, boundary)
	require.NoError(t, err)
	secondHeader := second.Header()
	blocks, ok = secondHeader.BlockRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: boundary, End: boundary + 2}, blocks)
	txs, ok = secondHeader.TxRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 1002, End: 1004}, txs)
	value, err = second.RowAt(0, 0)
	require.NoError(t, err)
	assert.Equal(t, txValue(1002), value)
}

// TestHeadersCreateDefaultConfig builds a filtered lz4 jar for blocks
// 0..999 in one pass and checks positional reads, membership and exact
// hash lookups against every inserted block hash.
func TestHeadersCreateDefaultConfig(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, repeatCounts(1000, 0))
	dir := t.TempDir()
	rng := coldfile.BlockRange{Start: 0, End: 999}

	err := NewHeaders().Create(context.Background(), testSnapshot(t, db), dir, coldfile.DefaultConfig(), rng)
	require.NoError(t, err, "failed to build headers jar")

	// the default configuration uses the plain filename
	path := filepath.Join(dir, coldfile.Filename(coldfile.SegmentHeaders, coldfile.FindFixedRange(999)))
	r, err := jarfs.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(1000), r.Rows())
	assert.True(t, r.HasFilters())
	header := r.Header()
	blocks, ok := header.BlockRange()
	require.True(t, ok)
	assert.Equal(t, rng, blocks)
	_, ok = header.TxRange()
	assert.False(t, ok)

	for _, block := range []uint64{0, 123, 999} {
		row, err := r.Row(block)
		require.NoError(t, err)
		assert.Equal(t, headerValue(block), row[0])
		assert.Equal(t, tdValue(block), row[1])
		assert.Equal(t, blockHash(block), row[2])
	}

	for block := uint64(0); block < 1000; block++ {
		hit, err := r.MayContain(blockHash(block))
		require.NoError(t, err)
		assert.True(t, hit, "inserted hash for block %d must test present", block)
		row, err := r.LookupRow(blockHash(block))
		require.NoError(t, err)
		assert.Equal(t, block, row)
	}

	_, err = r.LookupRow(blockHash(5000))
	assert.ErrorIs(t, err, jarfs.ErrKeyNotFound)

	misses := 0
	for n := uint64(0); n < 256; n++ {
		hit, err := r.MayContain(txHash(n + 100_000))
		require.NoError(t, err)
		if !hit {
			misses++
		}
	}
	assert.Greater(t, misses, 200, "absent keys should miss the inclusion filter almost always")
}

func TestTransactionsCreateDefaultConfig(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, repeatCounts(30, 2))
	dir := t.TempDir()
	rng := coldfile.BlockRange{Start: 0, End: 29}

	err := NewTransactions().Create(context.Background(), testSnapshot(t, db), dir, coldfile.DefaultConfig(), rng)
	require.NoError(t, err, "failed to build transactions jar")

	path := filepath.Join(dir, coldfile.Filename(coldfile.SegmentTransactions, coldfile.FindFixedRange(29)))
	r, err := jarfs.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(60), r.Rows())
	header := r.Header()
	txs, ok := header.TxRange()
	require.True(t, ok)
	assert.Equal(t, coldfile.BlockRange{Start: 0, End: 59}, txs)

	for txNum := uint64(0); txNum < 60; txNum++ {
		row, err := r.LookupRow(txHash(txNum))
		require.NoError(t, err)
		assert.Equal(t, txNum, row)
	}
	_, err = r.LookupRow(txHash(700))
	assert.ErrorIs(t, err, jarfs.ErrKeyNotFound)
}

// TestTransactionsCreateZstdDict trains per-column dictionaries from a
// backward sample of the bucket's own rows, then round-trips every value
// through the dictionary codec.
func TestTransactionsCreateZstdDict(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, repeatCounts(1000, 1))
	dir := t.TempDir()
	cfg := coldfile.SegmentConfig{
		Filters:     coldfile.WithoutFilters(),
		Compression: coldfile.CompressionZstdDict,
	}
	rng := coldfile.BlockRange{Start: 0, End: 999}

	err := NewTransactions().Create(context.Background(), testSnapshot(t, db), dir, cfg, rng)
	require.NoError(t, err, "failed to build dictionary compressed jar")

	name := coldfile.FilenameFor(coldfile.SegmentTransactions, coldfile.FindFixedRange(999), cfg)
	assert.Equal(t, "static_file_transactions_0_499999_none_zstd-dict", name)
	r, err := jarfs.OpenReader(filepath.Join(dir, name))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(1000), r.Rows())
	assert.Equal(t, coldfile.CompressionZstdDict, r.Config().Compression)
	for _, txNum := range []uint64{0, 499, 999} {
		value, err := r.RowAt(txNum, 0)
		require.NoError(t, err)
		assert.Equal(t, txValue(txNum), value)
	}
}

func TestCreateEmptyTransactionsBucket(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, repeatCounts(10, 0))
	dir := t.TempDir()
	rng := coldfile.BlockRange{Start: 0, End: 9}

	err := NewTransactions().Create(context.Background(), testSnapshot(t, db), dir, plainTestConfig(), rng)
	require.NoError(t, err, "an all-empty-blocks bucket must still build")

	name := coldfile.FilenameFor(coldfile.SegmentTransactions, coldfile.FindFixedRange(9), plainTestConfig())
	r, err := jarfs.OpenReader(filepath.Join(dir, name))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(0), r.Rows())
	header := r.Header()
	blocks, ok := header.BlockRange()
	require.True(t, ok)
	assert.Equal(t, rng, blocks)
	_, ok = header.TxRange()
	assert.False(t, ok)
}

// TestSampleBound pins the dictionary sampling cap: a range far larger
// than the cap yields exactly the cap's worth of samples, taken backward
// from the range end.
func TestSampleBound(t *testing.T) {
	db := openSourceDB(t)
	for txNum := uint64(0); txNum < 10_000; txNum++ {
		require.NoError(t, db.PutTransaction(txNum, txValue(txNum), txHash(txNum)))
	}

	limit := min(uint64(10_000), coldfile.DictionarySampleCap)
	require.Equal(t, uint64(1000), limit)

	seg := txSegment{kind: coldfile.SegmentTransactions, table: chainkv.TableTransactions}
	samples, err := seg.sample(context.Background(), testSnapshot(t, db), coldfile.BlockRange{Start: 0, End: 9999}, limit)
	require.NoError(t, err, "failed to sample")
	require.Len(t, samples, 1)
	require.Len(t, samples[0], 1000)
	assert.Equal(t, txValue(9999), samples[0][0])
	assert.Equal(t, txValue(9000), samples[0][999])
}

func TestSampleGapFatal(t *testing.T) {
	db := openSourceDB(t)
	for txNum := uint64(0); txNum < 10; txNum++ {
		require.NoError(t, db.PutTransaction(txNum, txValue(txNum), txHash(txNum)))
	}
	require.NoError(t, db.DeleteRange(chainkv.TableTransactions, 7, 7))

	seg := txSegment{kind: coldfile.SegmentTransactions, table: chainkv.TableTransactions}
	_, err := seg.sample(context.Background(), testSnapshot(t, db), coldfile.BlockRange{Start: 0, End: 9}, 5)
	require.ErrorIs(t, err, chainkv.ErrGap)
	assert.ErrorContains(t, err, "row 7")
}

func TestHeadersSample(t *testing.T) {
	db := openSourceDB(t)
	seedBlocksAt(t, db, 0, 0, repeatCounts(10, 0))

	seg := headersSegment{}
	samples, err := seg.sample(context.Background(), testSnapshot(t, db), coldfile.BlockRange{Start: 0, End: 9}, 4)
	require.NoError(t, err, "failed to sample headers")
	require.Len(t, samples, 3)
	for col := 0; col < 3; col++ {
		require.Len(t, samples[col], 4)
	}
	assert.Equal(t, headerValue(9), samples[0][0])
	assert.Equal(t, tdValue(8), samples[1][1])
	assert.Equal(t, blockHash(6), samples[2][3])
}
