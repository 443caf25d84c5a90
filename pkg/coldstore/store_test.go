package coldstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldfile/coldfile"
	"github.com/coldfile/coldfile/pkg/jarfs"
)

// plainConfig keeps store tests on raw positional jars; filtered builds
// are covered by the jarfs builder tests.
func plainConfig() coldfile.SegmentConfig {
	return coldfile.SegmentConfig{
		Filters:     coldfile.WithoutFilters(),
		Compression: coldfile.CompressionUncompressed,
	}
}

func openTestStore(t *testing.T, dir string, opts ...StoreOption) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// appendHeaders pushes blocks [from, from+count) into the headers writer.
func appendHeaders(t *testing.T, w *SegmentWriter, from uint64, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		block := from + uint64(i)
		got, err := w.AppendHeader(block,
			[]byte(fmt.Sprintf("header-%d", block)),
			[]byte(fmt.Sprintf("td-%d", block)),
			[]byte(fmt.Sprintf("hash-%d", block)),
		)
		require.NoError(t, err, "failed to append header %d", block)
		require.Equal(t, block, got)
	}
}

func TestStoreOpenEmpty(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	highest := s.Highest()
	for _, seg := range coldfile.AllSegments() {
		_, ok := highest.Highest(seg)
		assert.False(t, ok, "empty store should have no highest for %s", seg)
	}

	_, err := s.Reader(coldfile.SegmentHeaders, 0)
	assert.ErrorIs(t, err, ErrNoColdFile)
}

func TestStoreWriterLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	ctx := context.Background()

	w, err := s.Writer(ctx, coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	appendHeaders(t, w, 0, 3)
	require.NoError(t, w.Commit())

	highest := s.Highest()
	end, ok := highest.Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(2), end)

	// the same bucket hands back the same writer
	again, err := s.Writer(ctx, coldfile.SegmentHeaders, 499_999)
	require.NoError(t, err)
	assert.Same(t, w, again)

	name := coldfile.FilenameWithConfig(coldfile.SegmentHeaders, coldfile.FindFixedRange(0), plainConfig())
	_, err = os.Stat(filepath.Join(dir, name+jarfs.ConfigExt))
	assert.NoError(t, err)
}

func TestStoreResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	w, err := s.Writer(ctx, coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	appendHeaders(t, w, 0, 4)
	require.NoError(t, w.Commit())
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	end, ok := reopened.Highest().Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(3), end)

	w, err = reopened.Writer(ctx, coldfile.SegmentHeaders, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), w.NextBlock())
	appendHeaders(t, w, 4, 2)
	require.NoError(t, w.Commit())

	end, ok = reopened.Highest().Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(5), end)
}

func TestStoreCloseCommitsOpenWriters(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	w, err := s.Writer(ctx, coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	appendHeaders(t, w, 0, 2)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	end, ok := reopened.Highest().Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(1), end)
}

func TestStoreReader(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	w, err := s.Writer(ctx, coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	_, err = w.IncrementBlock(0)
	require.NoError(t, err)
	for tx := uint64(0); tx < 3; tx++ {
		require.NoError(t, w.AppendTransaction(tx, []byte(fmt.Sprintf("tx-%d", tx))))
	}
	require.NoError(t, w.Commit())

	r, err := s.Reader(coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	value, err := r.RowAt(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("tx-1"), value)

	// no jar owns the next bucket yet
	_, err = s.Reader(coldfile.SegmentTransactions, coldfile.BlocksPerColdFile)
	assert.ErrorIs(t, err, ErrNoColdFile)
}

func TestStoreOpenRejectsMalformedName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "static_file_bogus_0_9"+jarfs.ConfigExt)
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))

	_, err := Open(dir)
	assert.ErrorIs(t, err, coldfile.ErrUnknownSegment)
}

// TestStoreOpenSkipsCrashedCreate covers a crash between creating the jar's
// data files and the first config flush: without a config file the bucket
// never became durable, so the scan must not surface it.
func TestStoreOpenSkipsCrashedCreate(t *testing.T) {
	dir := t.TempDir()
	base := coldfile.FilenameWithConfig(coldfile.SegmentTransactions, coldfile.FindFixedRange(0), plainConfig())
	require.NoError(t, os.WriteFile(filepath.Join(dir, base), []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, base+".off"), []byte{8}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0644))

	s := openTestStore(t, dir, WithSegmentConfig(plainConfig()))
	_, ok := s.Highest().Highest(coldfile.SegmentTransactions)
	assert.False(t, ok)

	// a fresh writer takes the bucket over from scratch
	w, err := s.Writer(context.Background(), coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	_, err = w.IncrementBlock(0)
	require.NoError(t, err)
	require.NoError(t, w.AppendTransaction(0, []byte("tx-0")))
	require.NoError(t, w.Commit())

	r, err := s.Reader(coldfile.SegmentTransactions, 0)
	require.NoError(t, err)
	value, err := r.RowAt(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("tx-0"), value)
}

func TestStoreNonDefaultConfigNaming(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := plainConfig()

	s := openTestStore(t, dir, WithSegmentConfig(cfg))
	w, err := s.Writer(ctx, coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	appendHeaders(t, w, 0, 1)
	require.NoError(t, w.Commit())
	require.NoError(t, s.Close())

	// non-default builds carry their configuration tokens in the name
	name := coldfile.FilenameWithConfig(coldfile.SegmentHeaders, coldfile.FindFixedRange(0), cfg)
	_, err = os.Stat(filepath.Join(dir, name+jarfs.ConfigExt))
	require.NoError(t, err)

	// the scan parses the tokens away and still finds the bucket
	reopened := openTestStore(t, dir, WithSegmentConfig(cfg))
	end, ok := reopened.Highest().Highest(coldfile.SegmentHeaders)
	require.True(t, ok)
	assert.Equal(t, uint64(0), end)

	r, err := reopened.Reader(coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	value, err := r.RowAt(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("hash-0"), value)
}

func TestStoreDefaultConfigPlainName(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// the default configuration enables filters, which appenders carry in
	// the config without materializing artifacts
	s := openTestStore(t, dir)
	w, err := s.Writer(ctx, coldfile.SegmentHeaders, 0)
	require.NoError(t, err)
	appendHeaders(t, w, 0, 2)
	require.NoError(t, w.Commit())

	name := coldfile.Filename(coldfile.SegmentHeaders, coldfile.FindFixedRange(0))
	_, err = os.Stat(filepath.Join(dir, name+jarfs.ConfigExt))
	assert.NoError(t, err)

	r, err := s.Reader(coldfile.SegmentHeaders, 1)
	require.NoError(t, err)
	value, err := r.RowAt(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("header-1"), value)
	_, err = r.MayContain([]byte("hash-1"))
	assert.ErrorIs(t, err, jarfs.ErrNoFilters)
}

func TestStoreClosed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Writer(context.Background(), coldfile.SegmentHeaders, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Reader(coldfile.SegmentHeaders, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
