package pagestore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

func TestMemTooSmallRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	_, err := pagestore.Open(path, pagestore.MinCacheSize-1)
	require.ErrorIs(t, err, shadowerr.ErrMemTooSmall)
}

func TestNewPageThenReadBackReturnsInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := pagestore.Open(path, pagestore.MinCacheSize)
	require.NoError(t, err)
	defer s.Close()

	init := make([]byte, pagestore.PageSize)
	copy(init, []byte("hello page"))

	pgno, err := s.NewPage(init)
	require.NoError(t, err)

	p, err := s.Acquire(pgno)
	require.NoError(t, err)
	defer s.Release(pgno)
	require.Equal(t, init, p.Bytes())
}

func TestInsertAdvancesFSOAndReportsFreeSpace(t *testing.T) {
	p := &pagestore.Page{}
	pagestore.InitNormalPage(p)
	require.Equal(t, pagestore.PageSize-2, pagestore.FreeSpace(p))

	off, err := pagestore.Insert(p, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 2, off)
	require.Equal(t, 5, pagestore.FSO(p))
	require.Equal(t, pagestore.PageSize-5, pagestore.FreeSpace(p))
}

func TestInsertFailsWhenPageFull(t *testing.T) {
	p := &pagestore.Page{}
	pagestore.InitNormalPage(p)
	_, err := pagestore.Insert(p, make([]byte, pagestore.PageSize))
	require.Error(t, err)
}

func TestFreeSpaceIndexSelectReturnsPageWithEnoughRoom(t *testing.T) {
	idx := pagestore.NewFreeSpaceIndex()
	idx.Add(1, 10)
	idx.Add(2, 500)
	idx.Add(3, 5000)

	pgno, ok := idx.Select(400)
	require.True(t, ok)
	require.True(t, pgno == 2 || pgno == 3)
}

func TestFreeSpaceIndexSelectFailsWhenNoneFit(t *testing.T) {
	idx := pagestore.NewFreeSpaceIndex()
	idx.Add(1, 10)
	_, ok := idx.Select(pagestore.PageSize)
	require.False(t, ok)
}

func TestFreeSpaceIndexSelectIsOneShot(t *testing.T) {
	idx := pagestore.NewFreeSpaceIndex()
	idx.Add(1, 5000)
	pgno, ok := idx.Select(400)
	require.True(t, ok)
	require.Equal(t, pagestore.PageID(1), pgno)

	_, ok = idx.Select(400)
	require.False(t, ok)
}

func TestAcquireReleaseRoundTripsAndFlushesOnEvict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := pagestore.Open(path, pagestore.MinCacheSize)
	require.NoError(t, err)
	defer s.Close()

	pgno, err := s.NewPage(make([]byte, pagestore.PageSize))
	require.NoError(t, err)

	p, err := s.Acquire(pgno)
	require.NoError(t, err)
	p.Lock()
	pagestore.InitNormalPage(p)
	_, err = pagestore.Insert(p, []byte("payload"))
	require.NoError(t, err)
	p.Unlock()
	s.Release(pgno)

	raw, err := s.ReadPageRaw(pgno)
	require.NoError(t, err)
	require.Equal(t, byte('p'), raw[2])
}
