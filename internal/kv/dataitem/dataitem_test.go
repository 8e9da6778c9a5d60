package dataitem_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/wal"
)

func newManager(t *testing.T) *dataitem.Manager {
	t.Helper()
	dir := t.TempDir()
	pages, err := pagestore.Open(filepath.Join(dir, "t.db"), pagestore.MinCacheSize)
	require.NoError(t, err)
	t.Cleanup(func() { pages.Close() })

	l, err := wal.Open(filepath.Join(dir, "t.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fsi := pagestore.NewFreeSpaceIndex()
	return dataitem.NewManager(pages, fsi, l, pagestore.MinCacheSize*4)
}

func TestInsertThenReadRoundTrip(t *testing.T) {
	m := newManager(t)

	uid, err := m.Insert(1, []byte("hello"))
	require.NoError(t, err)

	item, err := m.Read(uid)
	require.NoError(t, err)
	defer m.Release(item)
	require.Equal(t, []byte("hello"), item.Payload())
	require.True(t, item.Valid())
}

func TestUIDPacksPageAndOffset(t *testing.T) {
	uid := dataitem.NewUID(7, 42)
	require.Equal(t, pagestore.PageID(7), uid.Page())
	require.Equal(t, 42, uid.Offset())
}

func TestLogEntryEncodeDecodeRoundTrip(t *testing.T) {
	insert := dataitem.EncodeInsert(3, 5, 100, []byte{0, 0, 3, 'a', 'b', 'c'})
	decoded, err := dataitem.DecodeEntry(insert)
	require.NoError(t, err)
	ie, ok := decoded.(*dataitem.InsertEntry)
	require.True(t, ok)
	wantInsert := &dataitem.InsertEntry{
		XID:    3,
		Page:   5,
		Offset: 100,
		Frame:  []byte{0, 0, 3, 'a', 'b', 'c'},
	}
	if diff := cmp.Diff(wantInsert, ie); diff != "" {
		t.Fatalf("decoded insert entry differs from encoded input (-want +got):\n%s", diff)
	}

	update := dataitem.EncodeUpdate(9, dataitem.NewUID(2, 10), []byte("old"), []byte("new"))
	decoded, err = dataitem.DecodeEntry(update)
	require.NoError(t, err)
	ue, ok := decoded.(*dataitem.UpdateEntry)
	require.True(t, ok)
	wantUpdate := &dataitem.UpdateEntry{
		XID: 9,
		UID: dataitem.NewUID(2, 10),
		Old: []byte("old"),
		New: []byte("new"),
	}
	if diff := cmp.Diff(wantUpdate, ue); diff != "" {
		t.Fatalf("decoded update entry differs from encoded input (-want +got):\n%s", diff)
	}
}

func TestBeforeAfterProtocolAppendsLogEntry(t *testing.T) {
	dir := t.TempDir()
	pages, err := pagestore.Open(filepath.Join(dir, "t.db"), pagestore.MinCacheSize)
	require.NoError(t, err)
	defer pages.Close()
	l, err := wal.Open(filepath.Join(dir, "t.wal"))
	require.NoError(t, err)
	defer l.Close()

	fsi := pagestore.NewFreeSpaceIndex()
	m := dataitem.NewManager(pages, fsi, l, pagestore.MinCacheSize*4)

	uid, err := m.Insert(1, []byte("v1"))
	require.NoError(t, err)

	item, err := m.Read(uid)
	require.NoError(t, err)
	item.Before()
	require.NoError(t, item.After(l, 1, []byte("v2"), false))
	m.Release(item)

	item2, err := m.Read(uid)
	require.NoError(t, err)
	defer m.Release(item2)
	require.Equal(t, []byte("v2"), item2.Payload())

	var entries [][]byte
	require.NoError(t, l.Iterate(func(data []byte) error {
		entries = append(entries, append([]byte(nil), data...))
		return nil
	}))
	require.Len(t, entries, 2) // one insert, one update
}
