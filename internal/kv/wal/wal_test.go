package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/internal/kv/wal"
)

func TestAppendIterateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := wal.Open(path)
	require.NoError(t, err)
	defer l.Close()

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, d := range want {
		_, err := l.Append(d)
		require.NoError(t, err)
	}

	var got [][]byte
	require.NoError(t, l.Iterate(func(data []byte) error {
		got = append(got, append([]byte(nil), data...))
		return nil
	}))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("iterated frames differ from appended frames (-want +got):\n%s", diff)
	}
}

func TestIterateOnEmptyLogYieldsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := wal.Open(path)
	require.NoError(t, err)
	defer l.Close()

	var got [][]byte
	require.NoError(t, l.Iterate(func(data []byte) error {
		got = append(got, data)
		return nil
	}))
	require.Empty(t, got)
}

func TestReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := wal.Open(path)
	require.NoError(t, err)
	_, err = l.Append([]byte("alpha"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := wal.Open(path)
	require.NoError(t, err)
	defer l2.Close()

	_, err = l2.Append([]byte("beta"))
	require.NoError(t, err)

	var got [][]byte
	require.NoError(t, l2.Iterate(func(data []byte) error {
		got = append(got, append([]byte(nil), data...))
		return nil
	}))
	if diff := cmp.Diff([][]byte{[]byte("alpha"), []byte("beta")}, got); diff != "" {
		t.Fatalf("frames across reopen differ (-want +got):\n%s", diff)
	}
}

func TestRepairTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := wal.Open(path)
	require.NoError(t, err)
	_, err = l.Append([]byte("good"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	goodLen := info.Size()

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 100, 1, 2, 3, 4, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := wal.Open(path)
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l2.Repair())

	info2, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, goodLen, info2.Size())

	var got [][]byte
	require.NoError(t, l2.Iterate(func(data []byte) error {
		got = append(got, data)
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("good")}, got)
}

func TestResetTruncatesToHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := wal.Open(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Reset())

	var got [][]byte
	require.NoError(t, l.Iterate(func(data []byte) error {
		got = append(got, data)
		return nil
	}))
	require.Empty(t, got)

	_, err = l.Append([]byte("y"))
	require.NoError(t, err)
	got = nil
	require.NoError(t, l.Iterate(func(data []byte) error {
		got = append(got, data)
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("y")}, got)
}
