package xidstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

func TestBeginStartsActiveAndTransitionsAreOneWay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xid")
	s, err := xidstore.Open(path)
	require.NoError(t, err)
	defer s.Close()

	xid, err := s.Begin()
	require.NoError(t, err)

	st, err := s.Status(xid)
	require.NoError(t, err)
	require.Equal(t, xidstore.Active, st)

	require.NoError(t, s.Commit(xid))
	st, err = s.Status(xid)
	require.NoError(t, err)
	require.Equal(t, xidstore.Committed, st)

	// A terminal state does not change.
	require.ErrorIs(t, s.Abort(xid), shadowerr.ErrTxNotActive)
	st, err = s.Status(xid)
	require.NoError(t, err)
	require.Equal(t, xidstore.Committed, st)
}

func TestSuperXIDAlwaysCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xid")
	s, err := xidstore.Open(path)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Status(xidstore.SuperXID)
	require.NoError(t, err)
	require.Equal(t, xidstore.Committed, st)
}

func TestReopenPreservesCounterAndStatuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xid")
	s, err := xidstore.Open(path)
	require.NoError(t, err)

	xid1, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Commit(xid1))

	xid2, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := xidstore.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, xid2, s2.Counter())
	st, err := s2.Status(xid1)
	require.NoError(t, err)
	require.Equal(t, xidstore.Committed, st)
	st, err = s2.Status(xid2)
	require.NoError(t, err)
	require.Equal(t, xidstore.Active, st)
}

func TestBadXIDFileLengthMismatchRejectsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xid")
	s, err := xidstore.Open(path)
	require.NoError(t, err)
	_, err = s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8))
	require.NoError(t, f.Close())

	_, err = xidstore.Open(path)
	require.ErrorIs(t, err, shadowerr.ErrBadXIDFile)
}
