package locktable_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/locktable"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

func TestAcquireUncontendedSucceedsImmediately(t *testing.T) {
	tbl := locktable.New()
	uid := dataitem.NewUID(1, 0)
	require.NoError(t, tbl.Acquire(context.Background(), 1, uid))
}

func TestReacquireBySameXIDIsIdempotent(t *testing.T) {
	tbl := locktable.New()
	uid := dataitem.NewUID(1, 0)
	require.NoError(t, tbl.Acquire(context.Background(), 1, uid))
	require.NoError(t, tbl.Acquire(context.Background(), 1, uid))
}

func TestReleaseWakesNextWaiterFIFO(t *testing.T) {
	tbl := locktable.New()
	uid := dataitem.NewUID(1, 0)
	require.NoError(t, tbl.Acquire(context.Background(), 1, uid))

	done := make(chan xidstore.XID, 2)
	go func() {
		require.NoError(t, tbl.Acquire(context.Background(), 2, uid))
		done <- 2
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		require.NoError(t, tbl.Acquire(context.Background(), 3, uid))
		done <- 3
	}()
	time.Sleep(20 * time.Millisecond)

	tbl.Release(1)
	first := <-done
	require.Equal(t, xidstore.XID(2), first)

	tbl.Release(2)
	second := <-done
	require.Equal(t, xidstore.XID(3), second)
}

func TestTwoCycleDeadlockIsDetected(t *testing.T) {
	tbl := locktable.New()
	uidA := dataitem.NewUID(1, 0)
	uidB := dataitem.NewUID(2, 0)

	require.NoError(t, tbl.Acquire(context.Background(), 1, uidA))
	require.NoError(t, tbl.Acquire(context.Background(), 2, uidB))

	errCh := make(chan error, 1)
	go func() {
		errCh <- tbl.Acquire(context.Background(), 1, uidB)
	}()
	time.Sleep(20 * time.Millisecond)

	err := tbl.Acquire(context.Background(), 2, uidA)
	require.ErrorIs(t, err, shadowerr.ErrDeadlock)

	// xid 2 lost the deadlock and gives up its locks, which hands uidB to
	// the still-waiting xid 1.
	tbl.Release(2)
	require.NoError(t, <-errCh)
	tbl.Release(1)
}

func TestAcquireCanceledByContext(t *testing.T) {
	tbl := locktable.New()
	uid := dataitem.NewUID(1, 0)
	require.NoError(t, tbl.Acquire(context.Background(), 1, uid))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tbl.Acquire(ctx, 2, uid)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
