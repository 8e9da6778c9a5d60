// Package locktable implements a per-resource grant/wait lock table over
// data-item uids, with deadlock detection via a depth-first search over
// the wait-for graph.
//
// Acquire(xid, uid) grants a lock immediately if uid is free or already
// held by xid. Otherwise it runs deadlock detection first: a request that
// would close a cycle fails at once with ErrDeadlock and never blocks.
// Any other request queues xid and blocks until granted or until its
// context is canceled. Release(xid) drops every lock xid holds and wakes
// the queues it was blocking.
//
// A single sync.Mutex guards every map together. Each waiter blocks on
// its own *sync.Cond backed by the table's mutex, woken individually by
// Release or by the cancellation of its own context.
package locktable

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// waiter is one pending lock request.
type waiter struct {
	xid   xidstore.XID
	ready *sync.Cond
	woken bool
	abort error
}

// Table is the lock table: exclusive-only locks over dataitem.UID. There
// are no shared/read locks — every read that can conflict with a writer
// is mediated by MVCC visibility instead.
type Table struct {
	mu sync.Mutex

	holders map[dataitem.UID]xidstore.XID
	waiters map[dataitem.UID][]*waiter // FIFO queue per resource
	holds   map[xidstore.XID]map[dataitem.UID]bool

	epoch uint64 // monotonically increasing, stamped on each detection pass

	log zerolog.Logger
}

// Option configures a Table at construction.
type Option func(*Table)

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) { t.log = l }
}

// New returns an empty lock table.
func New(opts ...Option) *Table {
	t := &Table{
		holders: make(map[dataitem.UID]xidstore.XID),
		waiters: make(map[dataitem.UID][]*waiter),
		holds:   make(map[xidstore.XID]map[dataitem.UID]bool),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Acquire blocks until xid holds the exclusive lock on uid or ctx is
// canceled. If queuing xid would close a cycle in the wait-for graph, it
// returns ErrDeadlock immediately instead of blocking.
func (t *Table) Acquire(ctx context.Context, xid xidstore.XID, uid dataitem.UID) error {
	t.mu.Lock()

	if holder, ok := t.holders[uid]; ok && holder == xid {
		t.mu.Unlock()
		return nil
	}
	if _, ok := t.holders[uid]; !ok {
		t.grantLocked(xid, uid)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{xid: xid, ready: sync.NewCond(&t.mu)}
	t.waiters[uid] = append(t.waiters[uid], w)

	if cycle := t.detectDeadlockLocked(xid); cycle {
		t.removeWaiterLocked(uid, w)
		t.log.Warn().Uint64("xid", uint64(xid)).Uint64("uid", uint64(uid)).Uint64("epoch", t.epoch).Msg("locktable: deadlock detected")
		t.mu.Unlock()
		return fmt.Errorf("locktable: xid %d on uid %d: %w", xid, uid, shadowerr.ErrDeadlock)
	}

	// sync.Cond has no native context support: a watcher goroutine signals
	// this waiter's own cond when ctx is done, so a cancellation wakes
	// exactly the waiter it belongs to rather than every waiter in the
	// table. The watcher also dequeues the waiter itself, atomically with
	// marking it aborted, under t.mu: otherwise a Release racing between
	// "mark aborted" and "dequeue" could pop this waiter as the next owner
	// and hand it a lock its own Acquire call is about to report as failed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if !w.woken {
				w.woken = true
				w.abort = ctx.Err()
				t.removeWaiterLocked(uid, w)
				w.ready.Signal()
			}
			t.mu.Unlock()
		case <-stop:
		}
	}()

	for !w.woken {
		w.ready.Wait()
	}
	err := w.abort
	t.mu.Unlock()
	return err
}

// grantLocked gives xid the lock on uid. Caller holds t.mu.
func (t *Table) grantLocked(xid xidstore.XID, uid dataitem.UID) {
	t.holders[uid] = xid
	if t.holds[xid] == nil {
		t.holds[xid] = make(map[dataitem.UID]bool)
	}
	t.holds[xid][uid] = true
}

func (t *Table) removeWaiterLocked(uid dataitem.UID, target *waiter) {
	ws := t.waiters[uid]
	for i, w := range ws {
		if w == target {
			t.waiters[uid] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Release drops every lock xid holds, granting each freed resource to the
// next waiter in FIFO order and waking it.
func (t *Table) Release(xid xidstore.XID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	held := t.holds[xid]
	delete(t.holds, xid)

	for uid := range held {
		delete(t.holders, uid)
		ws := t.waiters[uid]
		if len(ws) == 0 {
			continue
		}
		next := ws[0]
		t.waiters[uid] = ws[1:]
		t.grantLocked(next.xid, uid)
		next.woken = true
		next.ready.Signal()
	}

	t.log.Debug().Uint64("xid", uint64(xid)).Msg("locktable: released")
}

// detectDeadlockLocked runs a DFS from xid over the wait-for graph (xid
// waits for holder(uid) waits for holder(...)...) and reports whether xid
// participates in a cycle. It only classifies: on a detected cycle,
// dequeuing xid's newly queued waiter is left to the caller. Caller holds
// t.mu.
func (t *Table) detectDeadlockLocked(start xidstore.XID) bool {
	t.epoch++
	visited := make(map[xidstore.XID]bool)
	return t.dfs(start, start, visited)
}

// dfs walks from the transaction `cur` to every transaction it is
// (transitively) waiting for, looking for a path back to `start`.
func (t *Table) dfs(start, cur xidstore.XID, visited map[xidstore.XID]bool) bool {
	for uid, ws := range t.waiters {
		holder, held := t.holders[uid]
		if !held {
			continue
		}
		waitsOnHolder := false
		for _, w := range ws {
			if w.xid == cur {
				waitsOnHolder = true
				break
			}
		}
		if !waitsOnHolder {
			continue
		}
		if holder == start {
			return true
		}
		if visited[holder] {
			continue
		}
		visited[holder] = true
		if t.dfs(start, holder, visited) {
			return true
		}
	}
	return false
}
