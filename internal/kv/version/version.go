// Package version implements the MVCC version manager: the component
// clients actually address. It begins transactions through
// internal/kv/xidstore, reads and writes records through
// internal/kv/dataitem, arbitrates write-write conflicts through
// internal/kv/locktable, and decides visibility from each record's
// xmin/xmax pair plus the reader's isolation level and snapshot.
//
// xmin/xmax live inside the record's own payload bytes, addressed by
// physical uid, rather than in a side-table of version structs.
package version

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/locktable"
	"github.com/shadowdb/shadowkv/internal/kv/wal"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// mvccHeaderSize is the [xmin:8][xmax:8] prefix every record payload
// carries ahead of the caller's own bytes.
const mvccHeaderSize = 16

// IsolationLevel selects which of the two visibility formulas of spec.md
// §4.9 governs a transaction's reads.
type IsolationLevel uint8

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
)

// Transaction is the in-memory state of one open transaction, per
// spec.md §3's "Transaction object".
type Transaction struct {
	XID         xidstore.XID
	Isolation   IsolationLevel
	Snapshot    map[xidstore.XID]bool // active xids at begin; empty for ReadCommitted
	Err         error
	AutoAborted bool

	// terminated is set once Commit or Abort has fully run (including the
	// lock release/status-store write), rejecting a second explicit
	// Commit/Abort call with ErrTxNotActive. autoAbort does NOT set this:
	// spec.md §7 requires the caller's subsequent explicit Abort to still
	// run (it only skips the redundant lock-table release).
	terminated bool
}

// failed reports whether the transaction already carries a terminal
// error and must be aborted by the caller.
func (tx *Transaction) failed() bool { return tx.Err != nil }

// Manager is the version manager (C9).
type Manager struct {
	mu sync.Mutex // guards active

	xids  *xidstore.Store
	items *dataitem.Manager
	locks *locktable.Table
	wal   *wal.Log

	active map[xidstore.XID]*Transaction

	log zerolog.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager builds a version manager over already-open lower layers.
func NewManager(xids *xidstore.Store, items *dataitem.Manager, locks *locktable.Table, w *wal.Log, opts ...Option) *Manager {
	m := &Manager{
		xids:   xids,
		items:  items,
		locks:  locks,
		wal:    w,
		active: make(map[xidstore.XID]*Transaction),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a new transaction at the given isolation level, obtaining
// a fresh xid from the status store and (for RepeatableRead) snapshotting
// the set of xids active right now.
func (m *Manager) Begin(level IsolationLevel) (*Transaction, error) {
	xid, err := m.xids.Begin()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	snap := make(map[xidstore.XID]bool)
	if level == RepeatableRead {
		for x := range m.active {
			snap[x] = true
		}
	}
	tx := &Transaction{XID: xid, Isolation: level, Snapshot: snap}
	m.active[xid] = tx
	m.mu.Unlock()

	m.log.Debug().Uint64("xid", uint64(xid)).Msg("version: begin")
	return tx, nil
}

// Commit finalizes tx: marks it COMMITTED in the status store and
// releases every lock it holds.
func (m *Manager) Commit(tx *Transaction) error {
	if tx.terminated {
		return fmt.Errorf("version: commit xid %d: %w", tx.XID, shadowerr.ErrTxNotActive)
	}
	if tx.failed() {
		return fmt.Errorf("version: commit xid %d: %w", tx.XID, shadowerr.ErrTxHasError)
	}
	if err := m.xids.Commit(tx.XID); err != nil {
		return err
	}
	m.locks.Release(tx.XID)
	m.forget(tx.XID)
	tx.terminated = true
	m.log.Debug().Uint64("xid", uint64(tx.XID)).Msg("version: commit")
	return nil
}

// Abort finalizes tx: marks it ABORTED and releases its locks, unless it
// was already auto-aborted (whose internal abort already released them).
func (m *Manager) Abort(tx *Transaction) error {
	if tx.terminated {
		return fmt.Errorf("version: abort xid %d: %w", tx.XID, shadowerr.ErrTxNotActive)
	}
	if err := m.xids.Abort(tx.XID); err != nil {
		return err
	}
	if !tx.AutoAborted {
		m.locks.Release(tx.XID)
	}
	m.forget(tx.XID)
	tx.terminated = true
	m.log.Debug().Uint64("xid", uint64(tx.XID)).Msg("version: abort")
	return nil
}

// ActiveCount reports the number of currently open transactions, for
// inspection/stats tooling (internal/kv/engine.Stats).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) forget(xid xidstore.XID) {
	m.mu.Lock()
	delete(m.active, xid)
	m.mu.Unlock()
}

// autoAbort marks tx failed with cause, releases its locks, and records
// the status-store abort, without removing it from the active set: the
// caller's subsequent explicit Abort call still needs to find it (and
// will skip the redundant lock release via AutoAborted).
func (m *Manager) autoAbort(tx *Transaction, cause error) error {
	tx.Err = cause
	tx.AutoAborted = true
	m.locks.Release(tx.XID)
	return m.xids.Abort(tx.XID)
}

func (m *Manager) committed(xid xidstore.XID) (bool, error) {
	st, err := m.xids.Status(xid)
	if err != nil {
		return false, err
	}
	return st == xidstore.Committed, nil
}

func decodePayload(raw []byte) (xmin, xmax xidstore.XID, user []byte) {
	xmin = xidstore.XID(binary.BigEndian.Uint64(raw[0:8]))
	xmax = xidstore.XID(binary.BigEndian.Uint64(raw[8:16]))
	user = raw[mvccHeaderSize:]
	return
}

func encodePayload(xmin, xmax xidstore.XID, user []byte) []byte {
	buf := make([]byte, mvccHeaderSize+len(user))
	binary.BigEndian.PutUint64(buf[0:8], uint64(xmin))
	binary.BigEndian.PutUint64(buf[8:16], uint64(xmax))
	copy(buf[mvccHeaderSize:], user)
	return buf
}

// visible implements spec.md §4.9's two visibility formulas.
func (m *Manager) visible(tx *Transaction, xmin, xmax xidstore.XID) (bool, error) {
	xminCommitted, err := m.committed(xmin)
	if err != nil {
		return false, err
	}

	if tx.Isolation == ReadCommitted {
		if xmin == tx.XID && xmax == 0 {
			return true, nil
		}
		if !xminCommitted {
			return false, nil
		}
		if xmax == 0 {
			return true, nil
		}
		if xmax == tx.XID {
			return false, nil
		}
		xmaxCommitted, err := m.committed(xmax)
		if err != nil {
			return false, err
		}
		return !xmaxCommitted, nil
	}

	// RepeatableRead.
	if xmin == tx.XID && xmax == 0 {
		return true, nil
	}
	if !xminCommitted || xmin >= tx.XID || tx.Snapshot[xmin] {
		return false, nil
	}
	if xmax == 0 {
		return true, nil
	}
	if xmax == tx.XID {
		return false, nil
	}
	xmaxCommitted, err := m.committed(xmax)
	if err != nil {
		return false, err
	}
	if !xmaxCommitted || xmax > tx.XID || tx.Snapshot[xmax] {
		return true, nil
	}
	return false, nil
}

// Read fetches uid's user payload as visible to tx, or (nil, false) if
// the record is absent or invisible.
func (m *Manager) Read(tx *Transaction, uid dataitem.UID) ([]byte, bool, error) {
	if tx.failed() {
		return nil, false, fmt.Errorf("version: read xid %d: %w", tx.XID, shadowerr.ErrTxHasError)
	}

	item, err := m.items.Read(uid)
	if err != nil {
		if err == shadowerr.ErrNullEntry {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer m.items.Release(item)

	xmin, xmax, user := decodePayload(item.Payload())
	ok, err := m.visible(tx, xmin, xmax)
	if err != nil || !ok {
		return nil, false, err
	}
	return append([]byte(nil), user...), true, nil
}

// Insert stores data as a brand-new record owned by tx, returning its
// uid.
func (m *Manager) Insert(tx *Transaction, data []byte) (dataitem.UID, error) {
	if tx.failed() {
		return 0, fmt.Errorf("version: insert xid %d: %w", tx.XID, shadowerr.ErrTxHasError)
	}
	payload := encodePayload(tx.XID, 0, data)
	return m.items.Insert(tx.XID, payload)
}

// Delete marks uid deleted by tx (sets xmax), returning whether a
// visible record existed to delete. Readers racing a concurrent delete
// of the same uid, or a RepeatableRead transaction that would skip over
// a version it cannot see, surface as ErrConcurrentUpdate with tx
// auto-aborted.
func (m *Manager) Delete(ctx context.Context, tx *Transaction, uid dataitem.UID) (bool, error) {
	if tx.failed() {
		return false, fmt.Errorf("version: delete xid %d: %w", tx.XID, shadowerr.ErrTxHasError)
	}

	item, err := m.items.Read(uid)
	if err != nil {
		if err == shadowerr.ErrNullEntry {
			return false, nil
		}
		return false, err
	}

	xmin, xmax, _ := decodePayload(item.Payload())
	ok, err := m.visible(tx, xmin, xmax)
	if err != nil {
		m.items.Release(item)
		return false, err
	}
	if !ok {
		m.items.Release(item)
		return false, nil
	}
	m.items.Release(item)

	if err := m.locks.Acquire(ctx, tx.XID, uid); err != nil {
		return false, err
	}

	// Re-acquire and re-check: the record may have changed while we waited
	// for the lock.
	item, err = m.items.Read(uid)
	if err != nil {
		if err == shadowerr.ErrNullEntry {
			return false, nil
		}
		return false, err
	}
	defer m.items.Release(item)

	xmin, xmax, user := decodePayload(item.Payload())

	conflict, err := m.deleteConflict(tx, xmax)
	if err != nil {
		return false, err
	}
	if conflict {
		if abortErr := m.autoAbort(tx, shadowerr.ErrConcurrentUpdate); abortErr != nil {
			return false, abortErr
		}
		return false, fmt.Errorf("version: delete uid %d by xid %d: %w", uid, tx.XID, shadowerr.ErrConcurrentUpdate)
	}

	item.Before()
	newPayload := encodePayload(xmin, tx.XID, user)
	if err := item.After(m.wal, tx.XID, newPayload, false); err != nil {
		return false, err
	}
	return true, nil
}

// deleteConflict implements the post-wake "concurrent update" check of
// spec.md §4.9: having just acquired the lock, a foreign xmax is only a
// real conflict if that deleter actually committed. A foreign xmax left
// by a transaction that aborted (explicit abort does not physically
// revert xmax — only unBefore and crash recovery's undo pass do that) is
// not a conflict: the record is still ours to delete, since visibility
// already treats an uncommitted xmax as "not deleted". The
// RepeatableRead-specific version-skip case (a committed delete newer
// than or within our snapshot) is subsumed here too — it is still a
// committed foreign xmax, so it still reports a conflict.
func (m *Manager) deleteConflict(tx *Transaction, xmax xidstore.XID) (bool, error) {
	if xmax == 0 || xmax == tx.XID {
		return false, nil
	}
	return m.committed(xmax)
}
