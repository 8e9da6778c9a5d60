package dataitem

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/kv/cache"
	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/wal"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// frameHeaderSize is the [valid:1][size:2] prefix of every record frame.
const frameHeaderSize = 3

// ValidLive and ValidDeleted are the two states of a frame's valid byte.
// This is a purely physical/logical-existence marker, independent of the
// xmin/xmax visibility bytes the version manager (internal/kv/version)
// keeps inside the payload itself. ValidDeleted is written by recovery's
// undo-of-insert, via RedoUpdate([]byte{ValidDeleted}, ...) at the frame's
// offset, and by Item.After when called with deleted=true.
const (
	ValidLive    byte = 0
	ValidDeleted byte = 1
)

// buildFrame assembles a [valid][size][payload] record.
func buildFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = ValidLive
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	return frame
}

// Item is a live handle on one record slot inside a resident page. The
// Before/After/UnBefore protocol pairs every durable mutation with a
// write-ahead log entry before the page bytes themselves change, per
// spec.md §4.7's invariant and §5's "log before page" rule.
type Item struct {
	uid  UID
	page *pagestore.Page
	off  int

	oldRaw []byte // snapshot taken by Before, consumed by After/UnBefore
}

// UID returns the item's identifier.
func (it *Item) UID() UID { return it.uid }

func (it *Item) frameLen() int {
	size := binary.BigEndian.Uint16(it.page.Bytes()[it.off+1 : it.off+3])
	return frameHeaderSize + int(size)
}

// Valid reports whether the item is live (not logically deleted).
func (it *Item) Valid() bool {
	return it.page.Bytes()[it.off] == ValidLive
}

// Payload returns the item's current payload bytes. The slice aliases the
// page buffer; callers must not retain it across a Before/After/UnBefore
// cycle.
func (it *Item) Payload() []byte {
	buf := it.page.Bytes()
	size := binary.BigEndian.Uint16(buf[it.off+1 : it.off+3])
	return buf[it.off+3 : it.off+3+int(size)]
}

// Before locks the item's page and snapshots its current raw frame bytes,
// ahead of an in-place mutation. Must be paired with exactly one of After
// or UnBefore.
func (it *Item) Before() {
	it.page.Lock()
	n := it.frameLen()
	it.oldRaw = append([]byte(nil), it.page.Bytes()[it.off:it.off+n]...)
}

// After writes a replacement frame over the snapshotted region, logs an
// Update entry recording the old and new bytes, marks the page dirty, and
// unlocks it. newPayload must fit within the frame reserved by Before
// (spec.md's Non-goals exclude record relocation/growth); the caller is
// responsible for sizing newPayload no larger than the original payload.
func (it *Item) After(w *wal.Log, xid xidstore.XID, newPayload []byte, deleted bool) error {
	newFrame := make([]byte, len(it.oldRaw))
	if deleted {
		newFrame[0] = ValidDeleted
		copy(newFrame[1:3], it.oldRaw[1:3])
		copy(newFrame[3:], it.oldRaw[3:])
	} else {
		newFrame[0] = ValidLive
		binary.BigEndian.PutUint16(newFrame[1:3], uint16(len(newPayload)))
		copy(newFrame[3:], newPayload)
	}

	entry := EncodeUpdate(xid, it.uid, it.oldRaw, newFrame)
	if _, err := w.Append(entry); err != nil {
		it.page.Unlock()
		return err
	}

	pagestore.RedoUpdate(it.page, newFrame, it.off)
	it.oldRaw = nil
	it.page.Unlock()
	return nil
}

// UnBefore restores the snapshot taken by Before and unlocks the page,
// without writing a log entry. Used to back out of a mutation that failed
// before it was logged.
func (it *Item) UnBefore() {
	copy(it.page.Bytes()[it.off:it.off+len(it.oldRaw)], it.oldRaw)
	it.oldRaw = nil
	it.page.Unlock()
}

// Manager turns a page store, free-space index, and log into a
// uid-addressed record store with a before/after mutation protocol.
type Manager struct {
	pages *pagestore.Store
	fsi   *pagestore.FreeSpaceIndex
	wal   *wal.Log

	items *cache.RefCache[UID, *Item]

	allocMu sync.Mutex // serializes free-space-select-or-new-page decisions

	log zerolog.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager builds a data-item manager over an already-open page store
// and log. maxCachedItems bounds the item cache the same way pagestore's
// cache is bounded.
func NewManager(pages *pagestore.Store, fsi *pagestore.FreeSpaceIndex, w *wal.Log, maxCachedItems int, opts ...Option) *Manager {
	m := &Manager{pages: pages, fsi: fsi, wal: w, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	m.items = cache.New(maxCachedItems, m.load, m.evict, cache.WithLogger[UID, *Item](m.log))
	return m
}

func (m *Manager) load(uid UID) (*Item, error) {
	page, err := m.pages.Acquire(uid.Page())
	if err != nil {
		return nil, err
	}
	return &Item{uid: uid, page: page, off: uid.Offset()}, nil
}

func (m *Manager) evict(_ UID, it *Item) {
	m.pages.Release(it.page.No())
}

// Read returns a handle on the record at uid. The caller must call
// Release when done. ErrNullEntry is returned if the slot has been
// logically deleted (e.g. by recovery's undo of an uncommitted insert).
func (m *Manager) Read(uid UID) (*Item, error) {
	it, err := m.items.Acquire(uid)
	if err != nil {
		return nil, err
	}
	if !it.Valid() {
		m.items.Release(uid)
		return nil, shadowerr.ErrNullEntry
	}
	return it, nil
}

// Release gives back an item handle acquired via Read.
func (m *Manager) Release(it *Item) {
	m.items.Release(it.uid)
}

// Insert logs and writes a brand-new record carrying payload, returning
// its uid. The Insert log entry is appended before the page bytes are
// written, per spec.md §5's ordering rule.
func (m *Manager) Insert(xid xidstore.XID, payload []byte) (UID, error) {
	frame := buildFrame(payload)

	// Serialize allocation decisions (free-space select-or-new-page) so two
	// concurrent inserts never race for the same slot.
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	pgno, ok := m.fsi.Select(len(frame))
	if !ok {
		newPgno, err := m.pages.NewPage(normalPageInit())
		if err != nil {
			return 0, err
		}
		pgno = newPgno
	}

	page, err := m.pages.Acquire(pgno)
	if err != nil {
		return 0, err
	}
	defer m.pages.Release(pgno)

	page.Lock()
	offset := pagestore.FSO(page)

	entry := EncodeInsert(xid, pgno, offset, frame)
	if _, err := m.wal.Append(entry); err != nil {
		page.Unlock()
		return 0, err
	}

	pagestore.RedoInsert(page, frame, offset)
	free := pagestore.FreeSpace(page)
	page.Unlock()

	m.fsi.Add(pgno, free)

	uid := NewUID(pgno, offset)
	m.log.Debug().Uint64("uid", uint64(uid)).Msg("dataitem: inserted")
	return uid, nil
}

// normalPageInit returns the zeroed, FSO-initialized buffer for a brand
// new normal page (spec.md §4.4).
func normalPageInit() []byte {
	p := &pagestore.Page{}
	pagestore.InitNormalPage(p)
	return append([]byte(nil), p.Bytes()...)
}
