// Package recovery implements startup recovery: a forward redo pass over
// committed transactions' log entries followed by a reverse undo pass
// over still-active transactions' entries, run once when the engine
// opens before it serves traffic. Entries are classified by xid status,
// replayed in log order, and applied directly to the on-disk pages,
// bypassing the page cache.
package recovery

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/wal"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
)

// Stats summarizes one recovery run, useful for logging and tests.
type Stats struct {
	Entries   int
	Committed int
	Active    int
	Redone    int
	Undone    int
}

// Run performs startup recovery against an already-open status store,
// page store, and log, applying effects directly through pagestore's raw
// (cache-bypassing) accessors since no higher-level manager is live yet.
func Run(xids *xidstore.Store, pages *pagestore.Store, w *wal.Log, log zerolog.Logger) (Stats, error) {
	var stats Stats

	if err := w.Repair(); err != nil {
		return stats, fmt.Errorf("recovery: log repair: %w", err)
	}

	committed := make(map[xidstore.XID]bool)
	active := make(map[xidstore.XID]bool)
	counter := xids.Counter()
	for x := xidstore.XID(1); x <= counter; x++ {
		st, err := xids.Status(x)
		if err != nil {
			return stats, fmt.Errorf("recovery: status xid=%d: %w", x, err)
		}
		switch st {
		case xidstore.Committed:
			committed[x] = true
		case xidstore.Active:
			active[x] = true
		}
	}
	stats.Committed = len(committed)
	stats.Active = len(active)

	var entries []interface{}
	perXid := make(map[xidstore.XID][]interface{})

	if err := w.Iterate(func(data []byte) error {
		entry, err := dataitem.DecodeEntry(data)
		if err != nil {
			// A malformed entry past the torn-tail boundary that Repair
			// already normalized indicates real corruption; surface it.
			return fmt.Errorf("recovery: decode log entry: %w", err)
		}
		entries = append(entries, entry)
		stats.Entries++

		xid := entryXID(entry)
		if active[xid] {
			perXid[xid] = append(perXid[xid], entry)
		}
		return nil
	}); err != nil {
		return stats, err
	}

	// Redo pass (forward): replay every entry belonging to a committed
	// transaction.
	var maxCommittedPage pagestore.PageID
	for _, e := range entries {
		xid := entryXID(e)
		if !committed[xid] {
			continue
		}
		pgno, err := applyRedo(pages, e)
		if err != nil {
			return stats, err
		}
		if pgno > maxCommittedPage {
			maxCommittedPage = pgno
		}
		stats.Redone++
	}

	// Undo pass (reverse): for each still-active transaction, replay its
	// entries in reverse order, restoring old bytes for updates and
	// logically deleting the records of uncommitted inserts.
	for xid, xidEntries := range perXid {
		for i := len(xidEntries) - 1; i >= 0; i-- {
			if err := applyUndo(pages, xidEntries[i]); err != nil {
				return stats, err
			}
			stats.Undone++
		}
		if err := xids.Abort(xid); err != nil {
			return stats, fmt.Errorf("recovery: abort xid=%d: %w", xid, err)
		}
		log.Info().Uint64("xid", uint64(xid)).Msg("recovery: rolled back active transaction")
	}

	if maxCommittedPage > 0 && maxCommittedPage < pages.PageCount() {
		// Pages allocated past the last committed reference were never
		// logged (see SPEC_FULL.md's "unlogged newPage tail" decision):
		// retain rather than truncate, since an allocation with no log
		// entry at all may simply belong to a transaction that crashed
		// before its first write, which the undo pass above cannot see.
		log.Debug().
			Uint64("maxCommittedPage", uint64(maxCommittedPage)).
			Uint64("pageCount", uint64(pages.PageCount())).
			Msg("recovery: pages allocated past last committed reference retained, not truncated")
	}

	log.Info().
		Int("entries", stats.Entries).
		Int("committed", stats.Committed).
		Int("active", stats.Active).
		Int("redone", stats.Redone).
		Int("undone", stats.Undone).
		Msg("recovery: complete")
	return stats, nil
}

func entryXID(e interface{}) xidstore.XID {
	switch v := e.(type) {
	case *dataitem.InsertEntry:
		return v.XID
	case *dataitem.UpdateEntry:
		return v.XID
	default:
		return 0
	}
}

// applyRedo re-applies a committed entry's effect to the page store,
// bypassing the page cache, and returns the page it touched.
func applyRedo(pages *pagestore.Store, e interface{}) (pagestore.PageID, error) {
	switch v := e.(type) {
	case *dataitem.InsertEntry:
		buf, err := pages.ReadPageRaw(v.Page)
		if err != nil {
			return 0, err
		}
		p := pagestore.AttachRaw(v.Page, buf)
		pagestore.RedoInsert(p, v.Frame, v.Offset)
		if err := pages.WritePageRaw(v.Page, p.Bytes()); err != nil {
			return 0, err
		}
		return v.Page, nil
	case *dataitem.UpdateEntry:
		pgno := v.UID.Page()
		buf, err := pages.ReadPageRaw(pgno)
		if err != nil {
			return 0, err
		}
		p := pagestore.AttachRaw(pgno, buf)
		pagestore.RedoUpdate(p, v.New, v.UID.Offset())
		if err := pages.WritePageRaw(pgno, p.Bytes()); err != nil {
			return 0, err
		}
		return pgno, nil
	default:
		return 0, fmt.Errorf("recovery: unknown log entry type %T", e)
	}
}

// applyUndo reverses a still-active entry's effect.
func applyUndo(pages *pagestore.Store, e interface{}) error {
	switch v := e.(type) {
	case *dataitem.InsertEntry:
		buf, err := pages.ReadPageRaw(v.Page)
		if err != nil {
			return err
		}
		p := pagestore.AttachRaw(v.Page, buf)
		pagestore.RedoUpdate(p, []byte{dataitem.ValidDeleted}, v.Offset)
		return pages.WritePageRaw(v.Page, p.Bytes())
	case *dataitem.UpdateEntry:
		pgno := v.UID.Page()
		buf, err := pages.ReadPageRaw(pgno)
		if err != nil {
			return err
		}
		p := pagestore.AttachRaw(pgno, buf)
		pagestore.RedoUpdate(p, v.Old, v.UID.Offset())
		return pages.WritePageRaw(pgno, p.Bytes())
	default:
		return fmt.Errorf("recovery: unknown log entry type %T", e)
	}
}
