// Package dataitem implements the data-item manager: variable-length
// record slots inside pages, with a before/after mutation protocol that
// pairs every durable byte change with a write-ahead log entry, and
// logical deletion via a valid byte rather than physical space
// reclamation.
//
// Read/insert/update operate on framed records ([valid][size][payload])
// addressed by uid = (pageNumber << 32) | offset. A uid already encodes
// the exact page and offset, so there is no slot-directory indirection;
// items are cached via internal/kv/cache the same way pages are, keyed
// by uid instead of PageID. Pairing every mutation with a log entry
// before the page bytes change is the core durability invariant of the
// whole engine.
package dataitem

import "github.com/shadowdb/shadowkv/internal/kv/pagestore"

// UID identifies a record: (pageNumber << 32) | offset.
type UID uint64

// NewUID packs a page number and in-page offset into a uid.
func NewUID(pgno pagestore.PageID, offset int) UID {
	return UID(uint64(pgno)<<32 | uint64(uint32(offset)))
}

// Page returns the page number encoded in the uid.
func (u UID) Page() pagestore.PageID {
	return pagestore.PageID(uint64(u) >> 32)
}

// Offset returns the in-page byte offset encoded in the uid.
func (u UID) Offset() int {
	return int(uint32(u))
}
