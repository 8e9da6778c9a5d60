// Package pagestore implements the fixed-size page file, the append-only
// normal-page layout, and the free-space index.
//
// A .db file holds fixed 8192-byte pages, each carrying a 2-byte
// Free-Space-Offset header, cached through a ref-counted, single-loader
// admission cache (internal/kv/cache). Pages are untyped byte arrays
// with one convention — FSO at bytes 0..1 — rather than a typed page
// hierarchy; the data-item manager (internal/kv/dataitem) is the only
// caller that interprets page contents beyond that, so pagestore's job
// stops at "read me this page, write me that page, tell me how much is
// free."
package pagestore

import (
	"encoding/binary"
	"sync"
)

// PageSize is the fixed size of every page, per spec.md §3.
const PageSize = 8192

// PageID is a 1-based page number. 0 is never a valid page.
type PageID uint64

// Page is one in-memory cached page: a mutable byte buffer guarded by its
// own mutex for exclusive-section access, plus a dirty flag consulted by
// the cache's evictor.
type Page struct {
	mu    sync.Mutex
	no    PageID
	buf   [PageSize]byte
	dirty bool
}

// No returns the page's 1-based page number.
func (p *Page) No() PageID { return p.no }

// AttachRaw wraps an already-read raw page buffer (e.g. from
// Store.ReadPageRaw) in a standalone *Page, for callers that must apply
// normal-page mutations (RedoInsert, RedoUpdate) without going through
// the cache. Used only by internal/kv/recovery, which runs before the
// cache is serving any other caller.
func AttachRaw(pgno PageID, buf []byte) *Page {
	p := &Page{no: pgno}
	copy(p.buf[:], buf)
	return p
}

// Lock acquires the page's exclusive-section mutex. Callers use this for
// multi-step read/modify/write sequences (insert, the before/after
// mutation protocol); a single field read does not need it.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases the page's mutex.
func (p *Page) Unlock() { p.mu.Unlock() }

// Bytes returns the raw page buffer. Callers holding the page's lock may
// read or write through the returned slice; the slice aliases the page's
// storage.
func (p *Page) Bytes() []byte { return p.buf[:] }

// MarkDirty flags the page as needing a flush before eviction.
func (p *Page) MarkDirty() { p.dirty = true }

// Dirty reports whether the page has unflushed modifications.
func (p *Page) Dirty() bool { return p.dirty }

// fsoOffset returns the Free-Space-Offset value stored at bytes 0..1 of
// the page, big-endian per SPEC_FULL.md's endianness decision.
func (p *Page) fsoOffset() uint16 {
	return binary.BigEndian.Uint16(p.buf[0:2])
}

func (p *Page) setFSOOffset(v uint16) {
	binary.BigEndian.PutUint16(p.buf[0:2], v)
}
