package pagestore

import "fmt"

// fsoMin is the smallest legal FSO: the 2-byte header itself.
const fsoMin = 2

// InitNormalPage resets a page buffer to an empty normal page: FSO set to
// fsoMin, payload zeroed. Used when a page is first allocated.
func InitNormalPage(p *Page) {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.setFSOOffset(fsoMin)
}

// FSO returns the current Free-Space-Offset: the first unused byte in
// the page, per spec.md §3. Always in [2, PageSize].
func FSO(p *Page) int {
	return int(p.fsoOffset())
}

// FreeSpace returns the number of bytes still available for new records.
func FreeSpace(p *Page) int {
	return PageSize - FSO(p)
}

// Insert appends data at the page's current FSO, advances FSO past it,
// marks the page dirty, and returns the write offset. The caller must
// hold p's lock and must have already verified FreeSpace(p) >= len(data).
func Insert(p *Page, data []byte) (int, error) {
	fso := FSO(p)
	if fso+len(data) > PageSize {
		return 0, fmt.Errorf("pagestore: page %d full: need %d bytes, have %d", p.No(), len(data), FreeSpace(p))
	}
	copy(p.buf[fso:], data)
	p.setFSOOffset(uint16(fso + len(data)))
	p.dirty = true
	return fso, nil
}

// RedoInsert writes data at a fixed offset and grows FSO if the insert
// extends past the page's current high-water mark. Used by the data-item
// manager's Insert to write a new frame at the FSO it read, and by
// recovery (spec.md §4.10) to replay a committed insert whose page image
// may predate the insert.
func RedoInsert(p *Page, data []byte, offset int) {
	copy(p.buf[offset:], data)
	end := offset + len(data)
	if end > FSO(p) {
		p.setFSOOffset(uint16(end))
	}
	p.dirty = true
}

// RedoUpdate writes data at a fixed offset in place, without touching
// FSO: updates never extend the used region beyond its previous
// high-water mark. Used both by the in-place update path (via the
// data-item manager) and by recovery's redo/undo passes.
func RedoUpdate(p *Page, data []byte, offset int) {
	copy(p.buf[offset:offset+len(data)], data)
	p.dirty = true
}
