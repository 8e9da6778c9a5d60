package dataitem

import (
	"encoding/binary"
	"fmt"

	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
)

// EntryKind tags a log-entry payload, per spec.md §4.10.
type EntryKind byte

const (
	KindInsert EntryKind = 0x00
	KindUpdate EntryKind = 0x01
)

// InsertEntry is the decoded form of an insert log-entry payload:
// [0x00][xid:8][pgno:4][offset:2][framedItem:N].
type InsertEntry struct {
	XID    xidstore.XID
	Page   pagestore.PageID
	Offset int
	Frame  []byte // the full [valid][size][payload] record bytes
}

// UpdateEntry is the decoded form of an update log-entry payload:
// [0x01][xid:8][uid:8][oldLen:4][old][newLen:4][new].
type UpdateEntry struct {
	XID xidstore.XID
	UID UID
	Old []byte
	New []byte
}

// EncodeInsert builds the log payload for an insert.
func EncodeInsert(xid xidstore.XID, pgno pagestore.PageID, offset int, frame []byte) []byte {
	buf := make([]byte, 1+8+4+2+len(frame))
	buf[0] = byte(KindInsert)
	binary.BigEndian.PutUint64(buf[1:9], uint64(xid))
	binary.BigEndian.PutUint32(buf[9:13], uint32(pgno))
	binary.BigEndian.PutUint16(buf[13:15], uint16(offset))
	copy(buf[15:], frame)
	return buf
}

// EncodeUpdate builds the log payload for an update.
func EncodeUpdate(xid xidstore.XID, uid UID, oldRaw, newRaw []byte) []byte {
	buf := make([]byte, 1+8+8+4+len(oldRaw)+4+len(newRaw))
	buf[0] = byte(KindUpdate)
	binary.BigEndian.PutUint64(buf[1:9], uint64(xid))
	binary.BigEndian.PutUint64(buf[9:17], uint64(uid))
	off := 17
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(oldRaw)))
	off += 4
	copy(buf[off:], oldRaw)
	off += len(oldRaw)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(newRaw)))
	off += 4
	copy(buf[off:], newRaw)
	return buf
}

// DecodeEntry parses a log payload, returning exactly one of *InsertEntry
// or *UpdateEntry.
func DecodeEntry(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("dataitem: empty log entry")
	}
	switch EntryKind(data[0]) {
	case KindInsert:
		if len(data) < 15 {
			return nil, fmt.Errorf("dataitem: truncated insert entry")
		}
		return &InsertEntry{
			XID:    xidstore.XID(binary.BigEndian.Uint64(data[1:9])),
			Page:   pagestore.PageID(binary.BigEndian.Uint32(data[9:13])),
			Offset: int(binary.BigEndian.Uint16(data[13:15])),
			Frame:  data[15:],
		}, nil
	case KindUpdate:
		if len(data) < 17+4 {
			return nil, fmt.Errorf("dataitem: truncated update entry")
		}
		xid := xidstore.XID(binary.BigEndian.Uint64(data[1:9]))
		uid := UID(binary.BigEndian.Uint64(data[9:17]))
		off := 17
		oldLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+oldLen+4 {
			return nil, fmt.Errorf("dataitem: truncated update entry (old)")
		}
		old := data[off : off+oldLen]
		off += oldLen
		newLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+newLen {
			return nil, fmt.Errorf("dataitem: truncated update entry (new)")
		}
		newRaw := data[off : off+newLen]
		return &UpdateEntry{XID: xid, UID: uid, Old: old, New: newRaw}, nil
	default:
		return nil, fmt.Errorf("dataitem: unknown log entry kind 0x%02x", data[0])
	}
}
