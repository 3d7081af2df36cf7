package squashfs

import (
	"encoding/binary"
)

// dirEntryRef is one child's worth of information needed to emit a
// directory-table entry: its name, basic type, and the inodeRef/number its
// own inode record ended up at.
type dirEntryRef struct {
	name string
	typ  Type
	ref  inodeRef
	ino  uint32
}

const dirMaxEntriesPerHeader = 256

// buildDirectoryData writes entries (already sorted by name) into mw as one
// or more header+entry groups, starting a new header whenever the run would
// exceed dirMaxEntriesPerHeader entries, the inode-number delta would
// overflow an int16, or the target inodeRef's block differs from the
// current group's. It returns the position the directory's data starts at,
// the on-disk "size" field (byte length of the written data plus 3, the
// sentinel the reader's EOF check relies on), and, when wantIndex is true, one
// DirIndexEntry for every header after the first (extended directories only).
func buildDirectoryData(mw *metaWriter, order binary.ByteOrder, entries []dirEntryRef, wantIndex bool) (metaPos, uint32, []DirIndexEntry, error) {
	start := mw.Pos()
	var written uint32
	var index []DirIndexEntry

	i := 0
	firstHeader := true
	for i < len(entries) {
		groupStart := i
		block := entries[i].ref.Index()
		headerIno := entries[i].ino
		j := i + 1
		for j < len(entries) &&
			j-groupStart < dirMaxEntriesPerHeader &&
			entries[j].ref.Index() == block &&
			fitsInt16(int64(entries[j].ino)-int64(headerIno)) {
			j++
		}

		if wantIndex && !firstHeader {
			index = append(index, DirIndexEntry{
				Index: written,
				Start: uint32(mw.Pos().Block),
				Name:  entries[groupStart].name,
			})
		}
		firstHeader = false

		hdr := make([]byte, 8)
		order.PutUint32(hdr[0:], uint32(j-groupStart-1))
		order.PutUint32(hdr[4:], block)
		// inode_number occupies the low 32 bits of the 3rd header word on
		// disk; dirReader reads it as a uint32 too (see readHeader).
		ino3 := make([]byte, 4)
		order.PutUint32(ino3, headerIno)
		if _, err := mw.Write(hdr); err != nil {
			return start, 0, nil, err
		}
		if _, err := mw.Write(ino3); err != nil {
			return start, 0, nil, err
		}
		written += 12

		for k := groupStart; k < j; k++ {
			e := entries[k]
			rec := make([]byte, 8+len(e.name))
			order.PutUint16(rec[0:], uint16(e.ref.Offset()))
			order.PutUint16(rec[2:], uint16(int16(int64(e.ino)-int64(headerIno))))
			order.PutUint16(rec[4:], uint16(e.typ))
			order.PutUint16(rec[6:], uint16(len(e.name)-1))
			copy(rec[8:], e.name)
			if _, err := mw.Write(rec); err != nil {
				return start, 0, nil, err
			}
			written += uint32(8 + len(e.name))
		}

		i = j
	}

	return start, written + 3, index, nil
}

func fitsInt16(v int64) bool {
	return v >= -32768 && v <= 32767
}
