package squashfs

import (
	"encoding/binary"
	"fmt"
)

// writeTable serializes data (id table, fragment table, export table, xattr
// id table contents) as a sequence of metadata blocks, then appends a plain
// list of 8-byte absolute offsets to each of those blocks -- the "table of
// tables" indirection used by every lookup table in the format besides the
// inode and directory tables, which are addressed directly. It returns the
// offset at which the pointer list itself starts; that offset is what goes
// into the corresponding superblock field (IdTableStart, FragTableStart,
// ExportTableStart, XattrIdTableStart).
func writeTable(w blockFileWriter, comp SquashComp, level int, data []byte) (uint64, error) {
	base, err := w.Tell()
	if err != nil {
		return 0, err
	}

	mw := newMetaWriter(comp, level, base)
	if _, err := mw.Write(data); err != nil {
		return 0, err
	}
	if err := mw.Flush(); err != nil {
		return 0, err
	}

	blocks := mw.Bytes()
	if err := w.Write(blocks); err != nil {
		return 0, err
	}

	listStart, err := w.Tell()
	if err != nil {
		return 0, err
	}

	// recompute the offsets of each framed meta-block within `blocks`
	offsets, err := metaBlockOffsets(blocks)
	if err != nil {
		return 0, err
	}

	ptrs := make([]byte, 8*len(offsets))
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(ptrs[i*8:], uint64(base)+off)
	}
	if err := w.Write(ptrs); err != nil {
		return 0, err
	}

	return uint64(listStart), nil
}

// metaBlockOffsets walks a framed metadata stream and returns the
// byte-offset (relative to the start of the stream) of each block header,
// i.e. ceil(len(data)/metaBlockSize) entries when data is unframed -- but
// since blocks here are already framed and variable-sized, we walk them.
func metaBlockOffsets(framed []byte) ([]uint64, error) {
	var offs []uint64
	pos := int64(0)
	for pos < int64(len(framed)) {
		if pos+2 > int64(len(framed)) {
			return nil, fmt.Errorf("truncated metadata block header")
		}
		offs = append(offs, uint64(pos))
		lenN := binary.LittleEndian.Uint16(framed[pos:])
		lenN &= 0x7fff
		pos += 2 + int64(lenN)
	}
	return offs, nil
}

// readTable is the inverse of writeTable: given the offset stored in the
// superblock and the total uncompressed size of the payload, it reconstructs
// the original byte slice.
func (sb *Superblock) readTable(listStart uint64, size int) ([]byte, error) {
	numBlocks := (size + metaBlockSize - 1) / metaBlockSize
	if size == 0 {
		return nil, nil
	}

	ptrs := make([]byte, 8*numBlocks)
	if _, err := sb.fs.ReadAt(ptrs, int64(listStart)); err != nil {
		return nil, wrapErr(Io, "read-table-pointers", err)
	}

	out := make([]byte, 0, size)
	for i := 0; i < numBlocks; i++ {
		blockOff := int64(binary.LittleEndian.Uint64(ptrs[i*8:]))
		mr, err := sb.newBoundedTableReader(blockOff, 0, 0, int64(listStart))
		if err != nil {
			return nil, err
		}
		out = append(out, mr.buf...)
	}
	if len(out) > size {
		out = out[:size]
	}
	return out, nil
}
