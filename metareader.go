package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// metaReader provides sequential, buffered access to a stream of squashfs
// metadata blocks: each block is prefixed by a 2-byte header whose low 15
// bits are the on-disk payload size and whose top bit marks the payload as
// stored uncompressed. Records are not block-aligned, so a single logical
// read may straddle two metadata blocks; metaReader hides that by refilling
// its internal buffer transparently.
//
// This replaces the pack's separate, near-duplicate tableReader/inodeReader
// types with one implementation used for both the inode and directory
// tables, fragment/id/export/xattr table lookups, and any other metadata
// stream.
type metaReader struct {
	sb    *Superblock
	buf   []byte
	offt  int64
	lower int64
	upper int64
}

// newTableReader starts reading the metadata stream at absolute byte offset
// base, with an additional in-block byte offset to discard from the first
// block. It accepts any non-negative base; newBoundedTableReader takes
// lower/upper bounds on the block offsets so a corrupt inodeRef or table
// pointer is rejected instead of reading arbitrary file offsets.
func (sb *Superblock) newTableReader(base int64, start int) (*metaReader, error) {
	return sb.newBoundedTableReader(base, start, 0, 1<<62)
}

func (sb *Superblock) newBoundedTableReader(base int64, start int, lower, upper int64) (*metaReader, error) {
	if base < lower || base > upper {
		return nil, wrapErr(OutOfBounds, "new-table-reader", fmt.Errorf("offset %d outside [%d,%d]", base, lower, upper))
	}

	mr := &metaReader{
		sb:    sb,
		offt:  base,
		lower: lower,
		upper: upper,
	}

	if err := mr.readBlock(); err != nil {
		return nil, err
	}

	if start != 0 {
		if start > len(mr.buf) {
			return nil, wrapErr(OutOfBounds, "new-table-reader", fmt.Errorf("start offset %d beyond block of size %d", start, len(mr.buf)))
		}
		mr.buf = mr.buf[start:]
	}

	return mr, nil
}

func (sb *Superblock) newInodeReader(ino inodeRef) (*metaReader, error) {
	return sb.newBoundedTableReader(int64(sb.InodeTableStart)+int64(ino.Index()), int(ino.Offset()), int64(sb.InodeTableStart), int64(sb.DirTableStart)-1)
}

func (m *metaReader) readBlock() error {
	if m.offt < m.lower || m.offt > m.upper {
		return wrapErr(OutOfBounds, "read-meta-block", fmt.Errorf("block offset %d outside [%d,%d]", m.offt, m.lower, m.upper))
	}

	hdr := make([]byte, 2)
	if _, err := m.sb.fs.ReadAt(hdr, m.offt); err != nil {
		return wrapErr(Io, "read-meta-block", err)
	}

	lenN := m.sb.order.Uint16(hdr)
	uncompressed := lenN&0x8000 == 0x8000
	lenN &= 0x7fff

	buf := make([]byte, int(lenN))
	if _, err := m.sb.fs.ReadAt(buf, m.offt+2); err != nil {
		return wrapErr(Io, "read-meta-block", err)
	}

	if !uncompressed {
		var err error
		buf, err = m.sb.Comp.decompress(buf)
		if err != nil {
			return err
		}
	}

	if len(buf) > metaBlockSize {
		return wrapErr(CorruptedHeader, "read-meta-block", fmt.Errorf("decompressed block of %d bytes exceeds metadata block size", len(buf)))
	}

	m.buf = buf
	m.offt += 2 + int64(lenN)
	return nil
}

func (m *metaReader) Read(p []byte) (int, error) {
	if len(m.buf) == 0 {
		if err := m.readBlock(); err != nil {
			return 0, err
		}
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// readUint16/readUint32/readUint64 are small helpers used by callers that
// would otherwise repeat binary.Read(r, sb.order, &x) boilerplate.
func readUint16(r io.Reader, order binary.ByteOrder) (uint16, error) {
	var v uint16
	err := binary.Read(r, order, &v)
	return v, err
}

func readUint32(r io.Reader, order binary.ByteOrder) (uint32, error) {
	var v uint32
	err := binary.Read(r, order, &v)
	return v, err
}

func readUint64(r io.Reader, order binary.ByteOrder) (uint64, error) {
	var v uint64
	err := binary.Read(r, order, &v)
	return v, err
}
