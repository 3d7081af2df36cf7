package squashfs

import "encoding/binary"

const exportNoInode = 0xFFFFFFFFFFFFFFFF

// exportTableBuilder records, for every inode number assigned while writing
// an image, the inodeRef at which that inode's serialized form ended up, so
// an NFS file handle (which only knows an inode number) can be turned back
// into a lookup position. Gaps (inode numbers never assigned, which should
// not normally happen since numbers are assigned densely starting at 1) are
// filled with the sentinel.
type exportTableBuilder struct {
	refs []uint64 // index 0 == inode #1
}

func (eb *exportTableBuilder) set(ino uint32, ref inodeRef) {
	idx := int(ino) - 1
	if idx < 0 {
		return
	}
	for len(eb.refs) <= idx {
		eb.refs = append(eb.refs, exportNoInode)
	}
	eb.refs[idx] = uint64(ref)
}

func (eb *exportTableBuilder) bytes(order binary.ByteOrder) []byte {
	buf := make([]byte, 8*len(eb.refs))
	for i, r := range eb.refs {
		order.PutUint64(buf[i*8:], r)
	}
	return buf
}

// readExportTable loads the NFS export table, if the image was built with
// the EXPORTABLE flag.
func (sb *Superblock) readExportTable() ([]inodeRef, error) {
	if !sb.Flags.Has(EXPORTABLE) || sb.ExportTableStart == exportNoInode {
		return nil, nil
	}
	raw, err := sb.readTable(sb.ExportTableStart, 8*int(sb.InodeCnt))
	if err != nil {
		return nil, err
	}
	out := make([]inodeRef, sb.InodeCnt)
	for i := range out {
		out[i] = inodeRef(sb.order.Uint64(raw[i*8:]))
	}
	return out, nil
}

// InodeByNumber resolves an inode purely from its NFS-visible inode number,
// via the export table, for callers implementing a FUSE/NFS lookup-by-handle
// path rather than a path walk.
func (sb *Superblock) InodeByNumber(num uint64) (*Inode, error) {
	sb.exportL.Do(func() {
		sb.exportV, sb.exportErr = sb.readExportTable()
	})
	if sb.exportErr != nil {
		return nil, sb.exportErr
	}
	if sb.exportV == nil {
		return nil, wrapErr(Unsupported, "inode-by-number", ErrInodeNotExported)
	}
	if num == 0 || int(num-1) >= len(sb.exportV) {
		return nil, wrapErr(OutOfBounds, "inode-by-number", ErrInodeNotExported)
	}
	ref := sb.exportV[num-1]
	if uint64(ref) == exportNoInode {
		return nil, wrapErr(OutOfBounds, "inode-by-number", ErrInodeNotExported)
	}
	return sb.GetInodeRef(ref)
}
