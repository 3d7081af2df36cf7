package squashfs

import (
	"encoding/binary"
	"errors"
)

// idTable maps 32-bit uid/gid values to the 16-bit indices inodes actually
// store, and back. SquashFS caps the table at 65536 entries.
type idTable struct {
	ids   []uint32
	index map[uint32]uint16
}

func newIDTable() *idTable {
	return &idTable{index: make(map[uint32]uint16)}
}

// add returns the index for id, allocating a new slot if id hasn't been seen
// before. It returns an error once the table would exceed 65536 entries.
func (t *idTable) add(id uint32) (uint16, error) {
	if idx, ok := t.index[id]; ok {
		return idx, nil
	}
	if len(t.ids) >= 65536 {
		return 0, wrapErr(OutOfBounds, "id-table-add", errors.New("id table full: 65536 ids"))
	}
	idx := uint16(len(t.ids))
	t.ids = append(t.ids, id)
	t.index[id] = idx
	return idx, nil
}

func (t *idTable) bytes(order binary.ByteOrder) []byte {
	buf := make([]byte, 4*len(t.ids))
	for i, id := range t.ids {
		order.PutUint32(buf[i*4:], id)
	}
	return buf
}

// readIDTable loads the id table described by the superblock's IdTableStart
// and IdCount fields.
func (sb *Superblock) readIDTable() ([]uint32, error) {
	if sb.IdCount == 0 {
		return nil, nil
	}
	raw, err := sb.readTable(sb.IdTableStart, 4*int(sb.IdCount))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, sb.IdCount)
	for i := range ids {
		ids[i] = sb.order.Uint32(raw[i*4:])
	}
	return ids, nil
}

// ResolveID returns the uid/gid value for an on-disk index resolved against
// the image's id table, used when converting an Inode's UidIdx/GidIdx into a
// real numeric id for os.Chown-style consumers.
func (sb *Superblock) ResolveID(idx uint16) (uint32, error) {
	sb.idTableL.Do(func() {
		sb.idTableV, sb.idTableErr = sb.readIDTable()
	})
	if sb.idTableErr != nil {
		return 0, sb.idTableErr
	}
	if int(idx) >= len(sb.idTableV) {
		return 0, wrapErr(OutOfBounds, "resolve-id", ErrInvalidSuper)
	}
	return sb.idTableV[idx], nil
}
