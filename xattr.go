package squashfs

import (
	"encoding/binary"
	"io"
)

// xattrEntry is one name/value pair attached to an inode.
type XattrEntry struct {
	Prefix XattrPrefix
	Name   string
	Value  []byte
}

// XattrPrefix is the compact on-disk encoding of the common xattr namespace
// prefixes (user., trusted., security.), avoiding storing the prefix text
// itself in every entry.
type XattrPrefix uint16

const (
	XattrUser XattrPrefix = iota
	XattrTrusted
	XattrSecurity
)

func (p XattrPrefix) String() string {
	switch p {
	case XattrUser:
		return "user."
	case XattrTrusted:
		return "trusted."
	case XattrSecurity:
		return "security."
	default:
		return ""
	}
}

// xattrOOLThreshold bytes: a value stored out-of-line costs 8 extra bytes
// for the OOL pointer record, but lets every inode sharing it store only
// that 8-byte pointer instead of a full copy. should_store_ool derives the
// break-even point algebraically: storing refcount copies of a len-byte
// value inline costs len*refcount bytes; storing it once inline plus
// (refcount-1) OOL pointers costs len + (refcount-1)*8. The OOL form wins
// when len*refcount > len + (refcount-1)*8, which for refcount > 1
// simplifies to len > 8.
const xattrOOLThreshold = 8

// xattrOOLFlag marks, in an entry's type field (the same field the
// XattrPrefix enum occupies), that the entry's value is stored out of
// line: write_xattr.c's SQUASHFS_XATTR_FLAG_OOL, applied to the key's
// type rather than the value's size field.
const xattrOOLFlag uint16 = 0x8000

func shouldStoreOOL(valueLen int, refcount int) bool {
	return refcount > 1 && valueLen > xattrOOLThreshold
}

// xattrBuilder assembles the xattr table (inline key/value body) and the
// xattr id table (one entry per distinct inode xattr set, pointing at a
// contiguous run of key/value records), deduplicating both repeated values
// (via out-of-line storage) and repeated whole xattr sets (via a signature
// of the sorted entry list).
type xattrBuilder struct {
	comp  SquashComp
	level int

	body bytesBuilder

	// OOL value dedup: valueLocations records the body offset a given
	// value's bytes were physically written at, the first (and only) time
	// they are written inline; oolRefs is the tree-wide reference count
	// computed up front by countRef, used only to decide whether OOL
	// storage is worth it at all (shouldStoreOOL). A value's *first*
	// physical occurrence is never OOL-flagged -- only the second and
	// later ones, once valueLocations already has an entry for it.
	valueLocations map[string]uint64
	oolRefs        map[string]int

	// whole-set dedup: canonical serialization of a sorted entry list ->
	// xattr id table index.
	setIndex map[string]uint32
	sets     []xattrSetEntry
}

type xattrSetEntry struct {
	count  uint32
	start  uint64 // offset into body where this set's key/value records begin
	size   uint32 // byte length of this set's records in body
}

type bytesBuilder struct {
	buf []byte
}

func (b *bytesBuilder) Len() uint64 { return uint64(len(b.buf)) }
func (b *bytesBuilder) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

func newXattrBuilder(comp SquashComp, level int) *xattrBuilder {
	return &xattrBuilder{
		comp:           comp,
		level:          level,
		valueLocations: make(map[string]uint64),
		oolRefs:        make(map[string]int),
		setIndex:       make(map[string]uint32),
	}
}

// countRefs must be called once up front for every xattr value across the
// whole tree, so shouldStoreOOL's refcount>1 threshold can be evaluated
// before any bytes are written (mirrors write_xattr.c's two-pass: count
// references, then emit).
func (xb *xattrBuilder) countRef(value []byte) {
	xb.oolRefs[string(value)]++
}

// AddSet writes one inode's full xattr list (already deduplicated against
// earlier identical sets) and returns the xattr id table index to store in
// the inode's XattrIdx field. An empty list returns the "no xattrs" sentinel
// 0xFFFFFFFF.
func (xb *xattrBuilder) AddSet(entries []XattrEntry) uint32 {
	if len(entries) == 0 {
		return 0xFFFFFFFF
	}

	key := xattrSetKey(entries)
	if idx, ok := xb.setIndex[key]; ok {
		return idx
	}

	start := xb.body.Len()
	for _, e := range entries {
		xb.writeEntry(e)
	}
	size := uint32(xb.body.Len() - start)

	idx := uint32(len(xb.sets))
	xb.sets = append(xb.sets, xattrSetEntry{count: uint32(len(entries)), start: start, size: size})
	xb.setIndex[key] = idx
	return idx
}

func xattrSetKey(entries []XattrEntry) string {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, byte(e.Prefix))
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.Value...)
		buf = append(buf, 0)
	}
	return string(buf)
}

// writeEntry appends one key/value record to the body. Per
// write_xattr.c's should_store_ool/SQUASHFS_XATTR_FLAG_OOL, the first
// physical occurrence of a value is always written inline -- the OOL flag
// on the key's type field only ever marks a second-or-later occurrence,
// which stores an 8-byte back-reference to the first occurrence's value
// bytes instead of a second copy.
func (xb *xattrBuilder) writeEntry(e XattrEntry) {
	key := string(e.Value)
	firstOffset, seen := xb.valueLocations[key]
	ool := seen && shouldStoreOOL(len(e.Value), xb.oolRefs[key])

	nameBytes := []byte(e.Name)
	typeField := uint16(e.Prefix)
	if ool {
		typeField |= xattrOOLFlag
	}

	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:], typeField)
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(nameBytes)))
	xb.body.Write(hdr)
	xb.body.Write(nameBytes)

	sizeField := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeField, uint32(len(e.Value)))
	xb.body.Write(sizeField)

	if ool {
		ptr := make([]byte, 8)
		binary.LittleEndian.PutUint64(ptr, firstOffset)
		xb.body.Write(ptr)
		return
	}

	if !seen {
		xb.valueLocations[key] = xb.body.Len()
	}
	xb.body.Write(e.Value)
}

func (xb *xattrBuilder) idTableBytes(order binary.ByteOrder) []byte {
	buf := make([]byte, 16*len(xb.sets))
	for i, s := range xb.sets {
		order.PutUint64(buf[i*16:], s.start)
		order.PutUint32(buf[i*16+8:], s.count)
		order.PutUint32(buf[i*16+12:], s.size)
	}
	return buf
}

func (xb *xattrBuilder) bodyBytes() []byte { return xb.body.buf }
func (xb *xattrBuilder) count() uint32     { return uint32(len(xb.sets)) }

// xattrNoTable mirrors the writer's noTable sentinel: Superblock.XattrIdTableStart
// holds this value when the image carries no xattrs at all.
const xattrNoTable = 0xFFFFFFFFFFFFFFFF

// xattrTable is the fully-resolved, read-side mirror of xattrBuilder: body
// holds every set's raw key/value records (read back in one sequential pass,
// since unlike the id/fragment/export tables the body itself was never given
// its own table-of-tables pointer list), and entries is the xattr id table,
// read the ordinary way via readTable.
type xattrTable struct {
	body    []byte
	entries []xattrSetEntry
}

// readXattrTable loads and parses the whole xattr id table and its body in
// one shot, following the 32-byte header written at Finalize time (see
// writer.go): bodyBase/bodyLen locate the body, count/idListStart locate the
// id entries via the standard readTable indirection.
func (sb *Superblock) readXattrTable() (*xattrTable, error) {
	if sb.XattrIdTableStart == xattrNoTable {
		return nil, nil
	}

	hdr := make([]byte, 32)
	if _, err := sb.fs.ReadAt(hdr, int64(sb.XattrIdTableStart)); err != nil {
		return nil, wrapErr(Io, "read-xattr-header", err)
	}
	bodyBase := sb.order.Uint64(hdr[0:])
	bodyLen := sb.order.Uint64(hdr[8:])
	count := sb.order.Uint32(hdr[16:])
	idListStart := sb.order.Uint64(hdr[24:])

	body, err := sb.readFramedBytes(int64(bodyBase), int64(bodyLen))
	if err != nil {
		return nil, err
	}

	raw, err := sb.readTable(idListStart, 16*int(count))
	if err != nil {
		return nil, err
	}
	entries := make([]xattrSetEntry, count)
	for i := range entries {
		entries[i] = xattrSetEntry{
			start: sb.order.Uint64(raw[i*16:]),
			count: sb.order.Uint32(raw[i*16+8:]),
			size:  sb.order.Uint32(raw[i*16+12:]),
		}
	}

	return &xattrTable{body: body, entries: entries}, nil
}

// readFramedBytes reads size uncompressed bytes out of the metadata-block
// stream starting at base, using the same framing metaReader already
// understands for the inode and directory tables. The xattr body has no
// pointer list of its own -- it was written as one contiguous run of meta
// blocks immediately before the id table -- so a plain sequential decode is
// all reading it back requires.
func (sb *Superblock) readFramedBytes(base, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	mr, err := sb.newTableReader(base, 0)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(mr, out); err != nil {
		return nil, wrapErr(Io, "read-xattr-body", err)
	}
	return out, nil
}

// resolveXattrSet decodes the idx'th xattr set from the cached xattr table,
// parsing writeEntry's record layout: a 4-byte type/name-length header (the
// OOL flag living in the type field's top bit), the name, a 4-byte value
// length, then either the inline value bytes or, when the OOL flag is set,
// an 8-byte back-reference into the body for a value shared with an earlier
// entry.
func (sb *Superblock) resolveXattrSet(idx uint32) ([]XattrEntry, error) {
	sb.xattrL.Do(func() {
		sb.xattrV, sb.xattrErr = sb.readXattrTable()
	})
	if sb.xattrErr != nil {
		return nil, sb.xattrErr
	}
	if sb.xattrV == nil || int(idx) >= len(sb.xattrV.entries) {
		return nil, wrapErr(OutOfBounds, "resolve-xattr-set", ErrInvalidSuper)
	}

	set := sb.xattrV.entries[idx]
	body := sb.xattrV.body
	if set.start+uint64(set.size) > uint64(len(body)) {
		return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", ErrInvalidFile)
	}
	buf := body[set.start : set.start+uint64(set.size)]

	entries := make([]XattrEntry, 0, set.count)
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", io.ErrUnexpectedEOF)
		}
		typeField := sb.order.Uint16(buf[0:])
		nameLen := sb.order.Uint16(buf[2:])
		buf = buf[4:]

		if len(buf) < int(nameLen)+4 {
			return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", io.ErrUnexpectedEOF)
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]

		valueLen := sb.order.Uint32(buf[0:])
		buf = buf[4:]

		ool := typeField&xattrOOLFlag != 0
		prefix := XattrPrefix(typeField &^ xattrOOLFlag)

		var value []byte
		if ool {
			if len(buf) < 8 {
				return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", io.ErrUnexpectedEOF)
			}
			off := sb.order.Uint64(buf[0:])
			buf = buf[8:]
			if off+uint64(valueLen) > uint64(len(body)) {
				return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", ErrInvalidFile)
			}
			value = append([]byte(nil), body[off:off+uint64(valueLen)]...)
		} else {
			if len(buf) < int(valueLen) {
				return nil, wrapErr(CorruptedHeader, "resolve-xattr-set", io.ErrUnexpectedEOF)
			}
			value = append([]byte(nil), buf[:valueLen]...)
			buf = buf[valueLen:]
		}

		entries = append(entries, XattrEntry{Prefix: prefix, Name: name, Value: value})
	}

	return entries, nil
}
