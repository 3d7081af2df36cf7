package squashfs

import (
	"encoding/binary"
	"io"
	"io/fs"
	"path"
	"sort"

	"golang.org/x/sys/unix"
)

// ReadLinkFS is implemented by a source fs.FS that can report a symlink's
// target, since plain io/fs has no portable way to do that. Writer stores
// an empty target when the source doesn't implement it.
type ReadLinkFS interface {
	fs.FS
	ReadLink(name string) (string, error)
}

// OwnerFS is implemented by a source fs.FS that can report numeric
// uid/gid ownership for a path.
type OwnerFS interface {
	fs.FS
	Owner(name string) (uid, gid uint32, err error)
}

// DeviceFS is implemented by a source fs.FS that can report the
// major/minor device numbers backing a block/char device entry.
type DeviceFS interface {
	fs.FS
	Device(name string) (major, minor uint32, err error)
}

// XattrFS is implemented by a source fs.FS that can report extended
// attributes attached to a path.
type XattrFS interface {
	fs.FS
	Xattrs(name string) ([]XattrEntry, error)
}

// makeRdev combines major/minor device numbers the same way the kernel's
// makedev() does, used when encoding a device inode.
func makeRdev(major, minor uint32) uint32 {
	return uint32(unix.Mkdev(major, minor))
}

// Stats summarizes a completed Finalize, surfaced so callers (and sqfs's
// CLI) can report on dedup effectiveness.
type Stats struct {
	Inodes          int
	FilesWritten    int
	SparseBlocks    int
	DuplicateBlocks int // data blocks reused via block-run dedup instead of being written again
	FragDup         int // file tails reused from an already-written fragment instead of being added to one
	BytesUsed       uint64
}

// WriterOption configures a Writer at construction time.
type WriterOption func(w *Writer)

func WithCompressor(comp SquashComp, level int) WriterOption {
	return func(w *Writer) { w.comp = comp; w.level = level }
}

func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) { w.blockSize = size }
}

func WithWorkers(n int) WriterOption {
	return func(w *Writer) { w.numWorkers = n }
}

func WithExportable(v bool) WriterOption {
	return func(w *Writer) { w.exportable = v }
}

func WithModTime(t int32) WriterOption {
	return func(w *Writer) { w.modTime = t }
}

func WithNoFragments(v bool) WriterOption {
	return func(w *Writer) { w.noFragments = v }
}

func WithNoDuplicateCheck(v bool) WriterOption {
	return func(w *Writer) { w.noDedup = v }
}

// writerNode is one file, directory, symlink or device being staged into an
// image under construction.
type writerNode struct {
	name      string
	mode      fs.FileMode
	size      int64
	modTime   int32
	uid, gid  uint32
	rdev      uint32
	symTarget string
	xattrs    []XattrEntry

	fsys    fs.FS
	srcPath string

	ino   uint32
	nlink uint32

	parent   *writerNode
	children []*writerNode

	xattrIdx uint32

	// cached content layout, computed once during the first serialization
	// pass and reused verbatim during the second (see Writer.Finalize).
	startBlock uint64
	locations  []blockLocation
	sparse     []bool
	fragIdx    uint32
	fragOff    uint32
	laidOut    bool
}

func (n *writerNode) dirType() Type {
	switch {
	case n.mode.IsDir():
		return DirType
	case n.mode&fs.ModeSymlink != 0:
		return SymlinkType
	case n.mode&fs.ModeNamedPipe != 0:
		return FifoType
	case n.mode&fs.ModeSocket != 0:
		return SocketType
	case n.mode&fs.ModeCharDevice != 0:
		return CharDevType
	case n.mode&fs.ModeDevice != 0:
		return BlockDevType
	default:
		return FileType
	}
}

// Writer builds a SquashFS image from an arbitrary fs.FS tree, writing the
// finished image to dest once Finalize is called. Like the original
// implementation's block processing pipeline, file content is streamed
// through a worker pool rather than held fully compressed in memory before
// being placed; unlike it, the whole framed image is staged in an
// in-memory blockFileWriter first (see blockfile.go) so dest only needs to
// be a plain io.Writer, and the final superblock is patched into that
// buffer's first 96 bytes (via WriteAt) before the single copy to dest.
type Writer struct {
	dest io.Writer
	out  blockFileWriter

	comp        SquashComp
	level       int
	numWorkers  int
	blockSize   uint32
	blockLog    uint16
	modTime     int32
	exportable  bool
	noFragments bool
	noDedup     bool

	root       *writerNode
	dirByPath  map[string]*writerNode
	nextInoSeq uint32

	ids    *idTable
	frag   *fragmentBuilder
	xattrs *xattrBuilder
	bp     *BlockProcessor
	export *exportTableBuilder

	inodeTableStart uint64
	dirTableStart   uint64

	stats Stats
}

// NewWriter prepares a Writer that will stream the finished image to dest
// once Finalize is called.
func NewWriter(dest io.Writer, opts ...WriterOption) *Writer {
	w := &Writer{
		dest:       dest,
		comp:       GZip,
		level:      -1,
		numWorkers: 4,
		blockSize:  131072,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.blockLog = log2u32(w.blockSize)
	blockSizeHint = w.blockSize

	w.out = newInMemoryBlockFile()
	w.bp = NewBlockProcessor(w.out, w.comp, w.level, w.numWorkers)
	w.frag = newFragmentBuilder(w.bp)
	w.ids = newIDTable()
	w.xattrs = newXattrBuilder(w.comp, w.level)
	w.export = &exportTableBuilder{}

	// reserve the 96-byte superblock header so every offset computed from
	// here on already accounts for it.
	w.out.Write(make([]byte, 96))

	return w
}

func log2u32(v uint32) uint16 {
	var n uint16
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func (w *Writer) allocIno() uint32 {
	w.nextInoSeq++
	return w.nextInoSeq
}

// Pack walks fsys and stages its entire tree for writing. It must be called
// exactly once, before Finalize.
func (w *Writer) Pack(fsys fs.FS) error {
	root := &writerNode{name: "", mode: fs.ModeDir | 0755, ino: w.allocIno()}
	w.root = root
	w.dirByPath = map[string]*writerNode{".": root}

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		node := w.newNode(fsys, p, info)
		parent := w.dirByPath[path.Dir(p)]
		node.parent = parent
		parent.children = append(parent.children, node)
		if d.IsDir() {
			w.dirByPath[p] = node
		}
		return nil
	})
	if err != nil {
		return wrapErr(Io, "pack", err)
	}

	sortTree(root)
	assignNlinks(root)
	countXattrRefs(root, w.xattrs)

	return nil
}

func (w *Writer) newNode(fsys fs.FS, p string, info fs.FileInfo) *writerNode {
	n := &writerNode{
		name:    path.Base(p),
		mode:    info.Mode(),
		size:    info.Size(),
		modTime: int32(info.ModTime().Unix()),
		fsys:    fsys,
		srcPath: p,
		ino:     w.allocIno(),
	}

	if of, ok := fsys.(OwnerFS); ok {
		if uid, gid, err := of.Owner(p); err == nil {
			n.uid, n.gid = uid, gid
		}
	}
	if n.mode&fs.ModeSymlink != 0 {
		if rl, ok := fsys.(ReadLinkFS); ok {
			if target, err := rl.ReadLink(p); err == nil {
				n.symTarget = target
			}
		}
	}
	if n.mode&fs.ModeDevice != 0 {
		if df, ok := fsys.(DeviceFS); ok {
			if major, minor, err := df.Device(p); err == nil {
				n.rdev = makeRdev(major, minor)
			}
		}
	}
	if xf, ok := fsys.(XattrFS); ok {
		if xattrs, err := xf.Xattrs(p); err == nil {
			n.xattrs = xattrs
		}
	}

	return n
}

func sortTree(n *writerNode) {
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
	for _, c := range n.children {
		if c.mode.IsDir() {
			sortTree(c)
		}
	}
}

func assignNlinks(n *writerNode) {
	if !n.mode.IsDir() {
		n.nlink = 1
		return
	}
	subdirs := 0
	for _, c := range n.children {
		if c.mode.IsDir() {
			subdirs++
		}
	}
	n.nlink = uint32(2 + subdirs)
	for _, c := range n.children {
		assignNlinks(c)
	}
}

func countXattrRefs(n *writerNode, xb *xattrBuilder) {
	for _, e := range n.xattrs {
		xb.countRef(e.Value)
	}
	for _, c := range n.children {
		countXattrRefs(c, xb)
	}
}

// layoutFile reads a regular file's content in full, splits it into
// blockSize chunks, skips the worker pool for any all-zero block (recorded
// as sparse), and routes a short trailing block into the fragment builder
// unless fragments are disabled. It is only ever run once per file, during
// the first serialization pass; its results are cached on the node and
// reused verbatim by the second pass.
func (w *Writer) layoutFile(n *writerNode) error {
	f, err := n.fsys.Open(n.srcPath)
	if err != nil {
		return wrapErr(Io, "layout-file", err)
	}
	defer f.Close()

	data := make([]byte, n.size)
	if _, err := io.ReadFull(f, data); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return wrapErr(Io, "layout-file", err)
	}

	bs := int(w.blockSize)
	var blocks [][]byte
	var tail []byte
	for off := 0; off < len(data); off += bs {
		end := off + bs
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if end-off < bs && !w.noFragments {
			tail = chunk
			break
		}
		blocks = append(blocks, chunk)
	}

	sparse := make([]bool, len(blocks))
	for i, b := range blocks {
		if isAllZero(b) {
			sparse[i] = true
			w.stats.SparseBlocks++
		}
	}

	start, locs, dup, err := w.bp.ProcessFile(blocks, sparse, w.noDedup)
	if err != nil {
		return err
	}
	n.startBlock, n.locations, n.sparse = start, locs, sparse
	w.stats.DuplicateBlocks += dup

	n.fragIdx, n.fragOff = 0xffffffff, 0
	if len(tail) > 0 {
		idx, off, fragDup, err := w.frag.add(w.out, tail)
		if err != nil {
			return err
		}
		n.fragIdx, n.fragOff = idx, off
		if fragDup {
			w.stats.FragDup++
		}
	}

	n.laidOut = true
	w.stats.FilesWritten++
	return nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// serializeNode writes n's inode record (and, for a directory, its
// directory-table entries first) into imw/dmw and returns the inodeRef the
// record ended up at. Both passes use metaWriters with base offset 0: an
// inodeRef's block part and a directory's start block are offsets from the
// start of their own table, which the reader adds back from the superblock.
// On the first pass (final == false) file content is read, compressed and
// written for real; on the second pass (final == true) file content is never
// re-read -- layoutFile's cached result is reused as-is, so both passes
// produce the same tables -- and export-table entries and inode stats are
// recorded.
func (w *Writer) serializeNode(final bool, n *writerNode, imw, dmw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	if n.mode.IsDir() {
		return w.serializeDir(final, n, imw, dmw, order)
	}
	return w.serializeLeaf(final, n, imw, order)
}

func (w *Writer) resolveXattrIdx(final bool, n *writerNode) {
	if len(n.xattrs) == 0 {
		n.xattrIdx = 0xFFFFFFFF
		return
	}
	if !final {
		n.xattrIdx = w.xattrs.AddSet(n.xattrs)
	}
}

func (w *Writer) serializeDir(final bool, n *writerNode, imw, dmw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	entries := make([]dirEntryRef, 0, len(n.children))
	for _, c := range n.children {
		ref, err := w.serializeNode(final, c, imw, dmw, order)
		if err != nil {
			return 0, err
		}
		entries = append(entries, dirEntryRef{name: c.name, typ: c.dirType(), ref: ref, ino: c.ino})
	}

	w.resolveXattrIdx(final, n)

	extended := n.xattrIdx != 0xFFFFFFFF || len(entries) > dirMaxEntriesPerHeader
	dirPos, dirSize, idx, err := buildDirectoryData(dmw, order, entries, extended)
	if err != nil {
		return 0, err
	}

	parentIno := n.ino
	if n.parent != nil {
		parentIno = n.parent.ino
	}

	selfPos := imw.Pos()
	if extended {
		writeU16(imw, order, uint16(XDirType))
		writeU16(imw, order, uint16(n.mode.Perm()))
		writeU16(imw, order, uidIdx(w, n))
		writeU16(imw, order, gidIdx(w, n))
		writeI32(imw, order, n.modTime)
		writeU32(imw, order, n.ino)
		writeU32(imw, order, n.nlink)
		writeU32(imw, order, dirSize)
		writeU32(imw, order, uint32(dirPos.Block))
		writeU32(imw, order, parentIno)
		writeU16(imw, order, uint16(len(idx)))
		writeU16(imw, order, dirPos.Offset)
		writeU32(imw, order, n.xattrIdx)
		for _, e := range idx {
			writeU32(imw, order, e.Index)
			writeU32(imw, order, e.Start)
			writeU32(imw, order, uint32(len(e.Name)-1))
			imw.Write([]byte(e.Name))
		}
	} else {
		writeU16(imw, order, uint16(DirType))
		writeU16(imw, order, uint16(n.mode.Perm()))
		writeU16(imw, order, uidIdx(w, n))
		writeU16(imw, order, gidIdx(w, n))
		writeI32(imw, order, n.modTime)
		writeU32(imw, order, n.ino)
		writeU32(imw, order, uint32(dirPos.Block))
		writeU32(imw, order, n.nlink)
		writeU16(imw, order, uint16(dirSize))
		writeU16(imw, order, dirPos.Offset)
		writeU32(imw, order, parentIno)
	}

	return w.finishInode(final, n, selfPos)
}

func (w *Writer) serializeLeaf(final bool, n *writerNode, imw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	switch {
	case n.mode&fs.ModeSymlink != 0:
		return w.serializeSymlink(final, n, imw, order)
	case n.mode&fs.ModeDevice != 0, n.mode&fs.ModeCharDevice != 0:
		return w.serializeDevice(final, n, imw, order)
	case n.mode&fs.ModeNamedPipe != 0, n.mode&fs.ModeSocket != 0:
		return w.serializeIPC(final, n, imw, order)
	default:
		return w.serializeFile(final, n, imw, order)
	}
}

func (w *Writer) finishInode(final bool, n *writerNode, selfPos metaPos) (inodeRef, error) {
	ref := inodeRef(uint64(selfPos.Block)<<16 | uint64(selfPos.Offset))
	if final {
		w.export.set(n.ino, ref)
		w.stats.Inodes++
	}
	return ref, nil
}

func (w *Writer) serializeFile(final bool, n *writerNode, imw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	if !n.laidOut {
		if err := w.layoutFile(n); err != nil {
			return 0, err
		}
	}
	w.resolveXattrIdx(final, n)

	hasSparse := false
	for _, s := range n.sparse {
		if s {
			hasSparse = true
			break
		}
	}
	extended := n.xattrIdx != 0xFFFFFFFF || hasSparse

	selfPos := imw.Pos()
	if extended {
		writeU16(imw, order, uint16(XFileType))
		writeU16(imw, order, uint16(n.mode.Perm()))
		writeU16(imw, order, uidIdx(w, n))
		writeU16(imw, order, gidIdx(w, n))
		writeI32(imw, order, n.modTime)
		writeU32(imw, order, n.ino)
		writeU64(imw, order, n.startBlock)
		writeU64(imw, order, uint64(n.size))
		var sparseCount uint64
		for _, s := range n.sparse {
			if s {
				sparseCount++
			}
		}
		writeU64(imw, order, sparseCount)
		writeU32(imw, order, n.nlink)
		writeU32(imw, order, n.fragIdx)
		writeU32(imw, order, n.fragOff)
		writeU32(imw, order, n.xattrIdx)
	} else {
		writeU16(imw, order, uint16(FileType))
		writeU16(imw, order, uint16(n.mode.Perm()))
		writeU16(imw, order, uidIdx(w, n))
		writeU16(imw, order, gidIdx(w, n))
		writeI32(imw, order, n.modTime)
		writeU32(imw, order, n.ino)
		writeU32(imw, order, uint32(n.startBlock))
		writeU32(imw, order, n.fragIdx)
		writeU32(imw, order, n.fragOff)
		writeU32(imw, order, uint32(n.size))
	}
	for i, loc := range n.locations {
		if n.sparse != nil && n.sparse[i] {
			writeU32(imw, order, 0)
			continue
		}
		writeU32(imw, order, loc.onDiskSize())
	}

	return w.finishInode(final, n, selfPos)
}

func (w *Writer) serializeSymlink(final bool, n *writerNode, imw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	w.resolveXattrIdx(final, n)
	extended := n.xattrIdx != 0xFFFFFFFF

	target := []byte(n.symTarget)
	typ := SymlinkType
	if extended {
		typ = XSymlinkType
	}

	selfPos := imw.Pos()
	writeU16(imw, order, uint16(typ))
	writeU16(imw, order, uint16(n.mode.Perm()))
	writeU16(imw, order, uidIdx(w, n))
	writeU16(imw, order, gidIdx(w, n))
	writeI32(imw, order, n.modTime)
	writeU32(imw, order, n.ino)
	writeU32(imw, order, n.nlink)
	writeU32(imw, order, uint32(len(target)))
	imw.Write(target)
	if extended {
		writeU32(imw, order, n.xattrIdx)
	}

	return w.finishInode(final, n, selfPos)
}

func (w *Writer) serializeDevice(final bool, n *writerNode, imw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	w.resolveXattrIdx(final, n)
	extended := n.xattrIdx != 0xFFFFFFFF

	typ := BlockDevType
	if n.mode&fs.ModeCharDevice != 0 {
		typ = CharDevType
	}
	if extended {
		typ += 7
	}

	selfPos := imw.Pos()
	writeU16(imw, order, uint16(typ))
	writeU16(imw, order, uint16(n.mode.Perm()))
	writeU16(imw, order, uidIdx(w, n))
	writeU16(imw, order, gidIdx(w, n))
	writeI32(imw, order, n.modTime)
	writeU32(imw, order, n.ino)
	writeU32(imw, order, n.nlink)
	writeU32(imw, order, n.rdev)
	if extended {
		writeU32(imw, order, n.xattrIdx)
	}

	return w.finishInode(final, n, selfPos)
}

func (w *Writer) serializeIPC(final bool, n *writerNode, imw *metaWriter, order binary.ByteOrder) (inodeRef, error) {
	w.resolveXattrIdx(final, n)
	extended := n.xattrIdx != 0xFFFFFFFF

	typ := FifoType
	if n.mode&fs.ModeSocket != 0 {
		typ = SocketType
	}
	if extended {
		typ += 7
	}

	selfPos := imw.Pos()
	writeU16(imw, order, uint16(typ))
	writeU16(imw, order, uint16(n.mode.Perm()))
	writeU16(imw, order, uidIdx(w, n))
	writeU16(imw, order, gidIdx(w, n))
	writeI32(imw, order, n.modTime)
	writeU32(imw, order, n.ino)
	writeU32(imw, order, n.nlink)
	if extended {
		writeU32(imw, order, n.xattrIdx)
	}

	return w.finishInode(final, n, selfPos)
}

func uidIdx(w *Writer, n *writerNode) uint16 {
	idx, err := w.ids.add(n.uid)
	if err != nil {
		return 0
	}
	return idx
}

func gidIdx(w *Writer, n *writerNode) uint16 {
	idx, err := w.ids.add(n.gid)
	if err != nil {
		return 0
	}
	return idx
}

func writeU16(w *metaWriter, order binary.ByteOrder, v uint16) {
	b := make([]byte, 2)
	order.PutUint16(b, v)
	w.Write(b)
}

func writeU32(w *metaWriter, order binary.ByteOrder, v uint32) {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	w.Write(b)
}

func writeU64(w *metaWriter, order binary.ByteOrder, v uint64) {
	b := make([]byte, 8)
	order.PutUint64(b, v)
	w.Write(b)
}

func writeI32(w *metaWriter, order binary.ByteOrder, v int32) {
	writeU32(w, order, uint32(v))
}

// Finalize serializes the whole staged tree and writes the completed image
// to dest. It must be called exactly once, after Pack.
//
// The inode and directory tables are built in two passes instead of the
// iterative fixpoint convergence the pre-adaptation version of this file
// used: the first pass (local coordinates, base 0) both discovers every
// file's on-disk layout -- writing data and fragment blocks for real via
// the block processor and fragment builder -- and establishes the exact
// byte length the framed inode and directory tables will occupy, which fixes
// the table start offsets stored in the superblock. The second pass re-walks
// the identical tree, again with base 0 since references inside the inode
// and directory tables are relative to each table's start. Table content
// depends only on already-fixed block/fragment placement, so the two passes
// produce byte-identical framed streams, with no need to detect convergence.
// The block processor's workers are shut down only after the last fragment
// block has been flushed through them.
func (w *Writer) Finalize() (*Stats, error) {
	order := binary.LittleEndian

	imw1 := newMetaWriter(w.comp, w.level, 0)
	dmw1 := newMetaWriter(w.comp, w.level, 0)
	if _, err := w.serializeNode(false, w.root, imw1, dmw1, order); err != nil {
		return nil, err
	}
	if err := imw1.Flush(); err != nil {
		return nil, err
	}
	if err := dmw1.Flush(); err != nil {
		return nil, err
	}
	if err := w.frag.flush(w.out); err != nil {
		return nil, err
	}
	w.bp.Close()

	dataEnd, err := w.out.Tell()
	if err != nil {
		return nil, err
	}
	w.inodeTableStart = uint64(dataEnd)
	w.dirTableStart = w.inodeTableStart + uint64(imw1.Len())

	imw2 := newMetaWriter(w.comp, w.level, 0)
	dmw2 := newMetaWriter(w.comp, w.level, 0)
	rootRef, err := w.serializeNode(true, w.root, imw2, dmw2, order)
	if err != nil {
		return nil, err
	}
	if err := imw2.Flush(); err != nil {
		return nil, err
	}
	if err := dmw2.Flush(); err != nil {
		return nil, err
	}

	if err := w.out.Write(imw2.Bytes()); err != nil {
		return nil, err
	}
	if err := w.out.Write(dmw2.Bytes()); err != nil {
		return nil, err
	}

	const noTable = uint64(0xFFFFFFFFFFFFFFFF)

	fragTableStart := noTable
	if w.frag.count() > 0 {
		fragTableStart, err = writeTable(w.out, w.comp, w.level, w.frag.bytes(order))
		if err != nil {
			return nil, err
		}
	}

	exportTableStart := noTable
	flags := SquashFlags(0)
	if w.exportable {
		exportTableStart, err = writeTable(w.out, w.comp, w.level, w.export.bytes(order))
		if err != nil {
			return nil, err
		}
		flags |= EXPORTABLE
	}

	idTableStart, err := writeTable(w.out, w.comp, w.level, w.ids.bytes(order))
	if err != nil {
		return nil, err
	}

	xattrIdTableStart := noTable
	if w.xattrs.count() > 0 {
		bodyBase, err := w.out.Tell()
		if err != nil {
			return nil, err
		}
		bodyRaw := w.xattrs.bodyBytes()
		bodyMW := newMetaWriter(w.comp, w.level, bodyBase)
		if _, err := bodyMW.Write(bodyRaw); err != nil {
			return nil, err
		}
		if err := bodyMW.Flush(); err != nil {
			return nil, err
		}
		if err := w.out.Write(bodyMW.Bytes()); err != nil {
			return nil, err
		}

		idListStart, err := writeTable(w.out, w.comp, w.level, w.xattrs.idTableBytes(order))
		if err != nil {
			return nil, err
		}

		// The 32-byte xattrIdTableHeader (see xattr.go) records everything
		// needed to find the body and the id-entry table-of-tables back
		// from a single XattrIdTableStart pointer: the body's physical
		// start and uncompressed length, the entry count, and the id
		// table's own pointer-list offset.
		headerPos, err := w.out.Tell()
		if err != nil {
			return nil, err
		}
		header := make([]byte, 32)
		order.PutUint64(header[0:], uint64(bodyBase))
		order.PutUint64(header[8:], uint64(len(bodyRaw)))
		order.PutUint32(header[16:], w.xattrs.count())
		order.PutUint64(header[24:], idListStart)
		if err := w.out.Write(header); err != nil {
			return nil, err
		}
		xattrIdTableStart = uint64(headerPos)
	}

	bytesUsed, err := w.out.Tell()
	if err != nil {
		return nil, err
	}

	sb := &Superblock{
		Magic:             squashMagic,
		InodeCnt:          w.nextInoSeq,
		ModTime:           w.modTime,
		BlockSize:         w.blockSize,
		FragCount:         w.frag.count(),
		Comp:              w.comp,
		BlockLog:          w.blockLog,
		Flags:             flags,
		IdCount:           uint16(len(w.ids.ids)),
		VMajor:            4,
		VMinor:            0,
		RootInode:         uint64(rootRef),
		BytesUsed:         uint64(bytesUsed),
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   w.inodeTableStart,
		DirTableStart:     w.dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}
	head, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if err := w.out.WriteAt(head, 0); err != nil {
		return nil, wrapErr(Io, "finalize", err)
	}

	if _, err := w.dest.Write(w.out.Bytes()); err != nil {
		return nil, wrapErr(Io, "finalize", err)
	}

	w.stats.BytesUsed = uint64(bytesUsed)
	return &w.stats, nil
}
