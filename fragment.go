package squashfs

import "encoding/binary"

// fragmentEntry is the 16-byte on-disk fragment table record: absolute
// offset of the (possibly compressed) fragment block, its on-disk size with
// bit 24 marking "stored uncompressed", and 4 bytes of padding.
type fragmentEntry struct {
	Start  uint64
	Size   uint32
	_      uint32
}

const fragUncompressedBit = 1 << 24

func (f fragmentEntry) marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, 16)
	order.PutUint64(buf[0:], f.Start)
	order.PutUint32(buf[8:], f.Size)
	return buf
}

func unmarshalFragmentEntry(buf []byte, order binary.ByteOrder) fragmentEntry {
	return fragmentEntry{
		Start: order.Uint64(buf[0:]),
		Size:  order.Uint32(buf[8:]),
	}
}

// readFragmentTable reads the sb.FragCount fragment entries pointed to by
// sb.FragTableStart, following the same indirect "table of tables"
// (index / 512 entries per meta-block) scheme as the id/export tables.
func (sb *Superblock) readFragmentTable() ([]fragmentEntry, error) {
	if sb.FragCount == 0 || sb.FragTableStart == 0xFFFFFFFFFFFFFFFF {
		return nil, nil
	}
	raw, err := sb.readTable(sb.FragTableStart, 16*int(sb.FragCount))
	if err != nil {
		return nil, err
	}
	out := make([]fragmentEntry, sb.FragCount)
	for i := range out {
		out[i] = unmarshalFragmentEntry(raw[i*16:], sb.order)
	}
	return out, nil
}

// fragmentBuilder accumulates small file tails into shared fragment blocks
// and deduplicates identical fragments by content signature, the same
// linear-search-by-signature strategy as the original block processor's
// frag_list/handle_fragment. Adding a tail to the fragment currently being
// accumulated never touches the worker pool -- it's just an append to
// fb.cur -- but once that block fills up and rotates out, the now-final
// block's compression is submitted to bp like any other data block, so
// fragment throughput shares the same parallelism regular file blocks get.
type fragmentBuilder struct {
	bp *BlockProcessor

	entries []fragmentEntry
	byKey   map[fragKey]fragHit // signature+len -> (fragment index, offset), for exact dedup

	cur     []byte // bytes accumulated into the current, not-yet-flushed block
	curSize uint32
}

type fragKey struct {
	sig uint64
	sz  int
}

type fragHit struct {
	idx    uint32
	offset uint32
}

func newFragmentBuilder(bp *BlockProcessor) *fragmentBuilder {
	return &fragmentBuilder{bp: bp, byKey: make(map[fragKey]fragHit)}
}

// add places data into a fragment, returning (fragmentIndex, offsetWithinFragment).
// A tail with the same size and signature as any earlier tail is
// deduplicated against it, whether that tail's fragment block has already
// been written out or is still being accumulated. dup reports whether this call was served by that dedup rather than
// actually appending bytes, for Writer.Stats.FragDup.
func (fb *fragmentBuilder) add(w blockFileWriter, data []byte) (idx, offset uint32, dup bool, err error) {
	key := fragKey{sig: signatureOf(data), sz: len(data)}
	if hit, ok := fb.byKey[key]; ok {
		return hit.idx, hit.offset, true, nil
	}

	if len(fb.cur)+len(data) > int(blockSizeHint) {
		if err := fb.flush(w); err != nil {
			return 0, 0, false, err
		}
	}

	offset = uint32(len(fb.cur))
	fb.cur = append(fb.cur, data...)
	idx = uint32(len(fb.entries))
	fb.byKey[key] = fragHit{idx: idx, offset: offset}
	return idx, offset, false, nil
}

// blockSizeHint bounds how large a fragment block may grow before it is
// flushed; set by the writer to the image's configured block size.
var blockSizeHint uint32 = 131072

// flush rotates the fragment block currently being accumulated out to
// disk: its compression is submitted to the block processor's worker
// queue exactly like a regular data block, rather than run synchronously
// here, so a burst of small-file tails doesn't serialize on whichever
// goroutine happens to trigger the rotation.
func (fb *fragmentBuilder) flush(w blockFileWriter) error {
	if len(fb.cur) == 0 {
		return nil
	}
	start, err := w.Tell()
	if err != nil {
		return err
	}

	compressed, uncompressed := fb.bp.CompressFragment(fb.cur)
	var size uint32
	if uncompressed {
		if err := w.Write(compressed); err != nil {
			return err
		}
		size = uint32(len(compressed)) | fragUncompressedBit
	} else {
		if err := w.Write(compressed); err != nil {
			return err
		}
		size = uint32(len(compressed))
	}

	fb.entries = append(fb.entries, fragmentEntry{Start: uint64(start), Size: size})
	fb.cur = nil
	return nil
}

func (fb *fragmentBuilder) bytes(order binary.ByteOrder) []byte {
	buf := make([]byte, 16*len(fb.entries))
	for i, e := range fb.entries {
		copy(buf[i*16:], e.marshal(order))
	}
	return buf
}

func (fb *fragmentBuilder) count() uint32 { return uint32(len(fb.entries)) }
