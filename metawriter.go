package squashfs

import (
	"bytes"
	"encoding/binary"
)

// metaBlockSize is the fixed uncompressed size of a squashfs metadata block.
const metaBlockSize = 8192

// metaPos identifies a location inside a metadata stream: the offset of the
// metadata block holding the record, counted from the metaWriter's base, and
// the byte offset of the record within that block's *uncompressed* contents.
// inodeRef encodes this pair, and DirIndexEntry.Start holds its block part.
type metaPos struct {
	Block  int64
	Offset uint16
}

// metaWriter accumulates records into metaBlockSize-byte chunks, compressing
// each full chunk (or a final partial one when flushed) and prefixing it
// with the 2-byte size/uncompressed-flag header. Records are never padded to
// a block boundary, so a single record may straddle two physical blocks;
// callers needing a stable reference to a not-yet-flushed position call
// Pos() before writing.
type metaWriter struct {
	comp  SquashComp
	level int

	out     *bytes.Buffer // sealed, already-framed blocks
	pending bytes.Buffer  // unsealed bytes of the current block
	base    int64         // byte offset `out` will occupy once embedded in the image
}

func newMetaWriter(comp SquashComp, level int, base int64) *metaWriter {
	return &metaWriter{comp: comp, level: level, out: &bytes.Buffer{}, base: base}
}

// Pos returns the position a subsequent Write call's first byte will land
// at, to be captured before writing a directory/inode record so it can be
// referenced by an inodeRef or DirIndexEntry.
func (w *metaWriter) Pos() metaPos {
	return metaPos{Block: w.base + int64(w.out.Len()), Offset: uint16(w.pending.Len())}
}

func (w *metaWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		room := metaBlockSize - w.pending.Len()
		chunk := p
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		wn, _ := w.pending.Write(chunk)
		n += wn
		p = p[wn:]
		if w.pending.Len() == metaBlockSize {
			if err := w.flushBlock(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (w *metaWriter) flushBlock() error {
	if w.pending.Len() == 0 {
		return nil
	}
	raw := append([]byte(nil), w.pending.Bytes()...)
	w.pending.Reset()

	compressed, err := w.comp.compress(raw, w.level)
	header := make([]byte, 2)
	var payload []byte
	if err != nil || compressed == nil || len(compressed) >= len(raw) {
		// store uncompressed: either compression failed, or gained nothing.
		binary.LittleEndian.PutUint16(header, uint16(len(raw))|0x8000)
		payload = raw
	} else {
		binary.LittleEndian.PutUint16(header, uint16(len(compressed)))
		payload = compressed
	}

	w.out.Write(header)
	w.out.Write(payload)
	return nil
}

// Flush seals any partial final block. After Flush, Bytes() is the complete
// framed stream ready to be embedded in the image.
func (w *metaWriter) Flush() error {
	return w.flushBlock()
}

func (w *metaWriter) Bytes() []byte {
	return w.out.Bytes()
}

func (w *metaWriter) Len() int64 {
	return int64(w.out.Len())
}
