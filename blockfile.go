package squashfs

import "io"

// blockFileWriter is the block-backed file capability the writer's staging
// area is built on: an addressable, growable byte container exposing
// write_at (sequential Write plus random-access WriteAt), read_at, size and
// truncate. The block-run dedup rollback path in BlockProcessor.ProcessFile
// depends on Truncate to undo a speculative write once a matching earlier
// run is found; everything else only needs the sequential Write/Tell pair.
type blockFileWriter interface {
	// Write appends p at the current offset, advancing it.
	Write(p []byte) error
	// WriteAt overwrites len(p) bytes at an arbitrary offset without
	// touching the current write offset; off+len(p) may exceed Size(),
	// growing the container.
	WriteAt(p []byte, off int64) error
	// ReadAt reads len(p) bytes starting at off without touching the
	// current write offset.
	ReadAt(p []byte, off int64) (int, error)
	// Tell reports the current write offset.
	Tell() (int64, error)
	// Size reports the container's current length.
	Size() int64
	// Truncate cuts the container back to size bytes, discarding anything
	// written beyond it. The write offset is pulled back to size if it
	// currently exceeds it.
	Truncate(size int64) error
	// Bytes exposes the whole container's current contents, for the final
	// copy to the real destination once the image is fully staged.
	Bytes() []byte
}

// memBlockFile is a growable in-memory implementation of blockFileWriter.
// writerseeker.WriterSeeker (used by an earlier revision of this file) only
// appends and seeks; it has no way to shrink, so it can't back the dedup
// rollback path. A plain growable []byte gives write_at/read_at/truncate/
// size directly, at the same memory-residency cost the writerseeker-backed
// version already paid.
type memBlockFile struct {
	buf []byte
	off int64
}

func newInMemoryBlockFile() blockFileWriter {
	return &memBlockFile{}
}

func (m *memBlockFile) grow(end int64) {
	if end <= int64(len(m.buf)) {
		return
	}
	grown := make([]byte, end)
	copy(grown, m.buf)
	m.buf = grown
}

func (m *memBlockFile) Write(p []byte) error {
	end := m.off + int64(len(p))
	m.grow(end)
	copy(m.buf[m.off:end], p)
	m.off = end
	return nil
}

func (m *memBlockFile) WriteAt(p []byte, off int64) error {
	if off < 0 {
		return wrapErr(OutOfBounds, "write-at", ErrInvalidFile)
	}
	end := off + int64(len(p))
	m.grow(end)
	copy(m.buf[off:end], p)
	return nil
}

func (m *memBlockFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBlockFile) Tell() (int64, error) { return m.off, nil }

func (m *memBlockFile) Size() int64 { return int64(len(m.buf)) }

func (m *memBlockFile) Truncate(size int64) error {
	if size < 0 {
		return wrapErr(OutOfBounds, "truncate", ErrInvalidFile)
	}
	if size < int64(len(m.buf)) {
		m.buf = m.buf[:size]
	} else {
		m.grow(size)
	}
	if m.off > size {
		m.off = size
	}
	return nil
}

// Bytes exposes the whole staged buffer for the single final copy to dest
// in Writer.Finalize.
func (m *memBlockFile) Bytes() []byte { return m.buf }
