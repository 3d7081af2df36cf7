package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

type SquashComp uint16

const (
	GZip SquashComp = 1
	LZMA SquashComp = 2
	LZO  SquashComp = 3
	XZ   SquashComp = 4
	LZ4  SquashComp = 5
	ZSTD SquashComp = 6
)

func (s SquashComp) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("SquashComp(%d)", s)
}

// CompHandler binds a SquashComp id to the codec that can (de)compress its
// blocks. Compress receives a level (meaning is codec-specific, ignored by
// codecs without a level knob) and returns the compressed bytes whatever
// their size; callers store a block uncompressed when the result is nil or
// not smaller than the input.
type CompHandler struct {
	Compress   func(in []byte, level int) ([]byte, error)
	Decompress func(in []byte) ([]byte, error)

	// NewEncoder optionally returns a fresh, independent encoder state
	// (mirrors sqfs_compressor_t.create_copy). The block processor does not
	// use it: its workers all call SquashComp.compress, which goes through
	// Compress.
	NewEncoder func(level int) (Encoder, error)
}

// Encoder is a standalone compressor instance returned by newEncoder. No
// code in this package calls newEncoder; block-processor workers share the
// handler's Compress function.
type Encoder interface {
	Compress(in []byte) ([]byte, error)
}

var (
	compRegistryMu sync.RWMutex
	compRegistry   = map[SquashComp]*CompHandler{}
)

// RegisterCompHandler installs the codec implementation for a SquashComp id.
// Back ends call this from an init() func, gated behind their build tag, the
// way comp_zstd.go / comp_xz.go do in the original library.
func RegisterCompHandler(c SquashComp, h *CompHandler) {
	compRegistryMu.Lock()
	defer compRegistryMu.Unlock()
	compRegistry[c] = h
}

func lookupCompHandler(c SquashComp) (*CompHandler, error) {
	compRegistryMu.RLock()
	defer compRegistryMu.RUnlock()
	h, ok := compRegistry[c]
	if !ok {
		return nil, wrapErr(Unsupported, "compressor", fmt.Errorf("compressor %s not registered (missing build tag?)", c))
	}
	return h, nil
}

func (s SquashComp) decompress(buf []byte) ([]byte, error) {
	h, err := lookupCompHandler(s)
	if err != nil {
		return nil, err
	}
	out, err := h.Decompress(buf)
	if err != nil {
		return nil, wrapErr(CompressorError, "decompress", err)
	}
	return out, nil
}

func (s SquashComp) compress(buf []byte, level int) ([]byte, error) {
	h, err := lookupCompHandler(s)
	if err != nil {
		return nil, err
	}
	out, err := h.Compress(buf, level)
	if err != nil {
		return nil, wrapErr(CompressorError, "compress", err)
	}
	return out, nil
}

// newEncoder returns an Encoder for this compressor, falling back to the
// shared compress() call (wrapped in simpleEncoder) for codecs that do not
// provide NewEncoder.
func (s SquashComp) newEncoder(level int) (Encoder, error) {
	h, err := lookupCompHandler(s)
	if err != nil {
		return nil, err
	}
	if h.NewEncoder != nil {
		enc, err := h.NewEncoder(level)
		if err != nil {
			return nil, wrapErr(CompressorError, "new-encoder", err)
		}
		return enc, nil
	}
	return simpleEncoder{comp: s, level: level}, nil
}

type simpleEncoder struct {
	comp  SquashComp
	level int
}

func (e simpleEncoder) Compress(in []byte) ([]byte, error) {
	return e.comp.compress(in, e.level)
}

// MakeDecompressor adapts a func returning an io.ReadCloser into the plain
// []byte->[]byte signature CompHandler.Decompress expects.
func MakeDecompressor(f func(io.Reader) io.ReadCloser) func([]byte) ([]byte, error) {
	return MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
		return f(r), nil
	})
}

// MakeDecompressorErr is the error-propagating variant of MakeDecompressor,
// for codecs whose reader constructor can itself fail (xz, zstd).
func MakeDecompressorErr(f func(io.Reader) (io.ReadCloser, error)) func([]byte) ([]byte, error) {
	return func(in []byte) ([]byte, error) {
		rc, err := f(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
}
