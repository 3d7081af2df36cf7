package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// SquashFS GZip blocks are raw DEFLATE streams, not gzip- or zlib-framed, so
// we use klauspost/compress/flate directly instead of compress/gzip (which
// would add a member header no squashfs reader expects) or compress/zlib.
func gzipCompress(in []byte, level int) ([]byte, error) {
	if level == 0 {
		level = flate.DefaultCompression
	}
	var out bytes.Buffer
	w, err := flate.NewWriter(&out, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func gzipDecompress(in []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
	return io.ReadAll(r)
}

type gzipEncoder struct {
	level int
}

func (e gzipEncoder) Compress(in []byte) ([]byte, error) {
	return gzipCompress(in, e.level)
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Compress:   gzipCompress,
		Decompress: gzipDecompress,
		NewEncoder: func(level int) (Encoder, error) {
			return gzipEncoder{level: level}, nil
		},
	})
}
