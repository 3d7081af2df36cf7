//go:build lz4

package squashfs

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

func lz4Compress(in []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if level > 0 {
		w.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(level)))
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

func init() {
	RegisterCompHandler(LZ4, &CompHandler{
		Compress: lz4Compress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		}),
	})
}
