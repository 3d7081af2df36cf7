//go:build zstd

package squashfs

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func zstdCompress(in []byte, level int) ([]byte, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(in, nil), nil
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Compress: zstdCompress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		}),
	})
}
