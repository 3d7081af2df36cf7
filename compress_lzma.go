//go:build lzma

package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func lzmaCompress(in []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	w, err := lzma.NewWriter(&out)
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

func init() {
	RegisterCompHandler(LZMA, &CompHandler{
		Compress: lzmaCompress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			rc, err := lzma.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		}),
	})
}
