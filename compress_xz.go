//go:build xz

package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

func xzCompress(in []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	cfg := xz.WriterConfig{}
	w, err := cfg.NewWriter(&out)
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
	RegisterCompHandler(XZ, &CompHandler{
		Compress: xzCompress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			rc, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		}),
	})
}
