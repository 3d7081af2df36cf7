package squashfs

import "fmt"

// LZO has a registered handler, but both of its directions return an error:
// squashfs-tools itself ships LZO support only when built against the GPL
// liblzo2, and no pack example carries a pure-Go LZO implementation. Reading
// or writing an LZO-compressed image therefore fails with a CompressorError
// (the handler's error as wrapped by SquashComp.compress/decompress) rather
// than silently producing corrupt data.
func init() {
	RegisterCompHandler(LZO, &CompHandler{
		Compress: func(in []byte, level int) ([]byte, error) {
			return nil, fmt.Errorf("lzo compression not supported")
		},
		Decompress: func(in []byte) ([]byte, error) {
			return nil, fmt.Errorf("lzo decompression not supported")
		},
	})
}
