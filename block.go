package squashfs

import "hash/crc32"

// blockFlags classifies a unit of work submitted to the block processor.
type blockFlags uint32

const (
	blockFlagDontCompress blockFlags = 1 << iota
	// blockFlagIsFragment marks a rotated-out fragment block submitted to
	// the worker pool via BlockProcessor.CompressFragment: it never enters
	// the block-run dedup history, so its signature is never computed.
	blockFlagIsFragment
)

// block is one unit of work handed to the processor: either a fixed-size
// data block belonging to a file, or a rotated-out fragment block holding
// packed file tails. seq orders blocks back into submission order regardless of which
// worker finishes them first.
type block struct {
	seq   uint64
	flags blockFlags
	data  []byte

	// set once processed
	compressed   []byte
	uncompressed bool
	signature    uint64
	err          error
}

// signatureOf returns the block-run deduplication signature of data: its
// length in the upper 32 bits and its crc32 in the lower 32. Signatures are
// compared without a full byte comparison (a crc32+size collision across
// real file data is treated as a genuine duplicate, same as upstream
// squashfs-tools).
func signatureOf(data []byte) uint64 {
	sum := crc32.ChecksumIEEE(data)
	return uint64(len(data))<<32 | uint64(sum)
}
