package squashfs

import "testing"

// TestBlockDedupRollback exercises ProcessFile's block-run dedup path
// directly: a second file whose blocks are byte-for-byte identical to an
// earlier one must be detected via findRun, have its speculative write
// truncated back out, and be reported as reusing the earlier file's
// start_block instead of getting a fresh one.
func TestBlockDedupRollback(t *testing.T) {
	w := newInMemoryBlockFile()
	bp := NewBlockProcessor(w, GZip, 0, 1)

	blockA := repeatBytes(128, 0xaa)
	blockB := repeatBytes(128, 0xbb)

	firstStart, firstLocs, firstDup, err := bp.ProcessFile([][]byte{blockA, blockB}, nil, false)
	if err != nil {
		t.Fatalf("ProcessFile (first) failed: %s", err)
	}
	if firstDup != 0 {
		t.Fatalf("expected no dedup on first file, got dup=%d", firstDup)
	}
	sizeAfterFirst := w.Size()

	secondStart, secondLocs, secondDup, err := bp.ProcessFile([][]byte{repeatBytes(128, 0xaa), repeatBytes(128, 0xbb)}, nil, false)
	if err != nil {
		t.Fatalf("ProcessFile (second, identical) failed: %s", err)
	}
	if secondDup != 2 {
		t.Fatalf("expected both blocks deduplicated, got dup=%d", secondDup)
	}
	if secondStart != firstStart {
		t.Fatalf("expected reused start_block %d, got %d", firstStart, secondStart)
	}
	for i := range firstLocs {
		if secondLocs[i] != firstLocs[i] {
			t.Fatalf("location %d not reused: %+v vs %+v", i, secondLocs[i], firstLocs[i])
		}
	}
	if w.Size() != sizeAfterFirst {
		t.Fatalf("expected output truncated back to %d bytes, got %d", sizeAfterFirst, w.Size())
	}

	thirdStart, _, thirdDup, err := bp.ProcessFile([][]byte{repeatBytes(128, 0xcc)}, nil, false)
	if err != nil {
		t.Fatalf("ProcessFile (third, distinct) failed: %s", err)
	}
	if thirdDup != 0 {
		t.Fatalf("expected no dedup for distinct content, got dup=%d", thirdDup)
	}
	if thirdStart != uint64(sizeAfterFirst) {
		t.Fatalf("expected third file appended at %d, got %d", sizeAfterFirst, thirdStart)
	}

	bp.Close()
}

// TestBlockDedupSuppressed checks that noDedup disables the whole-run scan
// even when an identical earlier run exists.
func TestBlockDedupSuppressed(t *testing.T) {
	w := newInMemoryBlockFile()
	bp := NewBlockProcessor(w, GZip, 0, 1)

	data := repeatBytes(64, 0x11)
	if _, _, _, err := bp.ProcessFile([][]byte{data}, nil, false); err != nil {
		t.Fatalf("ProcessFile (first) failed: %s", err)
	}
	sizeAfterFirst := w.Size()

	_, _, dup, err := bp.ProcessFile([][]byte{repeatBytes(64, 0x11)}, nil, true)
	if err != nil {
		t.Fatalf("ProcessFile (second, noDedup) failed: %s", err)
	}
	if dup != 0 {
		t.Fatalf("expected dedup suppressed, got dup=%d", dup)
	}
	if w.Size() == sizeAfterFirst {
		t.Fatalf("expected second file's bytes to remain written, size unchanged at %d", w.Size())
	}

	bp.Close()
}

// TestBlockSparse verifies sparse blocks never reach the worker pool or the
// output file, and are recorded with a zero blockLocation.
func TestBlockSparse(t *testing.T) {
	w := newInMemoryBlockFile()
	bp := NewBlockProcessor(w, GZip, 0, 2)

	datas := [][]byte{repeatBytes(64, 0x01), nil, repeatBytes(64, 0x02)}
	sparse := []bool{false, true, false}

	_, locs, _, err := bp.ProcessFile(datas, sparse, true)
	if err != nil {
		t.Fatalf("ProcessFile failed: %s", err)
	}
	if locs[1] != (blockLocation{}) {
		t.Fatalf("expected sparse block to have zero location, got %+v", locs[1])
	}
	if locs[0].Size == 0 || locs[2].Size == 0 {
		t.Fatalf("expected non-sparse blocks to have nonzero size: %+v", locs)
	}

	bp.Close()
}

func repeatBytes(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
