package squashfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
)

// CompareFlags controls what a tree comparison checks, mirroring the
// difftool's compare_flags bitmask: by default everything is compared, and
// each bit turns one check off (or, for CompareTimestamp and
// CompareInodeNum, on).
type CompareFlags uint32

const (
	CompareNoPerm      CompareFlags = 1 << iota // skip permission bit comparison
	CompareNoOwner                              // skip uid/gid comparison
	CompareNoContents                           // skip file content comparison
	CompareTimestamp                            // also compare mtime (off by default)
	CompareInodeNum                             // also compare inode numbers (off by default)
)

func (f CompareFlags) has(bit CompareFlags) bool {
	return f&bit != 0
}

// maxCompareWindow bounds how much of two files is read into memory at once
// while comparing contents.
const maxCompareWindow = 4 * 1024 * 1024

// DiffKind classifies one reported difference between two trees.
type DiffKind int

const (
	DiffMissingA DiffKind = iota // present in b, missing in a
	DiffMissingB                 // present in a, missing in b
	DiffType                     // differing file type (dir vs file vs symlink ...)
	DiffPerm
	DiffOwner
	DiffSize
	DiffContents
	DiffModTime
	DiffInode
	DiffSymlink
)

func (k DiffKind) String() string {
	switch k {
	case DiffMissingA:
		return "missing in first tree"
	case DiffMissingB:
		return "missing in second tree"
	case DiffType:
		return "type mismatch"
	case DiffPerm:
		return "permission mismatch"
	case DiffOwner:
		return "owner mismatch"
	case DiffSize:
		return "size mismatch"
	case DiffContents:
		return "content mismatch"
	case DiffModTime:
		return "mtime mismatch"
	case DiffInode:
		return "inode number mismatch"
	case DiffSymlink:
		return "symlink target mismatch"
	default:
		return "unknown"
	}
}

// Difference describes a single mismatch found between two trees at path.
type Difference struct {
	Path string
	Kind DiffKind
	Want string // value on the second tree, if applicable
	Got  string // value on the first tree, if applicable
}

func (d Difference) String() string {
	if d.Want == "" && d.Got == "" {
		return fmt.Sprintf("%s: %s", d.Path, d.Kind)
	}
	return fmt.Sprintf("%s: %s (%s != %s)", d.Path, d.Kind, d.Got, d.Want)
}

// CompareTrees walks two fs.FS trees rooted at "." in lock-step, the same
// way node_compare walks two fstree_t trees, and reports every difference
// found. Either side may be an os.DirFS, a *Superblock, or any other fs.FS;
// the comparison only relies on fs.FS/fs.FileInfo, so the backing storage
// (mmap'd directory, or squashfs metadata/data blocks) is irrelevant to it.
//
// A returned error means the comparison itself failed (a read error, a
// directory that could not be listed); it is not used to report that the
// trees differ. Differences are reported in the returned slice instead.
func CompareTrees(a, b fs.FS, flags CompareFlags) ([]Difference, error) {
	var out []Difference
	if err := compareDir(a, b, ".", flags, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// compareDir is the directory-entry half of the contract split out by
// difftool.h into compare_dir_entries + node_compare: list both sides,
// walk the merged, sorted name set, and recurse into common subdirectories.
func compareDir(a, b fs.FS, dir string, flags CompareFlags, out *[]Difference) error {
	aEntries, err := fs.ReadDir(a, dir)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	bEntries, err := fs.ReadDir(b, dir)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}

	aByName := make(map[string]fs.DirEntry, len(aEntries))
	for _, e := range aEntries {
		aByName[e.Name()] = e
	}
	bByName := make(map[string]fs.DirEntry, len(bEntries))
	for _, e := range bEntries {
		bByName[e.Name()] = e
	}

	names := make(map[string]struct{}, len(aEntries)+len(bEntries))
	for n := range aByName {
		names[n] = struct{}{}
	}
	for n := range bByName {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		p := path.Join(dir, name)
		ae, aok := aByName[name]
		be, bok := bByName[name]

		switch {
		case !aok:
			*out = append(*out, Difference{Path: p, Kind: DiffMissingA})
			continue
		case !bok:
			*out = append(*out, Difference{Path: p, Kind: DiffMissingB})
			continue
		}

		if err := compareNode(a, b, p, ae, be, flags, out); err != nil {
			return err
		}
	}
	return nil
}

// compareNode is node_compare: compare one matched pair of entries by type,
// then metadata, then (for regular files) contents, recursing for dirs.
func compareNode(a, b fs.FS, p string, ae, be fs.DirEntry, flags CompareFlags, out *[]Difference) error {
	aInfo, err := ae.Info()
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	bInfo, err := be.Info()
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}

	aType := aInfo.Mode().Type()
	bType := bInfo.Mode().Type()
	if aType != bType {
		*out = append(*out, Difference{
			Path: p, Kind: DiffType,
			Got: aType.String(), Want: bType.String(),
		})
		// Types differ; nothing else about these two nodes is comparable.
		return nil
	}

	compareMetadata(a, b, p, aInfo, bInfo, flags, out)

	switch {
	case aInfo.IsDir():
		return compareDir(a, b, p, flags, out)
	case aType&fs.ModeSymlink != 0:
		return compareSymlink(a, b, p, out)
	case aInfo.Mode().IsRegular():
		return compareContents(a, b, p, aInfo.Size(), bInfo.Size(), flags, out)
	default:
		// device, socket, fifo: type equality already checked above.
		return nil
	}
}

func compareMetadata(a, b fs.FS, p string, aInfo, bInfo fs.FileInfo, flags CompareFlags, out *[]Difference) {
	if !flags.has(CompareNoPerm) {
		aPerm := aInfo.Mode().Perm()
		bPerm := bInfo.Mode().Perm()
		if aPerm != bPerm {
			*out = append(*out, Difference{
				Path: p, Kind: DiffPerm,
				Got: aPerm.String(), Want: bPerm.String(),
			})
		}
	}

	if !flags.has(CompareNoOwner) {
		aUid, aGid, aok := owner(a, aInfo, p)
		bUid, bGid, bok := owner(b, bInfo, p)
		if aok && bok && (aUid != bUid || aGid != bGid) {
			*out = append(*out, Difference{
				Path: p, Kind: DiffOwner,
				Got:  fmt.Sprintf("%d:%d", aUid, aGid),
				Want: fmt.Sprintf("%d:%d", bUid, bGid),
			})
		}
	}

	if flags.has(CompareTimestamp) {
		aT := aInfo.ModTime()
		bT := bInfo.ModTime()
		if !aT.Equal(bT) {
			*out = append(*out, Difference{
				Path: p, Kind: DiffModTime,
				Got: aT.String(), Want: bT.String(),
			})
		}
	}

	if flags.has(CompareInodeNum) {
		aIno, aok := inodeNumberOf(aInfo)
		bIno, bok := inodeNumberOf(bInfo)
		if aok && bok && aIno != bIno {
			*out = append(*out, Difference{
				Path: p, Kind: DiffInode,
				Got: fmt.Sprintf("%d", aIno), Want: fmt.Sprintf("%d", bIno),
			})
		}
	}
}

// owner reports the uid/gid backing path p on fsys, preferring the OwnerFS
// optional interface (which *Superblock implements by resolving through the
// id table) and falling back to the raw *syscall.Stat_t an os.DirFS file's
// Sys() carries.
func owner(fsys fs.FS, fi fs.FileInfo, p string) (uid, gid uint32, ok bool) {
	if of, isOwner := fsys.(OwnerFS); isOwner {
		if u, g, err := of.Owner(p); err == nil {
			return u, g, true
		}
	}
	if s, isStat := fi.Sys().(*syscall.Stat_t); isStat {
		return s.Uid, s.Gid, true
	}
	return 0, 0, false
}

func inodeNumberOf(fi fs.FileInfo) (ino uint64, ok bool) {
	switch s := fi.Sys().(type) {
	case *Inode:
		return uint64(s.Ino), true
	case *syscall.Stat_t:
		return s.Ino, true
	default:
		return 0, false
	}
}

func compareSymlink(a, b fs.FS, p string, out *[]Difference) error {
	aTarget, err := readLink(a, p)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	bTarget, err := readLink(b, p)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	if aTarget != bTarget {
		*out = append(*out, Difference{Path: p, Kind: DiffSymlink, Got: aTarget, Want: bTarget})
	}
	return nil
}

// readLink reports the symlink target at path p on fsys, via the ReadLinkFS
// optional interface writer.go already defines for the pack path (*Superblock
// and OSDirFS both implement it).
func readLink(fsys fs.FS, p string) (string, error) {
	rl, ok := fsys.(ReadLinkFS)
	if !ok {
		return "", fmt.Errorf("compare: %T does not support reading symlinks", fsys)
	}
	return rl.ReadLink(p)
}

// OSDirFS wraps a real directory tree the same way os.DirFS does, but also
// implements ReadLinkFS and OwnerFS so CompareTrees can check symlink
// targets and ownership on a real filesystem side of the comparison --
// the fscompare CLI's counterpart to comparing two squashfs images.
type OSDirFS struct {
	fs.FS
	root string
}

// NewOSDirFS returns an fs.FS rooted at dir, usable on either side of
// CompareTrees.
func NewOSDirFS(dir string) OSDirFS {
	return OSDirFS{FS: os.DirFS(dir), root: dir}
}

func (o OSDirFS) ReadLink(name string) (string, error) {
	return os.Readlink(filepath.Join(o.root, name))
}

func (o OSDirFS) Owner(name string) (uid, gid uint32, err error) {
	fi, err := os.Lstat(filepath.Join(o.root, name))
	if err != nil {
		return 0, 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("compare: owner information unavailable on this platform")
	}
	return st.Uid, st.Gid, nil
}

// compareContents is compare_files: a size check first, then a windowed
// byte-for-byte comparison, same contract whether the backing reader is a
// real file (compare_file.c, mmap) or a squashfs data_reader
// (compare_files_sqfs.c) -- io.Reader already erases that distinction.
func compareContents(a, b fs.FS, p string, aSize, bSize int64, flags CompareFlags, out *[]Difference) error {
	if aSize != bSize {
		*out = append(*out, Difference{
			Path: p, Kind: DiffSize,
			Got: fmt.Sprintf("%d", aSize), Want: fmt.Sprintf("%d", bSize),
		})
		return nil
	}
	if flags.has(CompareNoContents) {
		return nil
	}

	af, err := a.Open(p)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	defer af.Close()
	bf, err := b.Open(p)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	defer bf.Close()

	equal, err := contentsEqual(af, bf, aSize)
	if err != nil {
		return wrapErr(Io, "CompareTrees", err)
	}
	if !equal {
		*out = append(*out, Difference{Path: p, Kind: DiffContents})
	}
	return nil
}

func contentsEqual(a, b io.Reader, size int64) (bool, error) {
	windowSize := int64(maxCompareWindow)
	if size < windowSize {
		windowSize = size
	}
	if windowSize == 0 {
		return true, nil
	}

	abuf := make([]byte, windowSize)
	bbuf := make([]byte, windowSize)

	for remaining := size; remaining > 0; {
		n := int64(len(abuf))
		if remaining < n {
			n = remaining
		}

		if _, err := io.ReadFull(a, abuf[:n]); err != nil {
			return false, err
		}
		if _, err := io.ReadFull(b, bbuf[:n]); err != nil {
			return false, err
		}
		for i := int64(0); i < n; i++ {
			if abuf[i] != bbuf[i] {
				return false, nil
			}
		}
		remaining -= n
	}
	return true, nil
}
