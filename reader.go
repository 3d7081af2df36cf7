package squashfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"strings"
)

// maxIndirections bounds how many ".." hops and symlink dereferences
// FindInode will follow before giving up, the same loop-defense limit the
// kernel applies to symlink chains.
const maxIndirections = 40

// FindInode resolves a slash-separated path to its Inode starting from the
// root, unlike the fs.FS-facing Open/Stat it is not restricted to
// fs.ValidPath names: ".." walks up via the parent inode recorded on each
// directory, and, when followSymlinks is true, symlink targets are
// dereferenced along the way. A path that requires more than
// maxIndirections hops is rejected with ErrTooManySymlinks.
func (sb *Superblock) FindInode(name string, followSymlinks bool) (*Inode, error) {
	cur := sb.rootIno
	indirections := 0

	for _, seg := range strings.Split(strings.Trim(name, "/"), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			indirections++
			if indirections > maxIndirections {
				return nil, ErrTooManySymlinks
			}
			if cur.ParentIno == 0 {
				continue
			}
			parent, err := sb.GetInode(uint64(cur.ParentIno))
			if err != nil {
				return nil, err
			}
			cur = parent
			continue
		}

		next, err := cur.LookupRelativeInode(context.Background(), seg)
		if err != nil {
			return nil, err
		}

		for followSymlinks && (next.Type == 3 || next.Type == 10) {
			indirections++
			if indirections > maxIndirections {
				return nil, ErrTooManySymlinks
			}
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}
			resolved, err := sb.FindInode(string(target), true)
			if err != nil {
				return nil, err
			}
			next = resolved
		}

		cur = next
	}

	return cur, nil
}

// Open opens the SquashFS image at path and parses its superblock, also
// resolving the root inode so the returned *Superblock can immediately be
// used as an fs.FS. The caller is responsible for calling Close.
func Open(path string, opts ...Option) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErr(Io, "open", err)
	}

	sb, err := NewWithOptions(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f

	if err := sb.loadRoot(); err != nil {
		f.Close()
		return nil, err
	}

	return sb, nil
}

// loadRoot resolves and caches the root inode referenced by sb.RootInode,
// and records the inode number it was assigned on disk so GetInode(1) can
// be answered without a table lookup (inode #1 is how fs.FS callers spell
// "the root", which on-disk may be any inode number).
func (sb *Superblock) loadRoot() error {
	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)
	sb.setInodeRefCache(root.Ino, inodeRef(sb.RootInode))
	return nil
}

// Close releases the underlying file, if Open (rather than New) was used to
// create this Superblock.
func (sb *Superblock) Close() error {
	if sb.closer == nil {
		return nil
	}
	return sb.closer.Close()
}

// --- io/fs.FS ---

var _ fs.FS = (*Superblock)(nil)
var _ fs.StatFS = (*Superblock)(nil)
var _ fs.ReadDirFS = (*Superblock)(nil)
var _ fs.ReadFileFS = (*Superblock)(nil)
var _ ReadLinkFS = (*Superblock)(nil)
var _ OwnerFS = (*Superblock)(nil)

func (sb *Superblock) resolve(name string) (*Inode, error) {
	if name == "." || name == "" {
		return sb.rootIno, nil
	}
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.rootIno.LookupRelativeInodePath(context.Background(), name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino, nil
}

func (sb *Superblock) Open(name string) (fs.File, error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return nil, err
	}
	return ino.OpenFile(name), nil
}

func (sb *Superblock) Stat(name string) (fs.FileInfo, error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: name, ino: ino}, nil
}

func (sb *Superblock) ReadDir(name string) ([]fs.DirEntry, error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	dr, err := sb.dirReader(ino, nil)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(-1)
}

// ReadDirInode lists the directory entries of an already-resolved Inode,
// for callers (the FUSE front end) that reached it by inode lookup rather
// than by path.
func (sb *Superblock) ReadDirInode(ino *Inode) ([]fs.DirEntry, error) {
	if !ino.IsDir() {
		return nil, ErrNotDirectory
	}
	dr, err := sb.dirReader(ino, nil)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(-1)
}

func (sb *Superblock) ReadFile(name string) ([]byte, error) {
	f, err := sb.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := f.(interface {
		ReadAt(p []byte, off int64) (int, error)
	}).ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, err
	}
	return buf, nil
}

// Lstat is Stat without following a final symlink: the returned FileInfo
// describes the symlink itself.
func (sb *Superblock) Lstat(name string) (fs.FileInfo, error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: name, ino: ino}, nil
}

// ReadLink reports the target of the symlink at name, satisfying
// ReadLinkFS so a *Superblock can be used directly as either side of
// CompareTrees.
func (sb *Superblock) ReadLink(name string) (string, error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return "", err
	}
	target, err := ino.Readlink()
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return string(target), nil
}

// Owner reports the numeric uid/gid of the inode at name, resolved through
// the id table, satisfying OwnerFS.
func (sb *Superblock) Owner(name string) (uid, gid uint32, err error) {
	ino, err := sb.resolve(name)
	if err != nil {
		return 0, 0, err
	}
	return ino.GetUid(), ino.GetGid(), nil
}

// squashfsTypeToMode converts an on-disk inode Type (basic or extended) to
// an fs.FileMode holding only the type bits, used by the FUSE front end
// (inode_fuse.go) when filling in struct stat-equivalent attributes.
func squashfsTypeToMode(t uint16) fs.FileMode {
	return Type(t).Mode()
}
