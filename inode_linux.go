//go:build fuse

package squashfs

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

func (i *Inode) FillAttr(attr *fuse.Attr) error {
	attr.Size = i.Size
	attr.Blocks = uint64(len(i.Blocks)) + 1
	attr.Mode = ModeToUnix(i.Mode())
	attr.Nlink = i.NLink
	attr.Rdev = i.Rdev
	attr.Blksize = i.sb.BlockSize
	attr.Atime = uint64(i.ModTime)
	attr.Mtime = uint64(i.ModTime)
	attr.Ctime = uint64(i.ModTime)

	if uid, err := i.sb.ResolveID(i.UidIdx); err == nil {
		attr.Owner.Uid = uid
	}
	if gid, err := i.sb.ResolveID(i.GidIdx); err == nil {
		attr.Owner.Gid = gid
	}
	return nil
}
