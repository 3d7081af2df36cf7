//go:build fuse

// Command sqfsmount mounts a SquashFS image read-only using FUSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sqfsgo/squashfs"
)

type sqfsRoot struct {
	fs.Inode
	sb  *squashfs.Superblock
	ino *squashfs.Inode
}

var _ fs.NodeGetattrer = (*sqfsRoot)(nil)
var _ fs.NodeLookuper = (*sqfsRoot)(nil)
var _ fs.NodeReaddirer = (*sqfsRoot)(nil)
var _ fs.NodeOpener = (*sqfsRoot)(nil)
var _ fs.NodeReader = (*sqfsRoot)(nil)

func (n *sqfsRoot) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = n.ino.Size
	out.Mode = squashfsModeBits(n.ino)
	return 0
}

func (n *sqfsRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := n.ino.LookupRelativeInode(ctx, name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	out.Mode = squashfsModeBits(child)
	out.Size = child.Size
	childNode := &sqfsRoot{sb: n.sb, ino: child}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: uint32(child.Mode())}), 0
}

func (n *sqfsRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.sb.ReadDirInode(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	var list []fuse.DirEntry
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, fuse.DirEntry{Name: e.Name(), Mode: uint32(info.Mode())})
	}
	return fs.NewListDirStream(list), 0
}

func (n *sqfsRoot) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *sqfsRoot) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nr, err := n.ino.ReadAt(dest, off)
	if err != nil && nr == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nr]), 0
}

func squashfsModeBits(ino *squashfs.Inode) uint32 {
	return squashfs.ModeToUnix(ino.Mode())
}

func main() {
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: sqfsmount <image> <mountpoint>")
		os.Exit(1)
	}

	sb, err := squashfs.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open: %s", err)
	}
	defer sb.Close()

	root, err := sb.GetInode(1)
	if err != nil {
		log.Fatalf("root inode: %s", err)
	}

	server, err := fs.Mount(flag.Arg(1), &sqfsRoot{sb: sb, ino: root}, &fs.Options{
		MountOptions: fuse.MountOptions{Debug: false, FsName: "squashfs", Name: "squashfs"},
	})
	if err != nil {
		log.Fatalf("mount: %s", err)
	}

	server.Wait()
}
