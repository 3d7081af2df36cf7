package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/sqfsgo/squashfs"
)

const usage = `sqfsdiff - compare two SquashFS images or directory trees

Usage:
  sqfsdiff [-O] [-P] [-T] <first> <second>

  -O   ignore ownership (uid/gid) differences
  -P   ignore permission differences
  -T   also compare modification times

<first> and <second> may each be a squashfs image file or a plain
directory; any mix is allowed.

Exit status: 0 if identical, 1 if different, 2 on error.
`

func main() {
	var flags squashfs.CompareFlags
	var args []string

	for _, a := range os.Args[1:] {
		switch a {
		case "-O":
			flags |= squashfs.CompareNoOwner
		case "-P":
			flags |= squashfs.CompareNoPerm
		case "-T":
			flags |= squashfs.CompareTimestamp
		case "-h", "--help":
			fmt.Print(usage)
			os.Exit(0)
		default:
			args = append(args, a)
		}
	}

	if len(args) != 2 {
		fmt.Print(usage)
		os.Exit(2)
	}

	a, closeA, err := openTree(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdiff: %s: %s\n", args[0], err)
		os.Exit(2)
	}
	defer closeA()

	b, closeB, err := openTree(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdiff: %s: %s\n", args[1], err)
		os.Exit(2)
	}
	defer closeB()

	diffs, err := squashfs.CompareTrees(a, b, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdiff: %s\n", err)
		os.Exit(2)
	}

	for _, d := range diffs {
		fmt.Println(d.String())
	}

	if len(diffs) > 0 {
		os.Exit(1)
	}
}

// openTree opens path as a directory tree or a squashfs image, depending on
// what it actually is, returning a close func that is a no-op for a plain
// directory.
func openTree(path string) (fs.FS, func(), error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if st.IsDir() {
		return squashfs.NewOSDirFS(path), func() {}, nil
	}

	sqfs, err := squashfs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return sqfs, func() { sqfs.Close() }, nil
}
