package squashfs

import (
	"context"
	"io"
	"log"
	"path"
)

// TreeNode is a fully materialized node of a SquashFS image's directory
// tree, built by Walk. Unlike the lazy per-call Inode lookups LookupRelativeInode
// performs, Walk loads an entire subtree up front and defends against a
// corrupted image that encodes a cycle (a directory entry pointing back at
// one of its own ancestors), which the lazy path has no opportunity to
// detect since it never holds more than one inode's ancestry at a time.
type TreeNode struct {
	Name     string
	Inode    *Inode
	Parent   *TreeNode
	Children []*TreeNode
}

func (n *TreeNode) Path() string {
	if n.Parent == nil || n.Parent.Name == "" {
		return n.Name
	}
	return path.Join(n.Parent.Path(), n.Name)
}

// isAncestor reports whether candidate's inode number already appears among
// n's ancestors (inclusive of n itself), the cycle check performed before
// ever attaching a new child.
func isAncestor(n *TreeNode, inoNum uint32) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Inode != nil && cur.Inode.Ino == inoNum {
			return true
		}
	}
	return false
}

// Walk materializes the full directory tree rooted at root's inode,
// recursing into every subdirectory. Any directory entry whose target inode
// number already appears among its own ancestors is skipped and logged
// rather than followed, since a real filesystem tree can never legitimately
// contain a cycle and an image that claims to is corrupted or adversarial.
func (sb *Superblock) Walk(ctx context.Context) (*TreeNode, error) {
	root, err := sb.GetInode(1)
	if err != nil {
		return nil, err
	}
	node := &TreeNode{Inode: root}
	if err := sb.walkInto(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (sb *Superblock) walkInto(ctx context.Context, node *TreeNode) error {
	if !node.Inode.IsDir() {
		return nil
	}

	dr, err := sb.dirReader(node.Inode, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		name, inoR, err := dr.next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		child, err := sb.GetInodeRef(inoR)
		if err != nil {
			return err
		}

		if isAncestor(node, child.Ino) {
			log.Printf("squashfs: skipping cyclic entry %q under %q (inode %d already an ancestor)", name, node.Path(), child.Ino)
			continue
		}

		childNode := &TreeNode{Name: name, Inode: child, Parent: node}
		if child.IsDir() {
			if err := sb.walkInto(ctx, childNode); err != nil {
				return err
			}
		}
		node.Children = append(node.Children, childNode)
	}

	return nil
}
