package git

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// treeNode is one directory of the index while it is being turned into trees.
type treeNode struct {
	files map[string]object.TreeEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{
		files: make(map[string]object.TreeEntry),
		dirs:  make(map[string]*treeNode),
	}
}

// stageMerged is the stage of an entry without conflicts. index.Merged is
// the first conflict stage, not this one.
const stageMerged index.Stage = 0

// writeTree stores one tree object per directory of idx and returns the hash
// of the root tree. Conflict stages are left out.
func writeTree(s storer.EncodedObjectStorer, idx *index.Index) (plumbing.Hash, error) {
	root := newTreeNode()
	for _, e := range idx.Entries {
		if e.Stage != stageMerged {
			continue
		}
		root.insert(strings.Split(e.Name, "/"), e)
	}
	return root.write(s)
}

func (n *treeNode) insert(parts []string, e *index.Entry) {
	if len(parts) == 1 {
		n.files[parts[0]] = object.TreeEntry{Name: parts[0], Mode: e.Mode, Hash: e.Hash}
		return
	}

	child, ok := n.dirs[parts[0]]
	if !ok {
		child = newTreeNode()
		n.dirs[parts[0]] = child
	}
	child.insert(parts[1:], e)
}

func (n *treeNode) write(s storer.EncodedObjectStorer) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.files)+len(n.dirs))
	for _, f := range n.files {
		entries = append(entries, f)
	}
	for name, dir := range n.dirs {
		h, err := dir.write(s)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}

	// git orders directories as if their name ended in "/"
	sort.Slice(entries, func(i, j int) bool {
		return treeSortName(entries[i]) < treeSortName(entries[j])
	})

	obj := s.NewEncodedObject()
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

func treeSortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
