package drive

import (
	"path"
	"path/filepath"
	"sort"
)

// Folder is a snapshot of a remote folder. Path is slash-separated and
// relative to the run's output base; the base itself has Path "".
// ParentID points at the enclosing folder so paths can be rebuilt
// upward without reference cycles.
type Folder struct {
	Path     string
	ID       string
	ParentID string
}

// String returns the folder path, "." for the output base.
func (f Folder) String() string {
	if f.Path == "" {
		return "."
	}

	return f.Path
}

// File is a snapshot of a remote file. Path is the owning folder's
// path plus the file name.
type File struct {
	Path     string
	ID       string
	FolderID string
}

// Target is one local file selected for upload. Root is the absolute
// input folder the file was found under; Rel is its slash-separated
// path below Root. DestPath is the key used to match existing remote
// files: the full relative path in hierarchical mode, the base name
// in flat mode.
type Target struct {
	Root     string
	Rel      string
	Folder   Folder
	DestPath string
}

// Name returns the file name the target uploads as.
func (t Target) Name() string {
	return path.Base(t.Rel)
}

// LocalPath returns the absolute local path of the source file.
func (t Target) LocalPath() string {
	return filepath.Join(t.Root, filepath.FromSlash(t.Rel))
}

// Decision pairs a target with the remote file occupying its
// destination path, when one exists. Existing non-nil means the upload
// replaces content in place and keeps the remote id; nil means a new
// file is created.
type Decision struct {
	Target   Target
	Existing *File
}

// FolderTree mirrors the remote folder hierarchy under the output
// base. Children are keyed by folder name; when the remote side holds
// duplicate same-named siblings only the first listed one appears.
type FolderTree struct {
	Folder   Folder
	Children map[string]*FolderTree
}

// Flatten returns every folder in the tree, the root included.
func (t *FolderTree) Flatten() []Folder {
	out := []Folder{t.Folder}
	for _, child := range t.Children {
		out = append(out, child.Flatten()...)
	}

	return out
}

// PostOrder returns the tree's folders children-first, sorted by name
// among siblings, with the root last. This is the only order in which
// empty-folder cleanup is safe: a folder can only become empty after
// its children were evaluated.
func (t *FolderTree) PostOrder() []Folder {
	var out []Folder
	t.appendPostOrder(&out)

	return out
}

func (t *FolderTree) appendPostOrder(out *[]Folder) {
	for _, name := range sortedKeys(t.Children) {
		t.Children[name].appendPostOrder(out)
	}

	*out = append(*out, t.Folder)
}

// Plan is the full reconciliation output: uploads in target order,
// plus, when purging, the stale remote files and the post-order folder
// cleanup candidates.
type Plan struct {
	Decisions []Decision
	Stale     []File
	Cleanup   []Folder
}

// Creates counts decisions that will create a new remote file.
func (p Plan) Creates() int {
	n := 0

	for _, d := range p.Decisions {
		if d.Existing == nil {
			n++
		}
	}

	return n
}

// Updates counts decisions that overwrite an existing remote file.
func (p Plan) Updates() int {
	return len(p.Decisions) - p.Creates()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

