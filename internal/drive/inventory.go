package drive

import (
	"context"
	"fmt"
	"path"
	"sort"

	"golang.org/x/sync/errgroup"
)

// indexWorkers bounds how many folder listings run at once while
// building the file index.
const indexWorkers = 4

// Inventory is the remote-side snapshot the planner diffs against:
// the folder tree under the output base, every folder of interest by
// id, and every file owned by the acting identity by relative path.
type Inventory struct {
	Tree    *FolderTree
	Folders map[string]Folder
	Files   map[string]File
}

// FetchFolderTree eagerly builds the folder hierarchy under base by
// depth-first traversal of folders owned by the acting identity. The
// remote hierarchy is a tree, so the walk cannot cycle. Duplicate
// same-named siblings: the first listed wins and later ones are not
// descended into.
func FetchFolderTree(ctx context.Context, storage Storage, base Folder) (*FolderTree, error) {
	node := &FolderTree{
		Folder:   base,
		Children: make(map[string]*FolderTree),
	}

	entries, err := storage.ListFolders(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("listing folders under %q: %w", base, err)
	}

	for _, e := range entries {
		if _, ok := node.Children[e.Name]; ok {
			continue
		}

		child := Folder{
			Path:     path.Join(base.Path, e.Name),
			ID:       e.ID,
			ParentID: base.ID,
		}

		childNode, err := FetchFolderTree(ctx, storage, child)
		if err != nil {
			return nil, err
		}

		node.Children[e.Name] = childNode
	}

	return node, nil
}

// BuildFileIndex lists the files owned by the acting identity in each
// given folder and indexes them by full relative path. Folder listings
// run concurrently up to indexWorkers; results are assembled in sorted
// folder order so the index is deterministic. A file not owned by the
// identity never enters the index: it can be neither updated nor
// deleted by this tool.
func BuildFileIndex(ctx context.Context, storage Storage, folders map[string]Folder) (map[string]File, error) {
	ordered := make([]Folder, 0, len(folders))
	for _, f := range folders {
		ordered = append(ordered, f)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Path != ordered[j].Path {
			return ordered[i].Path < ordered[j].Path
		}

		return ordered[i].ID < ordered[j].ID
	})

	results := make([][]File, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexWorkers)

	for i, folder := range ordered {
		i, folder := i, folder
		g.Go(func() error {
			entries, err := storage.ListFiles(gctx, folder.ID)
			if err != nil {
				return fmt.Errorf("listing files in %q: %w", folder, err)
			}

			files := make([]File, 0, len(entries))
			for _, e := range entries {
				files = append(files, File{
					Path:     path.Join(folder.Path, e.Name),
					ID:       e.ID,
					FolderID: folder.ID,
				})
			}

			results[i] = files

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	index := make(map[string]File)
	for _, files := range results {
		for _, f := range files {
			index[f.Path] = f
		}
	}

	return index, nil
}
