package drive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	apperrors "github.com/ShadowGaming100/upload-to-drive/internal/errors"
)

// Resolver materializes remote folder paths. It holds no cache: every
// EnsurePath call re-lists the remote side, so a second call with the
// same arguments resolves to the same folder without creating anything.
type Resolver struct {
	storage Storage
	logger  *slog.Logger
}

func NewResolver(storage Storage, logger *slog.Logger) *Resolver {
	return &Resolver{
		storage: storage,
		logger:  logger.With(slog.String("component", "resolver")),
	}
}

// EnsurePath resolves the slash-separated path rel under base,
// creating remote folders for any missing segment. An empty rel
// returns base unchanged with zero remote calls.
//
// Resolution is strictly sequential: segment N+1 is only looked up
// once segment N's folder exists. Two concurrent resolutions of the
// same missing path may each create the folder; remote creation is not
// atomic-unique and this resolver does not guard against that race.
func (r *Resolver) EnsurePath(ctx context.Context, rel string, base Folder) (Folder, error) {
	if rel == "" {
		return base, nil
	}

	current := base
	for _, segment := range strings.Split(rel, "/") {
		next, err := r.resolveSegment(ctx, current, segment)
		if err != nil {
			return Folder{}, err
		}

		current = next
	}

	return current, nil
}

func (r *Resolver) resolveSegment(ctx context.Context, parent Folder, name string) (Folder, error) {
	matches, err := r.storage.FindFolders(ctx, parent.ID, name)
	if err != nil {
		return Folder{}, fmt.Errorf("looking up folder %q under %q: %w", name, parent, err)
	}

	childPath := path.Join(parent.Path, name)

	if len(matches) > 0 {
		// Drive allows duplicate names under one parent. The first
		// listed match is canonical; the rest are ignored.
		if len(matches) > 1 {
			r.logger.Warn("duplicate remote folders, using first",
				slog.String("path", childPath),
				slog.Int("count", len(matches)),
			)
		}

		return Folder{Path: childPath, ID: matches[0].ID, ParentID: parent.ID}, nil
	}

	id, err := r.storage.CreateFolder(ctx, name, parent.ID)
	if err != nil {
		return Folder{}, fmt.Errorf("creating folder %q under %q: %w", name, parent, err)
	}

	if id == "" {
		return Folder{}, fmt.Errorf("creating folder %q under %q: %w", name, parent, apperrors.ErrFolderCreateNoID)
	}

	r.logger.Info("created remote folder",
		slog.String("path", childPath),
		slog.String("id", id),
	)

	return Folder{Path: childPath, ID: id, ParentID: parent.ID}, nil
}
