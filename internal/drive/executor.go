package drive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/ShadowGaming100/upload-to-drive/internal/manifest"
)

// defaultContentType is sent when neither the extension nor the file
// content identifies a type.
const defaultContentType = "*/*"

// Executor applies a plan: uploads strictly first, then stale file
// deletion, then empty-folder cleanup. Purge never interleaves with
// uploads, so a folder being written into is never under deletion.
type Executor struct {
	fs      afero.Fs
	storage Storage
	job     *manifest.Job
	logger  *slog.Logger
}

// NewExecutor creates an executor. job may be nil; without it every
// decision uploads unconditionally and nothing is recorded.
func NewExecutor(fsys afero.Fs, storage Storage, job *manifest.Job, logger *slog.Logger) *Executor {
	return &Executor{
		fs:      fsys,
		storage: storage,
		job:     job,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Apply runs the plan. Any upload failure or folder delete failure
// aborts the run; per-item stale delete failures are logged and do
// not.
func (e *Executor) Apply(ctx context.Context, plan Plan) error {
	for _, d := range plan.Decisions {
		if err := e.upload(ctx, d); err != nil {
			return err
		}
	}

	if len(plan.Stale) > 0 {
		e.deleteStale(ctx, plan.Stale)
	}

	if len(plan.Cleanup) > 0 {
		if err := e.cleanupFolders(ctx, plan.Cleanup); err != nil {
			return err
		}
	}

	return nil
}

func (e *Executor) upload(ctx context.Context, d Decision) error {
	local := d.Target.LocalPath()

	info, err := e.fs.Stat(local)
	if err != nil {
		return fmt.Errorf("reading %s: %w", local, err)
	}

	if d.Existing != nil && e.job != nil {
		skip, err := e.unchanged(d, info)
		if err != nil {
			return err
		}

		if skip {
			e.logger.Debug("unchanged since last upload, skipping",
				slog.String("dest", d.Target.DestPath),
			)

			return nil
		}
	}

	f, err := e.fs.Open(local)
	if err != nil {
		return fmt.Errorf("opening %s: %w", local, err)
	}
	defer f.Close()

	contentType, err := detectContentType(f, d.Target.Name())
	if err != nil {
		return fmt.Errorf("detecting content type of %s: %w", local, err)
	}

	var r io.Reader = f

	var hasher hash.Hash
	if e.job != nil {
		hasher = sha256.New()
		r = io.TeeReader(f, hasher)
	}

	var remoteID string

	if d.Existing != nil {
		if err := e.storage.UpdateContent(ctx, d.Existing.ID, contentType, r); err != nil {
			return fmt.Errorf("updating %s: %w", d.Target.DestPath, err)
		}

		remoteID = d.Existing.ID

		e.logger.Info("updated file",
			slog.String("dest", d.Target.DestPath),
			slog.String("id", remoteID),
			slog.Int64("size", info.Size()),
		)
	} else {
		id, err := e.storage.Upload(ctx, d.Target.Name(), d.Target.Folder.ID, contentType, r)
		if err != nil {
			return fmt.Errorf("uploading %s: %w", d.Target.DestPath, err)
		}

		remoteID = id

		e.logger.Info("uploaded file",
			slog.String("dest", d.Target.DestPath),
			slog.String("id", remoteID),
			slog.Int64("size", info.Size()),
		)
	}

	if e.job != nil {
		entry := manifest.Entry{
			Path:     d.Target.DestPath,
			Size:     info.Size(),
			MTime:    info.ModTime().UnixMilli(),
			SHA256:   hex.EncodeToString(hasher.Sum(nil)),
			RemoteID: remoteID,
			Uploaded: time.Now().UnixMilli(),
		}
		if err := e.job.Put(entry); err != nil {
			e.logger.Warn("recording manifest entry",
				slog.String("dest", d.Target.DestPath),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// unchanged reports whether an update decision can be skipped because
// the local file matches its manifest entry. Size and mtime decide the
// cheap path; when they moved, the content hash settles it, and a
// clean hash match refreshes the recorded size and mtime so the next
// run takes the cheap path again. A manifest whose remote id no longer
// matches the inventory means the file was replaced outside these
// runs, so the upload goes ahead.
func (e *Executor) unchanged(d Decision, info os.FileInfo) (bool, error) {
	entry, err := e.job.Get(d.Target.DestPath)
	if err != nil {
		return false, fmt.Errorf("reading manifest entry for %s: %w", d.Target.DestPath, err)
	}

	if entry == nil || entry.RemoteID != d.Existing.ID {
		return false, nil
	}

	if entry.Size == info.Size() && entry.MTime == info.ModTime().UnixMilli() {
		return true, nil
	}

	sum, err := hashFile(e.fs, d.Target.LocalPath())
	if err != nil {
		return false, fmt.Errorf("hashing %s: %w", d.Target.LocalPath(), err)
	}

	if sum != entry.SHA256 {
		return false, nil
	}

	entry.Size = info.Size()
	entry.MTime = info.ModTime().UnixMilli()
	if err := e.job.Put(*entry); err != nil {
		e.logger.Warn("refreshing manifest entry",
			slog.String("dest", d.Target.DestPath),
			slog.String("error", err.Error()),
		)
	}

	return true, nil
}

func (e *Executor) deleteStale(ctx context.Context, stale []File) {
	ids := make([]string, 0, len(stale))
	for _, f := range stale {
		ids = append(ids, f.ID)
	}

	e.logger.Info("deleting stale files", slog.Int("count", len(ids)))

	failed := e.storage.BatchDelete(ctx, ids)

	for _, f := range stale {
		if err, ok := failed[f.ID]; ok {
			e.logger.Error("deleting stale file",
				slog.String("path", f.Path),
				slog.String("id", f.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.logger.Info("deleted stale file", slog.String("path", f.Path))

		if e.job != nil {
			if err := e.job.Delete(f.Path); err != nil {
				e.logger.Warn("dropping manifest entry",
					slog.String("path", f.Path),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// cleanupFolders deletes candidates that are empty at deletion time.
// The plan's snapshot is not trusted: each candidate gets a fresh
// listing (all entries, any owner) and an ownership check immediately
// before the delete. Either guard failing skips the folder. This is
// check-then-act against a live remote, so a concurrent writer can
// still lose a just-added file; the window is the single call gap.
func (e *Executor) cleanupFolders(ctx context.Context, candidates []Folder) error {
	for _, folder := range candidates {
		entries, err := e.storage.ListAll(ctx, folder.ID)
		if err != nil {
			return fmt.Errorf("probing folder %q: %w", folder, err)
		}

		if len(entries) > 0 {
			continue
		}

		owned, err := e.storage.OwnedByIdentity(ctx, folder.ID)
		if err != nil {
			return fmt.Errorf("checking owner of folder %q: %w", folder, err)
		}

		if !owned {
			e.logger.Debug("folder not owned by this identity, keeping",
				slog.String("path", folder.String()),
			)

			continue
		}

		if err := e.storage.Delete(ctx, folder.ID); err != nil {
			return fmt.Errorf("deleting folder %q: %w", folder, err)
		}

		e.logger.Info("deleted empty folder", slog.String("path", folder.String()))
	}

	return nil
}

// detectContentType infers the upload content type from the file
// extension, falling back to sniffing the content. The reader is
// rewound after sniffing.
func detectContentType(f afero.File, name string) (string, error) {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct, nil
	}

	mt, detectErr := mimetype.DetectReader(f)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding after content sniff: %w", err)
	}

	if detectErr != nil {
		return defaultContentType, nil
	}

	return mt.String(), nil
}

func hashFile(fsys afero.Fs, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
