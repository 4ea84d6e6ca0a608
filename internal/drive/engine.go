package drive

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/spf13/afero"

	apperrors "github.com/ShadowGaming100/upload-to-drive/internal/errors"
	"github.com/ShadowGaming100/upload-to-drive/internal/manifest"
)

// EngineConfig holds the parameters of one reconciliation run.
type EngineConfig struct {
	// Inputs are the absolute local folders to upload.
	Inputs []string

	// Filter is the inclusion glob applied while scanning.
	Filter string

	// Output is the remote path under TargetID to upload into; empty
	// means the target folder itself.
	Output string

	// TargetID is the Drive folder id everything is rooted under.
	TargetID string

	// Skip holds glob patterns of files to leave out.
	Skip []string

	// FlatUpload discards local directory structure: every file lands
	// directly in the output folder under its base name.
	FlatUpload bool

	// PurgeStale deletes remote files with no local counterpart and
	// the folders that end up empty.
	PurgeStale bool

	// DryRun stops after planning and logs what would happen.
	DryRun bool
}

// Engine drives one reconciliation run through its phases, in a fixed
// order: validate inputs, resolve the output base, scan and map
// targets (creating remote folders), snapshot the remote inventory,
// plan, execute. Folder creation completing before the inventory read
// is what lets a freshly created folder show up in the same run's
// snapshot.
type Engine struct {
	cfg      EngineConfig
	fs       afero.Fs
	storage  Storage
	resolver *Resolver
	job      *manifest.Job
	logger   *slog.Logger
}

// NewEngine creates an engine. job may be nil to disable incremental
// upload skipping.
func NewEngine(cfg EngineConfig, fsys afero.Fs, storage Storage, job *manifest.Job, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		fs:       fsys,
		storage:  storage,
		resolver: NewResolver(storage, logger),
		job:      job,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Run executes one full reconciliation.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.checkInputs(); err != nil {
		return err
	}

	base, err := e.resolveBase(ctx)
	if err != nil {
		return err
	}

	targets, err := e.collectTargets(ctx, base)
	if err != nil {
		return err
	}

	inv, err := e.buildInventory(ctx, base, targets)
	if err != nil {
		return err
	}

	plan := BuildPlan(targets, inv, e.cfg.PurgeStale)
	e.logPlan(plan)

	if e.cfg.DryRun {
		e.logger.Info("dry run, stopping before execution")

		return nil
	}

	executor := NewExecutor(e.fs, e.storage, e.job, e.logger)
	if err := executor.Apply(ctx, plan); err != nil {
		return err
	}

	if e.job != nil {
		e.pruneManifest(targets)
	}

	e.logger.Info("run complete",
		slog.Int("uploaded", len(plan.Decisions)),
		slog.Int("deleted", len(plan.Stale)),
	)

	return nil
}

func (e *Engine) checkInputs() error {
	for _, input := range e.cfg.Inputs {
		info, err := e.fs.Stat(input)
		if err != nil {
			return fmt.Errorf("%w: %s", apperrors.ErrInputNotFound, input)
		}

		if !info.IsDir() {
			return fmt.Errorf("%w: %s", apperrors.ErrInputNotDir, input)
		}
	}

	return nil
}

// resolveBase materializes the output path under the target root and
// re-roots it: the returned folder has Path "" so every remote path
// computed afterwards is relative to the output base, not the target.
func (e *Engine) resolveBase(ctx context.Context) (Folder, error) {
	resolved, err := e.resolver.EnsurePath(ctx, e.cfg.Output, Folder{ID: e.cfg.TargetID})
	if err != nil {
		return Folder{}, fmt.Errorf("resolving output folder: %w", err)
	}

	e.logger.Info("resolved output base",
		slog.String("output", e.cfg.Output),
		slog.String("id", resolved.ID),
	)

	return Folder{ID: resolved.ID}, nil
}

// collectTargets scans every input root and maps each file to its
// remote destination. Hierarchical mapping resolves (and creates)
// remote folders as a side effect, which is why this phase must finish
// before the inventory snapshot is taken.
func (e *Engine) collectTargets(ctx context.Context, base Folder) ([]Target, error) {
	var targets []Target

	for _, root := range e.cfg.Inputs {
		rels, err := Scan(e.fs, root, e.cfg.Filter, e.cfg.Skip)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}

		e.logger.Info("scanned input",
			slog.String("root", root),
			slog.Int("files", len(rels)),
		)

		for _, rel := range rels {
			t, err := e.mapTarget(ctx, base, root, rel)
			if err != nil {
				return nil, err
			}

			targets = append(targets, t)
		}
	}

	return targets, nil
}

func (e *Engine) mapTarget(ctx context.Context, base Folder, root, rel string) (Target, error) {
	if e.cfg.FlatUpload {
		return Target{Root: root, Rel: rel, Folder: base, DestPath: path.Base(rel)}, nil
	}

	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}

	folder, err := e.resolver.EnsurePath(ctx, dir, base)
	if err != nil {
		return Target{}, fmt.Errorf("resolving folder for %s: %w", rel, err)
	}

	return Target{Root: root, Rel: rel, Folder: folder, DestPath: rel}, nil
}

// buildInventory snapshots the remote side. The file index covers the
// union of the tree's folders and the targets' destination folders:
// a destination may sit inside a folder the owner-filtered tree walk
// cannot see (shared, user-owned), yet its files still matter for
// update matching. On shared ids the tree's entry wins.
func (e *Engine) buildInventory(ctx context.Context, base Folder, targets []Target) (*Inventory, error) {
	tree, err := FetchFolderTree(ctx, e.storage, base)
	if err != nil {
		return nil, err
	}

	folders := make(map[string]Folder)
	for _, t := range targets {
		folders[t.Folder.ID] = t.Folder
	}

	for _, f := range tree.Flatten() {
		folders[f.ID] = f
	}

	files, err := BuildFileIndex(ctx, e.storage, folders)
	if err != nil {
		return nil, err
	}

	e.logger.Info("remote inventory built",
		slog.Int("folders", len(folders)),
		slog.Int("files", len(files)),
	)

	return &Inventory{Tree: tree, Folders: folders, Files: files}, nil
}

func (e *Engine) logPlan(p Plan) {
	e.logger.Info("plan ready",
		slog.Int("creates", p.Creates()),
		slog.Int("updates", p.Updates()),
		slog.Int("stale", len(p.Stale)),
		slog.Int("cleanup_candidates", len(p.Cleanup)),
	)

	if !e.cfg.DryRun {
		return
	}

	for _, d := range p.Decisions {
		op := "create"
		if d.Existing != nil {
			op = "update"
		}

		e.logger.Info("would upload",
			slog.String("op", op),
			slog.String("dest", d.Target.DestPath),
			slog.String("source", d.Target.LocalPath()),
		)
	}

	for _, f := range p.Stale {
		e.logger.Info("would delete", slog.String("path", f.Path))
	}

	for _, f := range p.Cleanup {
		e.logger.Info("would clean up if empty", slog.String("path", f.String()))
	}
}

func (e *Engine) pruneManifest(targets []Target) {
	keep := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		keep[t.DestPath] = struct{}{}
	}

	pruned, err := e.job.Prune(keep)
	if err != nil {
		e.logger.Warn("pruning manifest", slog.String("error", err.Error()))

		return
	}

	if pruned > 0 {
		e.logger.Debug("pruned manifest entries", slog.Int("count", pruned))
	}
}
