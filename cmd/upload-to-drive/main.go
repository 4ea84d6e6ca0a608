package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/ShadowGaming100/upload-to-drive/internal/config"
	"github.com/ShadowGaming100/upload-to-drive/internal/drive"
	"github.com/ShadowGaming100/upload-to-drive/internal/logging"
	"github.com/ShadowGaming100/upload-to-drive/internal/manifest"
)

var Version = "dev"

func main() {
	// Handle version subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(Version)
		return
	}

	if err := run(); err != nil {
		reportFatal(err)
		os.Exit(1)
	}
}

// reportFatal writes the failure to stderr and, under GitHub Actions,
// also as a workflow error annotation so it shows up on the run
// summary. The env var is read directly: config loading itself may be
// what failed.
func reportFatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	if os.Getenv("GITHUB_ACTIONS") == "true" {
		fmt.Printf("::error::upload-to-drive: %v\n", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := applyFlags(cfg, os.Args[1:]); err != nil {
		return err
	}

	if err := cfg.Finalize(); err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("upload-to-drive starting",
		slog.String("version", Version),
		slog.Int("inputs", len(cfg.Inputs)),
		slog.String("output", cfg.Output),
		slog.Bool("flat_upload", cfg.FlatUpload),
		slog.Bool("purge_stale", cfg.PurgeStale),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Bool("watch", cfg.Watch),
		slog.Bool("incremental", cfg.Incremental),
		slog.Bool("github_actions", cfg.GitHubActions),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := drive.LoadCredentials(cfg.Credentials)
	if err != nil {
		return err
	}

	logger.Info("acting as service account", slog.String("email", creds.Email))

	client, err := drive.NewClient(ctx, creds, logger)
	if err != nil {
		return err
	}

	var job *manifest.Job

	if cfg.Incremental {
		store, err := manifest.Open(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("opening manifest: %w", err)
		}
		defer store.Close()

		job, err = store.Job(cfg.TargetID, cfg.Output)
		if err != nil {
			return fmt.Errorf("opening manifest job: %w", err)
		}

		logger.Info("incremental uploads enabled", slog.String("manifest", cfg.ManifestPath))
	}

	engine := drive.NewEngine(drive.EngineConfig{
		Inputs:     cfg.Inputs,
		Filter:     cfg.Filter,
		Output:     cfg.Output,
		TargetID:   cfg.TargetID,
		Skip:       cfg.Skip,
		FlatUpload: cfg.FlatUpload,
		PurgeStale: cfg.PurgeStale,
		DryRun:     cfg.DryRun,
	}, afero.NewOsFs(), client, job, logger)

	if err := engine.Run(ctx); err != nil {
		return err
	}

	if cfg.Watch {
		watcher := drive.NewWatcher(engine, cfg.Inputs, logger)
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		logger.Info("shutting down")
	}

	return nil
}

// multiFlag collects a repeatable flag. Each occurrence may itself be
// a comma-separated list, matching the env var format.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*m = append(*m, part)
		}
	}

	return nil
}

// applyFlags overlays a profile file and explicit CLI flags onto the
// environment-sourced config. The profile goes first, then any flag
// actually passed wins; env values survive everything left untouched.
func applyFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("upload-to-drive", flag.ContinueOnError)

	var inputs, skips multiFlag
	fs.Var(&inputs, "input", "local folder to upload (repeatable)")
	fs.Var(&inputs, "i", "shorthand for -input")
	fs.Var(&skips, "skip", "glob pattern of files to leave out (repeatable)")

	filter := fs.String("filter", "", "glob filter applied to file names")
	fs.StringVar(filter, "f", "", "shorthand for -filter")
	output := fs.String("output", "", "remote path under the target folder")
	fs.StringVar(output, "o", "", "shorthand for -output")
	target := fs.String("target", "", "Drive folder id to upload under")
	fs.StringVar(target, "t", "", "shorthand for -target")
	credentials := fs.String("credentials", "", "service account key path or base64 JSON")
	fs.StringVar(credentials, "c", "", "shorthand for -credentials")

	purge := fs.Bool("purge-stale", false, "delete remote files with no local counterpart")
	flat := fs.Bool("flat-upload", false, "upload every file into the output folder, discarding structure")
	dryRun := fs.Bool("dry-run", false, "plan and log without uploading or deleting")
	watch := fs.Bool("watch", false, "keep running and re-sync when inputs change")
	incremental := fs.Bool("incremental", false, "skip files unchanged since the last recorded upload")
	manifestPath := fs.String("manifest", "", "bbolt manifest database path for incremental mode")
	profilePath := fs.String("profile", "", "YAML profile file with job settings")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: upload-to-drive [options]\n\n")
		fmt.Fprintf(os.Stderr, "Mirror local folders into a Google Drive folder.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *profilePath != "" {
		p, err := config.LoadProfile(*profilePath)
		if err != nil {
			return err
		}

		cfg.ApplyProfile(p)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["input"] || set["i"] {
		cfg.Inputs = inputs
	}

	if set["filter"] || set["f"] {
		cfg.Filter = *filter
	}

	if set["output"] || set["o"] {
		cfg.Output = *output
	}

	if set["target"] || set["t"] {
		cfg.TargetID = *target
	}

	if set["credentials"] || set["c"] {
		cfg.Credentials = *credentials
	}

	if set["skip"] {
		cfg.Skip = skips
	}

	if set["purge-stale"] {
		cfg.PurgeStale = *purge
	}

	if set["flat-upload"] {
		cfg.FlatUpload = *flat
	}

	if set["dry-run"] {
		cfg.DryRun = *dryRun
	}

	if set["watch"] {
		cfg.Watch = *watch
	}

	if set["incremental"] {
		cfg.Incremental = *incremental
	}

	if set["manifest"] {
		cfg.ManifestPath = *manifestPath
	}

	return nil
}
