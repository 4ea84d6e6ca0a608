package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	apperrors "github.com/ShadowGaming100/upload-to-drive/internal/errors"
)

// Config holds all configuration for upload-to-drive. Values come from
// environment variables (optionally via a .env file); the CLI applies
// flag overrides on top before Finalize is called.
type Config struct {
	// Credentials is either a path to a service account key file or the
	// base64-encoded key JSON itself.
	Credentials string `env:"DRIVE_CREDENTIALS"`

	// TargetID is the Drive folder id all remote paths are rooted under.
	TargetID string `env:"DRIVE_TARGET"`

	// Output is the remote path under the target root to upload into.
	// Empty means the target root itself.
	Output string `env:"DRIVE_OUTPUT"`

	// Inputs are the local folders to upload.
	Inputs []string `env:"DRIVE_INPUTS" envSeparator:","`

	// Filter is a glob applied to file names while scanning.
	Filter string `env:"DRIVE_FILTER" envDefault:"*"`

	// Skip holds glob patterns of files to leave out.
	Skip []string `env:"DRIVE_SKIP" envSeparator:","`

	PurgeStale  bool `env:"DRIVE_PURGE_STALE" envDefault:"false"`
	FlatUpload  bool `env:"DRIVE_FLAT_UPLOAD" envDefault:"false"`
	DryRun      bool `env:"DRIVE_DRY_RUN" envDefault:"false"`
	Watch       bool `env:"DRIVE_WATCH" envDefault:"false"`
	Incremental bool `env:"DRIVE_INCREMENTAL" envDefault:"false"`

	// ManifestPath is the bbolt database used by incremental mode.
	// Empty defaults to ~/.upload-to-drive/manifest.db.
	ManifestPath string `env:"DRIVE_MANIFEST_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// GitHubActions is set by the Actions runner. When true, fatal errors
	// are also emitted as workflow error annotations.
	GitHubActions bool `env:"GITHUB_ACTIONS" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the service account key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars. Validation is
// deferred to Finalize so the CLI can layer flag overrides in between.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Finalize validates the merged configuration and normalizes paths.
// Input roots become absolute so that scanning never depends on the
// process working directory, skip patterns are trimmed, and the
// manifest path gets its default when incremental mode is on.
func (c *Config) Finalize() error {
	if err := c.validate(); err != nil {
		return err
	}

	for i, input := range c.Inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return fmt.Errorf("resolving input %q to absolute path: %w", input, err)
		}

		c.Inputs[i] = abs
	}

	c.Skip = cleanPatterns(c.Skip)
	c.Output = cleanOutputPath(c.Output)

	if c.Filter == "" {
		c.Filter = "*"
	}

	if c.Incremental && c.ManifestPath == "" {
		path, err := DefaultManifestPath()
		if err != nil {
			return err
		}

		c.ManifestPath = path
	}

	return nil
}

func (c *Config) validate() error {
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: set DRIVE_INPUTS or pass -input", apperrors.ErrMissingInput)
	}

	if c.TargetID == "" {
		return fmt.Errorf("%w: set DRIVE_TARGET or pass -target", apperrors.ErrMissingTarget)
	}

	if c.Credentials == "" {
		return fmt.Errorf("%w: set DRIVE_CREDENTIALS or pass -credentials", apperrors.ErrMissingCredentials)
	}

	return nil
}

// cleanPatterns trims whitespace around comma-split glob patterns and
// drops empty entries, mirroring how a "-skip '*.tmp, *.log'" value is
// expected to behave.
func cleanPatterns(patterns []string) []string {
	out := patterns[:0]

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		out = append(out, p)
	}

	return out
}

// cleanOutputPath normalizes the remote output path to slash-separated
// relative segments. "." and "/" collapse to the empty path (the target
// root itself).
func cleanOutputPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}

	return p
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultManifestPath returns the default manifest database location:
// ~/.upload-to-drive/manifest.db
func DefaultManifestPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".upload-to-drive", "manifest.db"), nil
}
