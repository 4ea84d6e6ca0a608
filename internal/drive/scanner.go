package drive

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// Scan walks root and returns the relative paths of the regular files
// that match filter and no skip pattern, sorted lexicographically.
//
// filter follows recursive-glob conventions: a bare pattern like
// "*.txt" applies to file names at any depth, a pattern containing a
// separator like "docs/*.md" applies to the trailing path segments.
// Skip patterns are shell globs checked against the relative path and
// against the bare file name, so "*.tmp" skips "a/b/x.tmp" too.
//
// root must be absolute; the process working directory is never
// consulted. Paths come back slash-separated and NFC-normalized.
func Scan(fsys afero.Fs, root, filter string, skips []string) ([]string, error) {
	var files []string

	err := afero.Walk(fsys, root, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return err
		}

		rel = normalizePath(rel)

		ok, err := matchesFilter(filter, rel)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		skip, err := matchesAny(skips, rel)
		if err != nil {
			return err
		}

		if skip {
			return nil
		}

		files = append(files, rel)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)

	return files, nil
}

// normalizePath converts a relative path to the slash-separated NFC
// form used everywhere above the filesystem boundary. macOS reports
// NFD names; Drive and the manifest expect one canonical spelling.
func normalizePath(p string) string {
	return norm.NFC.String(filepath.ToSlash(p))
}

// matchesFilter applies the inclusion filter to one relative path.
func matchesFilter(filter, rel string) (bool, error) {
	if filter == "" || filter == "*" {
		return true, nil
	}

	subject := path.Base(rel)

	if strings.Contains(filter, "/") {
		segments := strings.Split(rel, "/")
		want := strings.Count(filter, "/") + 1

		if len(segments) < want {
			return false, nil
		}

		subject = strings.Join(segments[len(segments)-want:], "/")
	}

	ok, err := path.Match(filter, subject)
	if err != nil {
		return false, fmt.Errorf("bad filter pattern %q: %w", filter, err)
	}

	return ok, nil
}

// matchesAny reports whether any skip pattern matches the relative
// path or its base name.
func matchesAny(patterns []string, rel string) (bool, error) {
	base := path.Base(rel)

	for _, p := range patterns {
		ok, err := path.Match(p, rel)
		if err != nil {
			return false, fmt.Errorf("bad skip pattern %q: %w", p, err)
		}

		if ok {
			return true, nil
		}

		if ok, _ := path.Match(p, base); ok {
			return true, nil
		}
	}

	return false, nil
}
