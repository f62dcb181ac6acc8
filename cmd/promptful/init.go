package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/promptful/internal/defaults"
	"github.com/nugget/promptful/internal/inbox"
)

// runInit initializes a Promptful working directory: the data and inbox
// directories, an example config, and the starter prompts placed in the
// inbox so the first serve imports them. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Promptful workspace in %s\n", dir)

	for _, sub := range []string{"db", "inbox"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may hold a remote URL with credentials.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	// An imported starter file has been renamed; writing it again would
	// import duplicates.
	starterPath := filepath.Join(dir, "inbox", "starter.md")
	if _, err := os.Stat(starterPath + inbox.SuffixImported); err == nil {
		fmt.Fprintf(w, "  - %s (already imported, skipping)\n", starterPath)
	} else if err := writeIfMissing(w, starterPath, defaults.StarterMD, 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to customize your installation, then run: promptful serve")
	return nil
}

// writeIfMissing creates path with content and mode unless it already
// exists, and reports which happened on w. O_EXCL makes the check and
// the create one step.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
