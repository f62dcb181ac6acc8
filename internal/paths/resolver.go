// Package paths expands the directory shorthands accepted in the config
// file: a leading ~ for the user's home directory and named prefixes
// such as "data:" that stand for a configured directory.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories. A nil *Resolver still
// expands ~ but knows no prefixes.
type Resolver struct {
	home     string
	dirs     map[string]string // "data:" -> "/srv/promptful/db"
	byLength []string          // prefixes, longest first
}

// New builds a Resolver. Keys of dirs may be given with or without the
// trailing colon. Directory values are themselves home-expanded.
func New(dirs map[string]string) *Resolver {
	home, _ := os.UserHomeDir()
	r := &Resolver{home: home, dirs: make(map[string]string, len(dirs))}
	for name, dir := range dirs {
		if !strings.HasSuffix(name, ":") {
			name += ":"
		}
		r.dirs[name] = r.expandHome(dir)
		r.byLength = append(r.byLength, name)
	}
	sort.Slice(r.byLength, func(i, j int) bool {
		return len(r.byLength[i]) > len(r.byLength[j])
	})
	return r
}

// Resolve expands p. Paths without a known prefix or a leading ~ are
// returned unchanged, so relative paths stay relative to the working
// directory.
func (r *Resolver) Resolve(p string) string {
	if r == nil {
		return (&Resolver{}).expandHome(p)
	}
	for _, prefix := range r.byLength {
		if rel, ok := strings.CutPrefix(p, prefix); ok {
			if rel == "" {
				return r.dirs[prefix]
			}
			return filepath.Join(r.dirs[prefix], rel)
		}
	}
	return r.expandHome(p)
}

// Prefixes returns the registered prefix names without colons, sorted.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.dirs))
	for prefix := range r.dirs {
		out = append(out, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) expandHome(p string) string {
	home := r.home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		home = h
	}
	switch {
	case p == "~":
		return home
	case strings.HasPrefix(p, "~/"), strings.HasPrefix(p, "~"+string(filepath.Separator)):
		return filepath.Join(home, p[2:])
	}
	return p
}
