package library

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// SortKey selects the ordering of Search results.
type SortKey string

// Sort keys. Each has a natural direction; Query.Reverse flips it.
const (
	SortUsage   SortKey = "usage"   // most used first
	SortTitle   SortKey = "title"   // A to Z, case-insensitive
	SortCreated SortKey = "created" // newest first
	SortModel   SortKey = "model"   // by first model tag, A to Z
)

// ParseSortKey accepts the names above; empty selects SortUsage.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortUsage, nil
	case SortUsage, SortTitle, SortCreated, SortModel:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sort %q (valid: usage, title, created, model)", s)
	}
}

// Query filters and orders the collection.
type Query struct {
	// Text matches case-insensitively as a substring of the title,
	// content, category or any model tag. Blank matches everything.
	Text string
	// Model keeps prompts tagged with this model (case-insensitive).
	Model string
	// Category keeps prompts in this category (case-insensitive).
	Category string
	Sort     SortKey
	Reverse  bool
}

// Matches reports whether p passes the filters of q.
func (q Query) Matches(p Prompt) bool {
	if q.Model != "" && !slices.ContainsFunc(p.AIModels, func(m string) bool {
		return strings.EqualFold(m, q.Model)
	}) {
		return false
	}
	if q.Category != "" && !strings.EqualFold(p.Category, q.Category) {
		return false
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(p.Title), needle) ||
		strings.Contains(strings.ToLower(p.Content), needle) ||
		strings.Contains(strings.ToLower(p.Category), needle) {
		return true
	}
	for _, m := range p.AIModels {
		if strings.Contains(strings.ToLower(m), needle) {
			return true
		}
	}
	return false
}

// Search returns the prompts matching q in the requested order. Ties
// keep insertion order.
func (r *Repository) Search(q Query) []Prompt {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	SortPrompts(out, q.Sort, q.Reverse)
	return out
}

// SortPrompts orders prompts in place by key.
func SortPrompts(prompts []Prompt, key SortKey, reverse bool) {
	var less func(a, b Prompt) bool
	switch key {
	case SortTitle:
		less = func(a, b Prompt) bool { return strings.ToLower(a.Title) < strings.ToLower(b.Title) }
	case SortCreated:
		less = func(a, b Prompt) bool { return a.CreatedAt.After(b.CreatedAt) }
	case SortModel:
		less = func(a, b Prompt) bool { return strings.ToLower(firstModel(a)) < strings.ToLower(firstModel(b)) }
	default:
		less = func(a, b Prompt) bool { return a.UsageCount > b.UsageCount }
	}
	if reverse {
		fwd := less
		less = func(a, b Prompt) bool { return fwd(b, a) }
	}
	sort.SliceStable(prompts, func(i, j int) bool { return less(prompts[i], prompts[j]) })
}

func firstModel(p Prompt) string {
	if len(p.AIModels) == 0 {
		return ""
	}
	return p.AIModels[0]
}

// Models returns the distinct model tags in use, sorted.
func (r *Repository) Models() []string {
	return r.distinct(func(p Prompt) []string { return p.AIModels })
}

// Categories returns the distinct categories in use, sorted.
func (r *Repository) Categories() []string {
	return r.distinct(func(p Prompt) []string { return []string{p.Category} })
}

func (r *Repository) distinct(f func(Prompt) []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, p := range r.prompts {
		for _, v := range f(p) {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
