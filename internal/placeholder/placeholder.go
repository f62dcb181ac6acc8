// Package placeholder implements the prompt variable syntax. A variable
// is written as {name} anywhere in a prompt body. A name may carry a
// fixed choice set in square brackets, with options separated by the
// literal delimiter ":|:", for example {tone[formal:|:casual]}.
//
// Every function in this package is pure. Names are kept in their raw
// form (including any bracketed choices) so that rendering can match
// the original token exactly; decoding into a label and options happens
// only when values are collected.
package placeholder

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ChoiceDelimiter separates options inside a bracketed choice segment.
const ChoiceDelimiter = ":|:"

var (
	// tokenPattern matches {name}. The name is one or more characters
	// that are not a closing brace, so the first } ends the token.
	tokenPattern = regexp.MustCompile(`\{([^}]+)\}`)

	// choicePattern matches the first bracketed segment of a name.
	choicePattern = regexp.MustCompile(`\[(.*?)\]`)
)

// Parse returns the distinct variable names in content, in order of
// first appearance. It returns an empty, non-nil slice when content
// holds no placeholders.
func Parse(content string) []string {
	names := []string{}
	seen := make(map[string]struct{})
	for _, m := range tokenPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Choice is the decoded form of a single variable name.
type Choice struct {
	// Name is the raw variable name as written between the braces.
	Name string `json:"name"`
	// Label is the human-facing name. For plain variables it equals
	// Name; for choice variables it is the text before the bracket.
	Label string `json:"label"`
	// Options lists the allowed values, trimmed, with empties dropped.
	Options []string `json:"options,omitempty"`
	// HasChoices reports whether the name carried a bracketed segment.
	// A segment with no usable options still sets HasChoices.
	HasChoices bool `json:"has_choices"`
}

// Decode splits a variable name into its label and choice options.
// Only the first bracketed segment is considered.
func Decode(name string) Choice {
	loc := choicePattern.FindStringSubmatchIndex(name)
	if loc == nil {
		return Choice{Name: name, Label: name}
	}

	inner := name[loc[2]:loc[3]]
	options := []string{}
	for _, opt := range strings.Split(inner, ChoiceDelimiter) {
		if opt = strings.TrimSpace(opt); opt != "" {
			options = append(options, opt)
		}
	}

	return Choice{
		Name:       name,
		Label:      strings.TrimSpace(name[:loc[0]]),
		Options:    options,
		HasChoices: true,
	}
}

// Fields decodes every variable of content, in Parse order. Callers
// collecting values interactively iterate over the result.
func Fields(content string) []Choice {
	names := Parse(content)
	out := make([]Choice, 0, len(names))
	for _, n := range names {
		out = append(out, Decode(n))
	}
	return out
}

// JoinSelected joins the selected options of a multi-select choice
// into a single value. Options are emitted in the order they appear in
// c.Options, regardless of selection order, separated by a plain comma.
// Selections that are not among the options are ignored.
func (c Choice) JoinSelected(selected []string) string {
	want := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		want[strings.TrimSpace(s)] = struct{}{}
	}
	var picked []string
	for _, opt := range c.Options {
		if _, ok := want[opt]; ok {
			picked = append(picked, opt)
		}
	}
	return strings.Join(picked, ",")
}

// Render substitutes values into content. Every {name} token whose
// value is present and non-blank (after trimming) is replaced by the
// value exactly as supplied. Other tokens are left as written. Values
// are not scanned again, so a value containing braces is inserted
// literally.
func Render(content string, values map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(content, func(tok string) string {
		v, ok := values[tok[1:len(tok)-1]]
		if !ok || strings.TrimSpace(v) == "" {
			return tok
		}
		return v
	})
}

// Unresolved returns the variable names of content that Render would
// leave in place for the given values, in Parse order. The result is
// never nil.
func Unresolved(content string, values map[string]string) []string {
	out := []string{}
	for _, name := range Parse(content) {
		if strings.TrimSpace(values[name]) == "" {
			out = append(out, name)
		}
	}
	return out
}

// ChoiceError reports a value that is not among a choice variable's
// options.
type ChoiceError struct {
	Label   string
	Value   string
	Options []string
}

func (e *ChoiceError) Error() string {
	return fmt.Sprintf("%s: %q is not one of %s", e.Label, e.Value, strings.Join(e.Options, ", "))
}

// Resolve collects the values for content into a map keyed by raw
// variable name, ready for Render. Each variable is looked up by its
// raw name first and then by its label, so {lang[English:|:French]}
// accepts either key. For a choice variable the selection comes from
// selected, or from the value split on commas, and is joined with
// JoinSelected; a selection outside the options is a *ChoiceError.
// Keys that match no variable are ignored. A choice segment without
// options takes free text.
func Resolve(content string, values map[string]string, selected map[string][]string) (map[string]string, error) {
	out := make(map[string]string)
	for _, c := range Fields(content) {
		picks, hasPicks := lookup(selected, c)
		value, hasValue := lookup(values, c)

		if !c.HasChoices || len(c.Options) == 0 {
			if hasValue {
				out[c.Name] = value
			} else if hasPicks {
				out[c.Name] = strings.Join(picks, ",")
			}
			continue
		}

		if !hasPicks && hasValue && strings.TrimSpace(value) != "" {
			if slices.Contains(c.Options, strings.TrimSpace(value)) {
				picks = []string{value}
			} else {
				picks = strings.Split(value, ",")
			}
		}
		for _, pick := range picks {
			if pick = strings.TrimSpace(pick); pick != "" && !slices.Contains(c.Options, pick) {
				return nil, &ChoiceError{Label: c.Label, Value: pick, Options: c.Options}
			}
		}
		if joined := c.JoinSelected(picks); joined != "" {
			out[c.Name] = joined
		}
	}
	return out, nil
}

func lookup[V any](m map[string]V, c Choice) (V, bool) {
	if v, ok := m[c.Name]; ok {
		return v, true
	}
	v, ok := m[c.Label]
	return v, ok
}

// Remove deletes every {name} token from content. Text around the
// token is left untouched.
func Remove(content, name string) string {
	return strings.ReplaceAll(content, "{"+name+"}", "")
}
