// Package ingest turns import files into prompts. CSV is handled by
// csvio; Markdown documents are split on their level-two headings, one
// prompt per section. Importer is the single entry point used by the
// CLI, the HTTP API and the inbox watcher.
package ingest

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nugget/promptful/internal/library"
)

// Section is one prompt-sized piece of a Markdown document.
type Section struct {
	// Title is the plain text of the level-two heading.
	Title string
	// Group is the plain text of the nearest preceding level-one
	// heading, or empty.
	Group string
	// Body is the raw Markdown between the heading and the next heading
	// of level one or two, trimmed.
	Body string
}

var parser = goldmark.New().Parser()

// ParseSections splits src on level-two headings. Headings inside code
// blocks are not headings and stay in the body. Level-three and deeper
// headings belong to the enclosing section.
func ParseSections(src []byte) []Section {
	doc := parser.Parse(text.NewReader(src))

	type mark struct {
		level        int
		title        string
		lineStart    int // offset of the heading's first line
		contentStart int // offset just past the heading
	}
	var marks []mark

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		first := h.Lines().At(0)
		last := h.Lines().At(h.Lines().Len() - 1)
		start := lineStart(src, first.Start)
		stop := last.Stop
		if stop > 0 && src[stop-1] == '\n' {
			stop--
		}
		end := lineEnd(src, stop)
		if !bytes.HasPrefix(bytes.TrimLeft(src[start:], " "), []byte("#")) {
			// Setext heading: the underline is the following line.
			end = lineEnd(src, end)
		}
		marks = append(marks, mark{
			level:        h.Level,
			title:        strings.TrimSpace(string(h.Text(src))),
			lineStart:    start,
			contentStart: end,
		})
	}

	var out []Section
	group := ""
	for i, m := range marks {
		if m.level == 1 {
			group = m.title
			continue
		}
		stop := len(src)
		if i+1 < len(marks) {
			stop = marks[i+1].lineStart
		}
		out = append(out, Section{
			Title: m.title,
			Group: group,
			Body:  strings.TrimSpace(string(src[m.contentStart:stop])),
		})
	}
	return out
}

// ParseMarkdown returns one draft per section with a non-blank title
// and body. The level-one heading above a section becomes its category;
// sections without one get d.Category.
func ParseMarkdown(src []byte, d library.ImportDefaults) []library.Draft {
	drafts := []library.Draft{}
	for _, s := range ParseSections(src) {
		if s.Title == "" || s.Body == "" {
			continue
		}
		category := s.Group
		if category == "" {
			category = d.Category
		}
		drafts = append(drafts, library.Draft{
			Title:    s.Title,
			Content:  s.Body,
			AIModels: []string{d.Model},
			Category: category,
		})
	}
	return drafts
}

// lineStart returns the offset of the first byte of the line holding
// offset i.
func lineStart(src []byte, i int) int {
	return bytes.LastIndexByte(src[:i], '\n') + 1
}

// lineEnd returns the offset just past the newline that ends the line
// holding offset i, or len(src).
func lineEnd(src []byte, i int) int {
	if i >= len(src) {
		return len(src)
	}
	if j := bytes.IndexByte(src[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(src)
}
