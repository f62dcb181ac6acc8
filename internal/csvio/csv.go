// Package csvio reads and writes the prompt CSV format. The format is
// a header line "Name,Prompt," followed by one line per prompt with the
// title and content double-quoted and a trailing comma.
//
// Parsing uses a small state machine instead of encoding/csv: exported
// files end every line with a trailing comma, spreadsheet tools may
// emit bare carriage returns, and quote characters in unquoted fields
// must be tolerated rather than rejected.
package csvio

import (
	"errors"
	"io"
	"strings"

	"github.com/nugget/promptful/internal/library"
)

// ContentType is the MIME type of exported files.
const ContentType = "text/csv;charset=utf-8"

// Header is the first line of every exported file.
const Header = "Name,Prompt,"

// DefaultFilename is suggested for downloads.
const DefaultFilename = "prompts.csv"

// ErrNoPrompts is returned by callers when an import yields nothing.
var ErrNoPrompts = errors.New("no valid prompts found in the file")

// ExportString renders prompts in collection order.
func ExportString(prompts []library.Prompt) string {
	var b strings.Builder
	b.WriteString(Header)
	for _, p := range prompts {
		b.WriteByte('\n')
		b.WriteString(quote(p.Title))
		b.WriteByte(',')
		b.WriteString(quote(p.Content))
		b.WriteByte(',')
	}
	return b.String()
}

// Export writes ExportString(prompts) to w.
func Export(w io.Writer, prompts []library.Prompt) error {
	_, err := io.WriteString(w, ExportString(prompts))
	return err
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Parse splits text into rows of fields.
//
// Outside quotes a comma ends a field and a line break (\n, \r\n or a
// bare \r) ends a field and its row. A quote toggles quoting, except
// that two quotes inside a quoted field produce one literal quote.
// At end of input the pending row is kept unless it is a single empty
// field.
func Parse(text string) [][]string {
	var (
		rows     [][]string
		row      []string
		field    strings.Builder
		inQuotes bool
	)

	endField := func() {
		row = append(row, field.String())
		field.Reset()
	}
	endRow := func() {
		endField()
		rows = append(rows, row)
		row = nil
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '"' && inQuotes && i+1 < len(text) && text[i+1] == '"':
			field.WriteByte('"')
			i++
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			endField()
		case (c == '\n' || c == '\r') && !inQuotes:
			if c == '\r' && i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			endRow()
		default:
			field.WriteByte(c)
		}
	}

	endField()
	if len(row) > 1 || row[0] != "" {
		rows = append(rows, row)
	}
	return rows
}

// Result describes an import.
type Result struct {
	// Drafts are the accepted rows, in file order.
	Drafts []library.Draft
	// Rows is the number of data rows read (the header excluded).
	Rows int
	// Skipped counts data rows that were dropped.
	Skipped int
}

// Accepted is the number of drafts produced.
func (r Result) Accepted() int { return len(r.Drafts) }

// Import turns CSV text into drafts. The first row is always treated
// as a header and dropped. A row is kept when its trimmed title and
// content are both non-empty and it is not a repeated header (title
// "Name" or content "Prompt"). A leading byte order mark is ignored.
func Import(text string, d library.ImportDefaults) Result {
	text = strings.TrimPrefix(text, "\ufeff")
	rows := Parse(text)

	res := Result{Drafts: []library.Draft{}}
	if len(rows) < 2 {
		return res
	}
	for _, row := range rows[1:] {
		res.Rows++
		title := strings.TrimSpace(field(row, 0))
		content := strings.TrimSpace(field(row, 1))
		if title == "" || content == "" || title == "Name" || content == "Prompt" {
			res.Skipped++
			continue
		}
		res.Drafts = append(res.Drafts, library.Draft{
			Title:    title,
			Content:  content,
			AIModels: []string{d.Model},
			Category: d.Category,
		})
	}
	return res
}

func field(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
