package ingest

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/promptful/internal/csvio"
	"github.com/nugget/promptful/internal/library"
)

// Format identifies an import file type.
type Format string

// Supported formats.
const (
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// DetectFormat picks a format from a file name, falling back to a MIME
// type. It returns "" when neither is recognized.
func DetectFormat(name, contentType string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV
	case ".md", ".markdown":
		return FormatMarkdown
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "text/csv", "application/csv":
		return FormatCSV
	case "text/markdown", "text/x-markdown":
		return FormatMarkdown
	}
	return ""
}

// Report summarizes one import.
type Report struct {
	Format   Format           `json:"format"`
	Rows     int              `json:"rows"`
	Accepted int              `json:"accepted"`
	Skipped  int              `json:"skipped"`
	Prompts  []library.Prompt `json:"prompts"`
}

// Importer parses import payloads and adds the result to a repository
// in one batch.
type Importer struct {
	repo     *library.Repository
	defaults library.ImportDefaults
	logger   *slog.Logger
}

// NewImporter creates an importer. defaults supplies the model tag and
// category for rows that carry none.
func NewImporter(repo *library.Repository, defaults library.ImportDefaults, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Importer{repo: repo, defaults: defaults, logger: logger}
}

// Parse converts data to drafts without touching the repository.
func (im *Importer) Parse(format Format, data []byte) (Report, []library.Draft, error) {
	rep := Report{Format: format, Prompts: []library.Prompt{}}
	var drafts []library.Draft

	switch format {
	case FormatCSV:
		res := csvio.Import(string(data), im.defaults)
		drafts = res.Drafts
		rep.Rows = res.Rows
		rep.Skipped = res.Skipped
	case FormatMarkdown:
		sections := ParseSections(data)
		drafts = ParseMarkdown(data, im.defaults)
		rep.Rows = len(sections)
		rep.Skipped = len(sections) - len(drafts)
	default:
		return rep, nil, fmt.Errorf("unsupported import format %q", format)
	}

	rep.Accepted = len(drafts)
	if rep.Accepted == 0 {
		return rep, nil, csvio.ErrNoPrompts
	}
	return rep, drafts, nil
}

// Import parses data and adds every accepted draft. It returns
// csvio.ErrNoPrompts when nothing was accepted, leaving the repository
// untouched.
func (im *Importer) Import(format Format, data []byte) (Report, error) {
	rep, drafts, err := im.Parse(format, data)
	if err != nil {
		return rep, err
	}
	rep.Prompts = im.repo.AddAll(drafts, im.defaults.Category)
	im.logger.Info("prompts imported",
		"format", format,
		"accepted", rep.Accepted,
		"skipped", rep.Skipped,
	)
	return rep, nil
}

// ImportFile imports the file at path, detecting its format from the
// extension.
func (im *Importer) ImportFile(path string) (Report, error) {
	format := DetectFormat(path, "")
	if format == "" {
		return Report{}, fmt.Errorf("%s: unrecognized file type (want .csv or .md)", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read import file: %w", err)
	}
	rep, err := im.Import(format, data)
	if err != nil {
		return rep, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rep, nil
}
