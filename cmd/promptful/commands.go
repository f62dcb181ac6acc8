package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/nugget/promptful/internal/csvio"
	"github.com/nugget/promptful/internal/ingest"
	"github.com/nugget/promptful/internal/library"
)

func runList(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	f, err := parseCmdFlags(args, []string{"ai", "category", "sort"}, []string{"reverse"})
	if err != nil {
		return err
	}
	q, err := queryFromFlags(f)
	if err != nil {
		return err
	}

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	prompts, err := b.Search(ctx, q, false)
	if err != nil {
		return err
	}
	return printPrompts(stdout, g.outputFmt, prompts)
}

func runSearch(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	f, err := parseCmdFlags(args, []string{"ai", "category", "sort"}, []string{"reverse", "fulltext"})
	if err != nil {
		return err
	}
	if len(f.args) == 0 {
		return errors.New("usage: promptful search <text> [-ai model] [-fulltext]")
	}
	q, err := queryFromFlags(f)
	if err != nil {
		return err
	}
	q.Text = strings.Join(f.args, " ")

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	prompts, err := b.Search(ctx, q, f.set["fulltext"])
	if err != nil {
		return err
	}
	return printPrompts(stdout, g.outputFmt, prompts)
}

func queryFromFlags(f cmdFlags) (library.Query, error) {
	key, err := library.ParseSortKey(f.values["sort"])
	if err != nil {
		return library.Query{}, err
	}
	return library.Query{
		Model:    f.values["ai"],
		Category: f.values["category"],
		Sort:     key,
		Reverse:  f.set["reverse"],
	}, nil
}

func runShow(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: promptful show <id>")
	}
	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printPrompt(stdout, g.outputFmt, p)
}

// contentFromFlags reads -content or -file. It reports whether either
// was given.
func contentFromFlags(f cmdFlags) (string, bool, error) {
	if f.set["content"] && f.set["file"] {
		return "", false, errors.New("use either -content or -file, not both")
	}
	if f.set["file"] {
		raw, err := os.ReadFile(f.values["file"])
		if err != nil {
			return "", false, fmt.Errorf("read content file: %w", err)
		}
		return string(raw), true, nil
	}
	return f.values["content"], f.set["content"], nil
}

func runAdd(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	f, err := parseCmdFlags(args, []string{"title", "content", "file", "ai", "category"}, nil)
	if err != nil {
		return err
	}
	content, _, err := contentFromFlags(f)
	if err != nil {
		return err
	}

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.Add(ctx, library.Draft{
		Title:    f.values["title"],
		Content:  content,
		AIModels: f.list("ai"),
		Category: f.values["category"],
	})
	if err != nil {
		return err
	}
	if g.outputFmt == "json" {
		return writeJSON(stdout, p)
	}
	fmt.Fprintf(stdout, "Added %s (%s)\n", p.Title, p.ID)
	return nil
}

func runEdit(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	f, err := parseCmdFlags(args, []string{"title", "content", "file", "ai", "category", "remove-var"}, nil)
	if err != nil {
		return err
	}
	if len(f.args) != 1 {
		return errors.New("usage: promptful edit <id> [-title T] [-content C | -file F] [-ai M1,M2] [-category C] [-remove-var V1,V2]")
	}

	var patch library.Patch
	if f.set["title"] {
		title := f.values["title"]
		patch.Title = &title
	}
	content, ok, err := contentFromFlags(f)
	if err != nil {
		return err
	}
	if ok {
		patch.Content = &content
	}
	if f.set["ai"] {
		models := f.list("ai")
		patch.AIModels = &models
	}
	if f.set["category"] {
		category := f.values["category"]
		patch.Category = &category
	}
	patch.RemoveVariables = f.list("remove-var")

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.Edit(ctx, f.args[0], patch)
	if err != nil {
		return err
	}
	if g.outputFmt == "json" {
		return writeJSON(stdout, p)
	}
	fmt.Fprintf(stdout, "Updated %s (%s)\n", p.Title, p.ID)
	return nil
}

func runRemove(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	f, err := parseCmdFlags(args, nil, []string{"all"})
	if err != nil {
		return err
	}
	if f.set["all"] == (len(f.args) > 0) {
		return errors.New("usage: promptful rm <id> ... | promptful rm -all")
	}

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	if f.set["all"] {
		if err := b.DeleteAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Deleted all prompts")
		return nil
	}
	for _, id := range f.args {
		if err := b.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Deleted %s\n", id)
	}
	return nil
}

// runUse renders a prompt with name=value arguments, prints the result
// and counts one use. A choice variable is named by its label and takes
// one option or a comma list (lang=French,English). Unfilled variables
// are reported on stderr.
func runUse(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: promptful use <id> [name=value ...]")
	}
	values := make(map[string]string, len(args)-1)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid value %q (want name=value)", kv)
		}
		values[k] = v
	}

	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.Use(ctx, args[0], values)
	if err != nil {
		return err
	}
	if g.outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	fmt.Fprintln(stdout, res.Rendered)
	if len(res.Unresolved) > 0 {
		fmt.Fprintf(stderr, "warning: unfilled variables: %s\n", strings.Join(res.Unresolved, ", "))
	}
	return nil
}

func runImport(stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: promptful import <file.csv|file.md> ...")
	}
	if g.remoteURL != "" {
		return errors.New("import works on the local library only")
	}
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, cfg)
	store, repo, err := openLibrary(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	im := ingest.NewImporter(repo, importDefaults(cfg), logger)
	var reports []ingest.Report
	for _, path := range args {
		rep, err := im.ImportFile(path)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
		if g.outputFmt == "text" {
			fmt.Fprintf(stdout, "Imported %d prompts from %s (%d skipped)\n", rep.Accepted, path, rep.Skipped)
		}
	}
	if g.outputFmt == "json" {
		return writeJSON(stdout, reports)
	}
	return nil
}

func runExport(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: promptful export [file]")
	}
	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	prompts, err := b.List(ctx)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return csvio.Export(stdout, prompts)
	}
	if err := os.WriteFile(args[0], []byte(csvio.ExportString(prompts)), 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(stderr, "Exported %d prompts to %s\n", len(prompts), args[0])
	return nil
}

// runTags prints the distinct model tags or categories, one per line.
func runTags(ctx context.Context, stdout, stderr io.Writer, g globals, kind string) error {
	b, err := openBackend(stderr, g)
	if err != nil {
		return err
	}
	defer b.Close()

	var tags []string
	if kind == "models" {
		tags, err = b.Models(ctx)
	} else {
		tags, err = b.Categories(ctx)
	}
	if err != nil {
		return err
	}
	if g.outputFmt == "json" {
		if tags == nil {
			tags = []string{}
		}
		return writeJSON(stdout, tags)
	}
	for _, t := range tags {
		fmt.Fprintln(stdout, t)
	}
	return nil
}

// printPrompts writes a table, or JSON with -o json.
func printPrompts(w io.Writer, outputFmt string, prompts []library.Prompt) error {
	if outputFmt == "json" {
		return writeJSON(w, prompts)
	}
	if len(prompts) == 0 {
		fmt.Fprintln(w, "No prompts found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCATEGORY\tMODELS\tUSES")
	for _, p := range prompts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Title, p.Category, strings.Join(p.AIModels, ","), p.UsageCount)
	}
	return tw.Flush()
}

func printPrompt(w io.Writer, outputFmt string, p library.Prompt) error {
	if outputFmt == "json" {
		return writeJSON(w, p)
	}
	vars := append([]string(nil), p.Variables...)
	sort.Strings(vars)
	fmt.Fprintf(w, "%s\n", p.Title)
	fmt.Fprintf(w, "  %-10s %s\n", "id:", p.ID)
	fmt.Fprintf(w, "  %-10s %s\n", "category:", p.Category)
	fmt.Fprintf(w, "  %-10s %s\n", "models:", strings.Join(p.AIModels, ", "))
	fmt.Fprintf(w, "  %-10s %s\n", "variables:", strings.Join(vars, ", "))
	fmt.Fprintf(w, "  %-10s %d\n", "uses:", p.UsageCount)
	fmt.Fprintf(w, "  %-10s %s\n", "created:", p.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, p.Content)
	return nil
}
