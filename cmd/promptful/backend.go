package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/promptful/internal/config"
	"github.com/nugget/promptful/internal/kvstore"
	"github.com/nugget/promptful/internal/library"
	"github.com/nugget/promptful/internal/placeholder"
	"github.com/nugget/promptful/internal/remote"
	"github.com/nugget/promptful/internal/search"
)

// backend is the prompt library as seen by the CLI subcommands: the
// local store, or a remote server when -remote is given.
type backend interface {
	List(ctx context.Context) ([]library.Prompt, error)
	Get(ctx context.Context, id string) (library.Prompt, error)
	Search(ctx context.Context, q library.Query, fulltext bool) ([]library.Prompt, error)
	Add(ctx context.Context, d library.Draft) (library.Prompt, error)
	Edit(ctx context.Context, id string, patch library.Patch) (library.Prompt, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Use(ctx context.Context, id string, values map[string]string) (remote.CopyResult, error)
	Models(ctx context.Context) ([]string, error)
	Categories(ctx context.Context) ([]string, error)
	Close() error
}

// openBackend loads the config and opens the selected backend. Logs go
// to w at warn level so command output stays clean.
func openBackend(w io.Writer, g globals) (backend, error) {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := cliLogger(w, cfg)

	if g.remoteURL != "" {
		client, err := newRemoteClient(cfg, g.remoteURL, logger)
		if err != nil {
			return nil, err
		}
		return remoteBackend{client}, nil
	}

	store, repo, err := openLibrary(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	return &localBackend{store: store, repo: repo, logger: logger}, nil
}

// cliLogger logs at the configured level but never below warn.
func cliLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, max(level, slog.LevelWarn), cfg.LogFormat)
}

// localBackend applies the same checks as the API handlers.
type localBackend struct {
	store  *kvstore.Store
	repo   *library.Repository
	logger *slog.Logger
}

func (b *localBackend) List(context.Context) ([]library.Prompt, error) {
	return b.repo.List(), nil
}

func (b *localBackend) Get(_ context.Context, id string) (library.Prompt, error) {
	p, ok := b.repo.Get(id)
	if !ok {
		return library.Prompt{}, fmt.Errorf("%s: %w", id, library.ErrNotFound)
	}
	return p, nil
}

// Search builds a throwaway index for full-text queries.
func (b *localBackend) Search(_ context.Context, q library.Query, fulltext bool) ([]library.Prompt, error) {
	if !fulltext || q.Text == "" {
		return b.repo.Search(q), nil
	}

	idx, err := search.NewIndex(b.logger)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	if err := idx.Rebuild(b.repo.List()); err != nil {
		return nil, err
	}
	hits, err := idx.Search(q.Text, 50)
	if err != nil {
		return nil, err
	}

	filter := library.Query{Model: q.Model, Category: q.Category}
	out := make([]library.Prompt, 0, len(hits))
	for _, h := range hits {
		if p, ok := b.repo.Get(h.ID); ok && filter.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *localBackend) Add(_ context.Context, d library.Draft) (library.Prompt, error) {
	if fe := d.Validate(); len(fe) > 0 {
		return library.Prompt{}, fe
	}
	return b.repo.Add(d), nil
}

func (b *localBackend) Edit(_ context.Context, id string, patch library.Patch) (library.Prompt, error) {
	if patch.Empty() {
		return library.Prompt{}, errors.New("no fields to update")
	}
	existing, ok := b.repo.Get(id)
	if !ok {
		return library.Prompt{}, fmt.Errorf("%s: %w", id, library.ErrNotFound)
	}
	if fe := patch.ApplyTo(existing.Draft()).Validate(); len(fe) > 0 {
		return library.Prompt{}, fe
	}
	return b.repo.Update(id, patch)
}

func (b *localBackend) Delete(_ context.Context, id string) error {
	if err := b.repo.Delete(id); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

func (b *localBackend) DeleteAll(context.Context) error {
	b.repo.DeleteAll()
	return nil
}

func (b *localBackend) Use(_ context.Context, id string, values map[string]string) (remote.CopyResult, error) {
	p, ok := b.repo.Get(id)
	if !ok {
		return remote.CopyResult{}, fmt.Errorf("%s: %w", id, library.ErrNotFound)
	}
	resolved, err := placeholder.Resolve(p.Content, values, nil)
	if err != nil {
		return remote.CopyResult{}, err
	}
	res := remote.CopyResult{
		Rendered:   placeholder.Render(p.Content, resolved),
		Unresolved: placeholder.Unresolved(p.Content, resolved),
	}
	b.repo.IncrementUsage(id)
	res.Prompt, _ = b.repo.Get(id)
	return res, nil
}

func (b *localBackend) Models(context.Context) ([]string, error) {
	return b.repo.Models(), nil
}

func (b *localBackend) Categories(context.Context) ([]string, error) {
	return b.repo.Categories(), nil
}

func (b *localBackend) Close() error {
	return b.store.Close()
}

// remoteBackend forwards to a remote server.
type remoteBackend struct {
	client *remote.Client
}

func (b remoteBackend) List(ctx context.Context) ([]library.Prompt, error) {
	return b.client.List(ctx)
}

func (b remoteBackend) Get(ctx context.Context, id string) (library.Prompt, error) {
	return b.client.Get(ctx, id)
}

func (b remoteBackend) Search(ctx context.Context, q library.Query, fulltext bool) ([]library.Prompt, error) {
	return b.client.Search(ctx, q, fulltext)
}

func (b remoteBackend) Add(ctx context.Context, d library.Draft) (library.Prompt, error) {
	return b.client.Add(ctx, d)
}

func (b remoteBackend) Edit(ctx context.Context, id string, patch library.Patch) (library.Prompt, error) {
	return b.client.Edit(ctx, id, patch)
}

func (b remoteBackend) Delete(ctx context.Context, id string) error {
	return b.client.Delete(ctx, id)
}

func (b remoteBackend) DeleteAll(ctx context.Context) error {
	return b.client.DeleteAll(ctx)
}

func (b remoteBackend) Use(ctx context.Context, id string, values map[string]string) (remote.CopyResult, error) {
	return b.client.Copy(ctx, id, values)
}

func (b remoteBackend) Models(ctx context.Context) ([]string, error) {
	return b.client.Models(ctx)
}

func (b remoteBackend) Categories(ctx context.Context) ([]string, error) {
	return b.client.Categories(ctx)
}

func (b remoteBackend) Close() error { return nil }
