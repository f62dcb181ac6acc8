// Package search keeps an in-memory full-text index of the prompt
// library for ranked queries. The substring filter of the repository
// answers "which prompts contain this text"; the index answers "which
// prompts are most about this", with stemming and fuzzy matching.
//
// The index is derived data. It is rebuilt from a repository snapshot
// whenever the library publishes a change event.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/library"
)

// Hit is one ranked result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Index is a rebuildable full-text index. It is safe for concurrent
// use; searches see either the old or the new index during a rebuild.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	count  int
	logger *slog.Logger
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &Index{idx: idx, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	prose := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = en.AnalyzerName
		f.Store = false
		return f
	}
	tag := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = false
		return f
	}

	doc.AddFieldMappingsAt("title", prose())
	doc.AddFieldMappingsAt("content", prose())
	doc.AddFieldMappingsAt("category", tag())
	doc.AddFieldMappingsAt("models", tag())

	m.DefaultMapping = doc
	return m
}

type document struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Models   []string `json:"models"`
}

func toDocument(p library.Prompt) document {
	models := make([]string, len(p.AIModels))
	for i, m := range p.AIModels {
		models[i] = strings.ToLower(m)
	}
	return document{
		Title:    p.Title,
		Content:  p.Content,
		Category: strings.ToLower(p.Category),
		Models:   models,
	}
}

// Rebuild replaces the index contents with prompts.
func (x *Index) Rebuild(prompts []library.Prompt) error {
	next, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("create search index: %w", err)
	}
	batch := next.NewBatch()
	for _, p := range prompts {
		if err := batch.Index(p.ID, toDocument(p)); err != nil {
			next.Close()
			return fmt.Errorf("index prompt %s: %w", p.ID, err)
		}
	}
	if err := next.Batch(batch); err != nil {
		next.Close()
		return fmt.Errorf("apply index batch: %w", err)
	}

	x.mu.Lock()
	old := x.idx
	x.idx = next
	x.count = len(prompts)
	x.mu.Unlock()

	old.Close()
	x.logger.Debug("search index rebuilt", "prompts", len(prompts))
	return nil
}

// Len returns the number of indexed prompts.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

// Search returns up to limit prompt ids ranked by relevance to text.
// Title matches weigh more than content matches; category and model
// tags match exactly (case-insensitive). A blank text returns nothing.
func (x *Index) Search(text string, limit int) ([]Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetFuzziness(1)
	title.SetBoost(3)

	content := bleve.NewMatchQuery(text)
	content.SetField("content")
	content.SetFuzziness(1)

	category := bleve.NewTermQuery(strings.ToLower(text))
	category.SetField("category")
	category.SetBoost(2)

	model := bleve.NewTermQuery(strings.ToLower(text))
	model.SetField("models")
	model.SetBoost(2)

	req := bleve.NewSearchRequestOptions(
		bleve.NewDisjunctionQuery([]query.Query{title, content, category, model}...),
		limit, 0, false,
	)

	x.mu.RLock()
	res, err := x.idx.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", text, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

// Follow rebuilds the index from repo now and after every library
// change event until ctx is done. Bursts of events collapse into one
// rebuild.
func (x *Index) Follow(ctx context.Context, bus *events.Bus, repo *library.Repository) {
	ch := bus.Subscribe(64,
		events.KindPromptAdded,
		events.KindPromptUpdated,
		events.KindPromptDeleted,
		events.KindPromptsCleared,
	)
	defer bus.Unsubscribe(ch)

	if err := x.Rebuild(repo.List()); err != nil {
		x.logger.Error("search index rebuild failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			drain(ch)
			if err := x.Rebuild(repo.List()); err != nil {
				x.logger.Error("search index rebuild failed", "error", err)
			}
		}
	}
}

func drain(ch <-chan events.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
