package library

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/placeholder"
)

// DefaultStorageKey is the key the collection is persisted under.
const DefaultStorageKey = "promptful_prompts"

// DefaultCategory is assigned to drafts with a blank category.
const DefaultCategory = "General"

// Store is the durable side of the repository. Implementations are
// best-effort: Load reports false when nothing usable is stored and
// Save never fails from the caller's point of view (errors are logged
// by the implementation).
type Store interface {
	Load(key string, v any) bool
	Save(key string, v any)
}

// Option configures a Repository.
type Option func(*Repository)

// WithKey sets the storage key.
func WithKey(key string) Option {
	return func(r *Repository) { r.key = key }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithBus publishes a change event after every mutation.
func WithBus(b *events.Bus) Option {
	return func(r *Repository) { r.bus = b }
}

// WithDefaultCategory overrides DefaultCategory.
func WithDefaultCategory(c string) Option {
	return func(r *Repository) { r.defaultCategory = c }
}

// WithIDFunc replaces the uuid generator. Intended for tests.
func WithIDFunc(f func() string) Option {
	return func(r *Repository) { r.newID = f }
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(f func() time.Time) Option {
	return func(r *Repository) { r.now = f }
}

// Repository is the single authoritative prompt collection. Every
// mutation updates memory and then writes the whole collection to the
// Store before returning. A failed write is logged by the Store and
// memory is not rolled back. All methods are safe for concurrent use;
// each one is atomic with respect to the others.
type Repository struct {
	mu      sync.Mutex
	prompts []Prompt

	store           Store
	key             string
	logger          *slog.Logger
	bus             *events.Bus
	defaultCategory string
	newID           func() string
	now             func() time.Time
}

// New creates a repository and hydrates it from store. A missing or
// unreadable stored value yields an empty collection.
func New(store Store, opts ...Option) *Repository {
	r := &Repository{
		store:           store,
		key:             DefaultStorageKey,
		logger:          slog.New(slog.DiscardHandler),
		defaultCategory: DefaultCategory,
		newID:           uuid.NewString,
		now:             time.Now,
	}
	for _, o := range opts {
		o(r)
	}

	var loaded []Prompt
	if store != nil && store.Load(r.key, &loaded) {
		seen := make(map[string]struct{}, len(loaded))
		r.prompts = make([]Prompt, 0, len(loaded))
		for _, p := range loaded {
			if _, dup := seen[p.ID]; dup {
				r.logger.Warn("dropping stored prompt with duplicate id", "id", p.ID, "title", p.Title)
				continue
			}
			seen[p.ID] = struct{}{}
			p.Variables = placeholder.Parse(p.Content)
			if p.AIModels == nil {
				p.AIModels = []string{}
			}
			p.UsageCount = max(p.UsageCount, 0)
			r.prompts = append(r.prompts, p)
		}
	}
	r.logger.Debug("prompt library loaded", "key", r.key, "count", len(r.prompts))
	return r
}

// Len returns the number of prompts.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

// List returns a copy of the collection in insertion order.
func (r *Repository) List() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Prompt, len(r.prompts))
	for i, p := range r.prompts {
		out[i] = p.clone()
	}
	return out
}

// Get returns the prompt with the given id.
func (r *Repository) Get(id string) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return Prompt{}, false
	}
	return r.prompts[i].clone(), true
}

// Add stores a new prompt built from d and returns it. The draft is
// not validated here; callers check Draft.Validate first.
func (r *Repository) Add(d Draft) Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.build(d, r.defaultCategory)
	r.prompts = append(r.prompts, p)
	r.persist()
	r.publish(events.KindPromptAdded, map[string]any{"ids": []string{p.ID}, "count": 1})
	return p.clone()
}

// AddAll stores a batch of drafts with a single write. Prompts whose
// category is blank get category; an empty category argument selects
// the repository default.
func (r *Repository) AddAll(drafts []Draft, category string) []Prompt {
	if len(drafts) == 0 {
		return []Prompt{}
	}
	if category == "" {
		category = r.defaultCategory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Prompt, 0, len(drafts))
	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		p := r.build(d, category)
		r.prompts = append(r.prompts, p)
		out = append(out, p.clone())
		ids = append(ids, p.ID)
	}
	r.persist()
	r.publish(events.KindPromptAdded, map[string]any{"ids": ids, "count": len(ids)})
	return out
}

// Update merges patch into the prompt with the given id. Variables are
// recomputed from the resulting content. UsageCount is kept unless the
// patch sets it; negative values clamp to zero.
func (r *Repository) Update(id string, patch Patch) (Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Prompt{}, ErrNotFound
	}

	p := r.prompts[i]
	d := patch.ApplyTo(p.Draft())
	p.Title = strings.TrimSpace(d.Title)
	p.Content = d.Content
	p.AIModels = NormalizeModels(d.AIModels)
	p.Category = r.category(d.Category, r.defaultCategory)
	p.Variables = placeholder.Parse(p.Content)
	if patch.UsageCount != nil {
		p.UsageCount = max(*patch.UsageCount, 0)
	}
	p.UpdatedAt = r.now().UTC()

	r.prompts[i] = p
	r.persist()
	r.publish(events.KindPromptUpdated, map[string]any{"id": id})
	return p.clone(), nil
}

// Delete removes the prompt with the given id.
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	r.prompts = append(r.prompts[:i], r.prompts[i+1:]...)
	r.persist()
	r.publish(events.KindPromptDeleted, map[string]any{"id": id})
	return nil
}

// DeleteAll empties the collection.
func (r *Repository) DeleteAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.prompts)
	r.prompts = []Prompt{}
	r.persist()
	r.publish(events.KindPromptsCleared, map[string]any{"count": n})
}

// IncrementUsage adds one to the usage count of the prompt with the
// given id. An unknown id is ignored.
func (r *Repository) IncrementUsage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		r.logger.Debug("usage increment for unknown prompt", "id", id)
		return
	}
	r.prompts[i].UsageCount++
	r.persist()
	r.publish(events.KindPromptUsed, map[string]any{"id": id, "usage_count": r.prompts[i].UsageCount})
}

func (r *Repository) build(d Draft, fallbackCategory string) Prompt {
	now := r.now().UTC()
	return Prompt{
		ID:         r.newID(),
		Title:      strings.TrimSpace(d.Title),
		Content:    d.Content,
		AIModels:   NormalizeModels(d.AIModels),
		Category:   r.category(d.Category, fallbackCategory),
		Variables:  placeholder.Parse(d.Content),
		UsageCount: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *Repository) category(c, fallback string) string {
	if c = strings.TrimSpace(c); c != "" {
		return c
	}
	return fallback
}

// indexOf must be called with r.mu held.
func (r *Repository) indexOf(id string) int {
	for i := range r.prompts {
		if r.prompts[i].ID == id {
			return i
		}
	}
	return -1
}

// persist must be called with r.mu held.
func (r *Repository) persist() {
	if r.store == nil {
		return
	}
	r.store.Save(r.key, r.prompts)
}

func (r *Repository) publish(kind string, data map[string]any) {
	r.logger.Debug("prompt library changed", "kind", kind, "count", len(r.prompts))
	r.bus.Publish(events.NewEvent(events.SourceLibrary, kind, data))
}
