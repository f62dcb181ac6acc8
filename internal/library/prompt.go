// Package library holds the prompt collection: the record types, draft
// validation and the Repository that owns the ordered list of prompts
// and writes it through to a durable key-value store on every change.
package library

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/promptful/internal/placeholder"
)

// ErrNotFound is returned when an operation names a prompt id that is
// not in the collection.
var ErrNotFound = errors.New("prompt not found")

// Prompt is a stored template. Variables is derived from Content and is
// never accepted from callers.
type Prompt struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	AIModels   []string  `json:"ai_models"`
	Category   string    `json:"category"`
	Variables  []string  `json:"variables"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Draft returns the editable fields of p.
func (p Prompt) Draft() Draft {
	return Draft{
		Title:    p.Title,
		Content:  p.Content,
		AIModels: append([]string(nil), p.AIModels...),
		Category: p.Category,
	}
}

func (p Prompt) clone() Prompt {
	p.AIModels = append([]string{}, p.AIModels...)
	p.Variables = append([]string{}, p.Variables...)
	return p
}

// Draft is an unpersisted prompt as entered by a user or read from an
// import file.
type Draft struct {
	Title    string   `json:"title" jsonschema:"minLength=3,description=Short display name"`
	Content  string   `json:"content" jsonschema:"minLength=10,description=Template body; {name} marks a variable and {name[a:|:b]} a choice"`
	AIModels []string `json:"ai_models" jsonschema:"minItems=1,description=Models the prompt is written for"`
	Category string   `json:"category,omitempty" jsonschema:"description=Grouping label; blank selects the configured default"`
}

// Patch is a partial update. Nil fields are left unchanged.
// RemoveVariables strips every {name} token of the listed variables
// from the content, after Content is applied.
type Patch struct {
	Title           *string   `json:"title,omitempty"`
	Content         *string   `json:"content,omitempty"`
	AIModels        *[]string `json:"ai_models,omitempty"`
	Category        *string   `json:"category,omitempty"`
	UsageCount      *int      `json:"usage_count,omitempty"`
	RemoveVariables []string  `json:"remove_variables,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.AIModels == nil &&
		p.Category == nil && p.UsageCount == nil && len(p.RemoveVariables) == 0
}

// ApplyTo returns d with the non-nil fields of p applied. UsageCount
// is not part of a draft and is ignored here.
func (p Patch) ApplyTo(d Draft) Draft {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Content != nil {
		d.Content = *p.Content
	}
	for _, name := range p.RemoveVariables {
		d.Content = placeholder.Remove(d.Content, name)
	}
	if p.AIModels != nil {
		d.AIModels = append([]string(nil), (*p.AIModels)...)
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	return d
}

// ImportDefaults fill the fields that bulk import formats do not carry.
type ImportDefaults struct {
	Model    string
	Category string
}

// NormalizeModels trims model tags, drops blanks and removes
// duplicates while keeping first-seen order.
func NormalizeModels(models []string) []string {
	out := make([]string, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// FieldErrors maps a draft field name (its JSON name) to a message a
// person can act on. A nil or empty FieldErrors means the draft is
// acceptable.
type FieldErrors map[string]string

// Error implements error so handlers can return FieldErrors directly.
func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, fe[k]))
	}
	return "invalid prompt: " + strings.Join(parts, "; ")
}

// checked is the normalized view of a Draft that validation runs on.
type checked struct {
	Title    string   `json:"title" validate:"required,min=3"`
	Content  string   `json:"content" validate:"required,min=10"`
	AIModels []string `json:"ai_models" validate:"min=1"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

var fieldMessages = map[string]map[string]string{
	"title": {
		"required": "Title is required",
		"min":      "Title must be at least 3 characters",
	},
	"content": {
		"required": "Content is required",
		"min":      "Content must be at least 10 characters",
	},
	"ai_models": {
		"min": "Select at least one AI model",
	},
}

// Validate checks the draft the way the entry form does: title and
// content are trimmed before their length is measured, and at least one
// non-blank model tag is required. It returns nil when the draft is
// acceptable.
func (d Draft) Validate() FieldErrors {
	c := checked{
		Title:    strings.TrimSpace(d.Title),
		Content:  strings.TrimSpace(d.Content),
		AIModels: NormalizeModels(d.AIModels),
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return FieldErrors{"_": err.Error()}
	}
	out := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		if _, dup := out[fe.Field()]; dup {
			continue
		}
		msg, ok := fieldMessages[fe.Field()][fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed %s check", fe.Tag())
		}
		out[fe.Field()] = msg
	}
	return out
}
