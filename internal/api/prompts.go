package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/promptful/internal/csvio"
	"github.com/nugget/promptful/internal/ingest"
	"github.com/nugget/promptful/internal/library"
	"github.com/nugget/promptful/internal/placeholder"
)

const msgNotFound = "Prompt not found"

// CopyRequest is the optional body of POST /prompt/{id}/copy. Keys
// are raw variable names or choice labels. Selected carries the picked
// options of multi-select choices.
type CopyRequest struct {
	Values   map[string]string   `json:"values"`
	Selected map[string][]string `json:"selected,omitempty"`
}

// CopyResponse is returned by POST /prompt/{id}/copy.
type CopyResponse struct {
	Prompt     library.Prompt `json:"prompt"`
	Rendered   string         `json:"rendered"`
	Unresolved []string       `json:"unresolved"`
}

// RenderRequest is the body of POST /render.
type RenderRequest struct {
	Content  string              `json:"content"`
	Values   map[string]string   `json:"values"`
	Selected map[string][]string `json:"selected,omitempty"`
}

// RenderResponse is returned by POST /render.
type RenderResponse struct {
	Rendered   string               `json:"rendered"`
	Variables  []string             `json:"variables"`
	Fields     []placeholder.Choice `json:"fields"`
	Unresolved []string             `json:"unresolved"`
}

// decodeJSON reads a JSON body into v, rejecting unknown fields. An
// empty body is accepted when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.success(w, http.StatusOK, s.repo.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.repo.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, msgNotFound)
		return
	}
	s.success(w, http.StatusOK, p)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var d library.Draft
	if err := decodeJSON(w, r, &d, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if fe := d.Validate(); len(fe) > 0 {
		s.errorWithData(w, http.StatusBadRequest, fe.Error(), fe)
		return
	}
	s.success(w, http.StatusCreated, s.repo.Add(d))
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch library.Patch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Empty() {
		s.errorResponse(w, http.StatusBadRequest, "no fields to update")
		return
	}

	existing, ok := s.repo.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, msgNotFound)
		return
	}
	if fe := patch.ApplyTo(existing.Draft()).Validate(); len(fe) > 0 {
		s.errorWithData(w, http.StatusBadRequest, fe.Error(), fe)
		return
	}

	p, err := s.repo.Update(id, patch)
	if errors.Is(err, library.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, msgNotFound)
		return
	}
	s.success(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.repo.Delete(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, msgNotFound)
		return
	}
	s.success(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n := s.repo.Len()
	s.repo.DeleteAll()
	s.success(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CopyRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	p, ok := s.repo.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, msgNotFound)
		return
	}
	values, err := placeholder.Resolve(p.Content, req.Values, req.Selected)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	rendered := placeholder.Render(p.Content, values)
	unresolved := placeholder.Unresolved(p.Content, values)

	s.repo.IncrementUsage(id)
	if updated, ok := s.repo.Get(id); ok {
		p = updated
	}
	s.success(w, http.StatusOK, CopyResponse{Prompt: p, Rendered: rendered, Unresolved: unresolved})
}

// handleModels lists the distinct AI model tags for filter menus.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.success(w, http.StatusOK, s.repo.Models())
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.success(w, http.StatusOK, s.repo.Categories())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	key, err := library.ParseSortKey(params.Get("sort"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var reverse bool
	switch dir := strings.ToLower(params.Get("dir")); dir {
	case "", "natural":
	case "reverse":
		reverse = true
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown dir %q (valid: natural, reverse)", dir))
		return
	}

	q := library.Query{
		Text:     params.Get("q"),
		Model:    params.Get("ai"),
		Category: params.Get("category"),
		Sort:     key,
		Reverse:  reverse,
	}

	switch mode := params.Get("mode"); mode {
	case "", "substring":
		s.success(w, http.StatusOK, s.repo.Search(q))
	case "fulltext":
		s.fulltext(w, q, params.Has("sort") || reverse, parseIntParam(r, "limit", 20))
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q (valid: substring, fulltext)", mode))
	}
}

// fulltext answers a search from the index in rank order unless an
// explicit sort was requested. Model and category filters still apply.
func (s *Server) fulltext(w http.ResponseWriter, q library.Query, sorted bool, limit int) {
	if s.index == nil {
		s.errorResponse(w, http.StatusBadRequest, "full-text search is not enabled")
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		s.success(w, http.StatusOK, s.repo.Search(q))
		return
	}

	hits, err := s.index.Search(q.Text, limit)
	if err != nil {
		s.logger.Error("full-text search failed", "query", q.Text, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}

	filter := library.Query{Model: q.Model, Category: q.Category}
	out := make([]library.Prompt, 0, len(hits))
	for _, h := range hits {
		p, ok := s.repo.Get(h.ID)
		if !ok || !filter.Matches(p) {
			continue
		}
		out = append(out, p)
	}
	if sorted {
		library.SortPrompts(out, q.Sort, q.Reverse)
	}
	s.success(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", csvio.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", csvio.DefaultFilename))
	if err := csvio.Export(w, s.repo.List()); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "import is not enabled")
		return
	}

	params := r.URL.Query()
	format := ingest.Format(params.Get("format"))
	if format == "" {
		format = ingest.DetectFormat(params.Get("filename"), r.Header.Get("Content-Type"))
	}
	if format == "" {
		format = ingest.FormatCSV
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("read import body: %v", err))
		return
	}

	rep, err := s.importer.Import(format, data)
	switch {
	case errors.Is(err, csvio.ErrNoPrompts):
		s.errorWithData(w, http.StatusUnprocessableEntity, err.Error(), rep)
	case err != nil:
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.success(w, http.StatusOK, rep)
	}
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	values, err := placeholder.Resolve(req.Content, req.Values, req.Selected)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.success(w, http.StatusOK, RenderResponse{
		Rendered:   placeholder.Render(req.Content, values),
		Variables:  placeholder.Parse(req.Content),
		Fields:     placeholder.Fields(req.Content),
		Unresolved: placeholder.Unresolved(req.Content, values),
	})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
