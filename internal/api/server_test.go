package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/ingest"
	"github.com/nugget/promptful/internal/library"
	"github.com/nugget/promptful/internal/search"
)

type response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestServer(t *testing.T) (*Server, *library.Repository, *events.Bus) {
	t.Helper()
	bus := events.New()
	repo := library.New(nil, library.WithBus(bus))
	im := ingest.NewImporter(repo, library.ImportDefaults{Model: "ChatGPT", Category: "Imported"}, nil)
	return NewServer("127.0.0.1", 0, repo, im, nil), repo, bus
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out response
	if ct := rec.Header().Get("Content-Type"); ct == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode envelope: %v (%s)", method, path, err, rec.Body)
		}
	}
	return rec.Code, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, raw)
	}
	return v
}

const validDraft = `{"title":"Greeting","content":"Say hello to {name} in {lang}","ai_models":["ChatGPT"]}`

func TestAddAndList(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()

	code, resp := call(t, h, http.MethodPost, "/prompt/add", validDraft)
	if code != http.StatusCreated || resp.Status != StatusSuccess {
		t.Fatalf("add = %d %+v", code, resp)
	}
	p := decode[library.Prompt](t, resp.Data)
	if p.ID == "" || p.Category != library.DefaultCategory {
		t.Errorf("added prompt = %+v", p)
	}
	if len(p.Variables) != 2 || p.Variables[0] != "name" || p.Variables[1] != "lang" {
		t.Errorf("variables = %v", p.Variables)
	}

	code, resp = call(t, h, http.MethodGet, "/prompts", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if list := decode[[]library.Prompt](t, resp.Data); len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("list = %+v", list)
	}
	if repo.Len() != 1 {
		t.Errorf("repo.Len = %d", repo.Len())
	}

	code, resp = call(t, h, http.MethodGet, "/prompt/"+p.ID, "")
	if code != http.StatusOK || decode[library.Prompt](t, resp.Data).Title != "Greeting" {
		t.Errorf("get = %d %+v", code, resp)
	}
}

func TestAddRejects(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"short title", `{"title":"ab","content":"long enough body","ai_models":["x"]}`, "title"},
		{"blank content", `{"title":"Title","content":"   ","ai_models":["x"]}`, "content"},
		{"no models", `{"title":"Title","content":"long enough body","ai_models":[" "]}`, "ai_models"},
		{"unknown field", `{"title":"Title","content":"long enough body","ai_models":["x"],"usage":3}`, ""},
		{"not json", `title=x`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, h, http.MethodPost, "/prompt/add", tt.body)
			if code != http.StatusBadRequest || resp.Status != StatusError || resp.Message == "" {
				t.Fatalf("add = %d %+v", code, resp)
			}
			if tt.wantField != "" {
				fe := decode[map[string]string](t, resp.Data)
				if fe[tt.wantField] == "" {
					t.Errorf("field errors = %v, want %s", fe, tt.wantField)
				}
			}
		})
	}
	if repo.Len() != 0 {
		t.Errorf("repo.Len = %d after rejected adds", repo.Len())
	}
}

func TestGetMissing(t *testing.T) {
	s, _, _ := newTestServer(t)
	code, resp := call(t, s.Handler(), http.MethodGet, "/prompt/nope", "")
	if code != http.StatusNotFound || resp.Message != msgNotFound {
		t.Errorf("get = %d %+v", code, resp)
	}
}

func TestEdit(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()
	p := repo.Add(library.Draft{Title: "Original", Content: "Original body text", AIModels: []string{"Claude"}})

	code, resp := call(t, h, http.MethodPost, "/prompt/"+p.ID+"/edit", `{"title":"Renamed","content":"Now with {topic}"}`)
	if code != http.StatusOK {
		t.Fatalf("edit = %d %+v", code, resp)
	}
	got := decode[library.Prompt](t, resp.Data)
	if got.Title != "Renamed" || got.AIModels[0] != "Claude" || len(got.Variables) != 1 {
		t.Errorf("edited = %+v", got)
	}

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"empty patch", p.ID, `{}`, http.StatusBadRequest},
		{"invalid merge", p.ID, `{"content":"short"}`, http.StatusBadRequest},
		{"unknown field", p.ID, `{"variables":["x"]}`, http.StatusBadRequest},
		{"unknown id", "missing", `{"title":"Whatever"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, resp := call(t, h, http.MethodPost, "/prompt/"+tt.id+"/edit", tt.body); code != tt.want {
				t.Errorf("edit = %d %+v, want %d", code, resp, tt.want)
			}
		})
	}
	if cur, _ := repo.Get(p.ID); cur.Content != "Now with {topic}" {
		t.Errorf("content changed by rejected edit: %q", cur.Content)
	}

	code, resp = call(t, h, http.MethodPost, "/prompt/"+p.ID+"/edit", `{"content":"Explain {topic} to {audience}","remove_variables":["audience"]}`)
	if code != http.StatusOK {
		t.Fatalf("remove variable = %d %+v", code, resp)
	}
	got = decode[library.Prompt](t, resp.Data)
	if got.Content != "Explain {topic} to " || len(got.Variables) != 1 || got.Variables[0] != "topic" {
		t.Errorf("after remove = %+v", got)
	}
}

func TestModelsAndCategories(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()
	repo.Add(library.Draft{Title: "One", Content: "first body text", AIModels: []string{"Gemini", "Claude"}, Category: "Work"})
	repo.Add(library.Draft{Title: "Two", Content: "second body text", AIModels: []string{"Claude"}})

	code, resp := call(t, h, http.MethodGet, "/prompts/models", "")
	if got := decode[[]string](t, resp.Data); code != http.StatusOK || strings.Join(got, ",") != "Claude,Gemini" {
		t.Errorf("models = %d %v", code, got)
	}
	code, resp = call(t, h, http.MethodGet, "/prompts/categories", "")
	if got := decode[[]string](t, resp.Data); code != http.StatusOK || strings.Join(got, ",") != library.DefaultCategory+",Work" {
		t.Errorf("categories = %d %v", code, got)
	}
}

func TestDelete(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()
	a := repo.Add(library.Draft{Title: "First", Content: "first body here", AIModels: []string{"x"}})
	repo.Add(library.Draft{Title: "Second", Content: "second body here", AIModels: []string{"x"}})

	if code, _ := call(t, h, http.MethodPost, "/prompt/"+a.ID+"/delete", ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := call(t, h, http.MethodPost, "/prompt/"+a.ID+"/delete", ""); code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", code)
	}

	code, resp := call(t, h, http.MethodPost, "/prompts/delete", "")
	if code != http.StatusOK || decode[map[string]int](t, resp.Data)["deleted"] != 1 {
		t.Errorf("delete all = %d %+v", code, resp)
	}
	if repo.Len() != 0 {
		t.Errorf("repo.Len = %d", repo.Len())
	}
}

func TestCopy(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()
	p := repo.Add(library.Draft{Title: "Travel", Content: "Hello {name} from {place}", AIModels: []string{"x"}})

	code, resp := call(t, h, http.MethodPost, "/prompt/"+p.ID+"/copy", `{"values":{"name":"Ada","place":"  "}}`)
	if code != http.StatusOK {
		t.Fatalf("copy = %d %+v", code, resp)
	}
	got := decode[CopyResponse](t, resp.Data)
	if got.Rendered != "Hello Ada from {place}" {
		t.Errorf("rendered = %q", got.Rendered)
	}
	if len(got.Unresolved) != 1 || got.Unresolved[0] != "place" {
		t.Errorf("unresolved = %v", got.Unresolved)
	}
	if got.Prompt.UsageCount != 1 {
		t.Errorf("usage = %d, want 1", got.Prompt.UsageCount)
	}

	code, resp = call(t, h, http.MethodPost, "/prompt/"+p.ID+"/copy", "")
	if code != http.StatusOK || decode[CopyResponse](t, resp.Data).Prompt.UsageCount != 2 {
		t.Errorf("copy without body = %d %+v", code, resp)
	}
	if code, _ := call(t, h, http.MethodPost, "/prompt/missing/copy", ""); code != http.StatusNotFound {
		t.Errorf("copy missing = %d", code)
	}
}

func TestCopyChoices(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	code, resp := call(t, h, http.MethodPost, "/prompt/add",
		`{"title":"Translate","content":"Translate {text} to {lang[English:|:French]}","ai_models":["Claude"]}`)
	if code != http.StatusCreated {
		t.Fatalf("add = %d %+v", code, resp)
	}
	p := decode[library.Prompt](t, resp.Data)
	if len(p.Variables) != 2 || p.Variables[0] != "text" || p.Variables[1] != "lang[English:|:French]" {
		t.Fatalf("variables = %v", p.Variables)
	}
	path := "/prompt/" + p.ID + "/copy"

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantText  string
		wantUsage int
	}{
		{"label key", `{"values":{"text":"hello","lang":"French"}}`, http.StatusOK, "Translate hello to French", 1},
		{"selected list", `{"values":{"text":"hi"},"selected":{"lang":["French","English"]}}`, http.StatusOK, "Translate hi to English,French", 2},
		{"raw name key", `{"values":{"text":"hey","lang[English:|:French]":"English"}}`, http.StatusOK, "Translate hey to English", 3},
		{"value outside options", `{"values":{"text":"hello","lang":"German"}}`, http.StatusBadRequest, "", 3},
		{"selection outside options", `{"selected":{"lang":["Klingon"]}}`, http.StatusBadRequest, "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, h, http.MethodPost, path, tt.body)
			if code != tt.wantCode {
				t.Fatalf("copy = %d %+v, want %d", code, resp, tt.wantCode)
			}
			if code != http.StatusOK {
				if !strings.Contains(resp.Message, "is not one of English, French") {
					t.Errorf("message = %q", resp.Message)
				}
			} else {
				got := decode[CopyResponse](t, resp.Data)
				if got.Rendered != tt.wantText || len(got.Unresolved) != 0 {
					t.Errorf("copy = %q unresolved %v, want %q", got.Rendered, got.Unresolved, tt.wantText)
				}
			}
			code, resp = call(t, h, http.MethodGet, "/prompt/"+p.ID, "")
			if code != http.StatusOK || decode[library.Prompt](t, resp.Data).UsageCount != tt.wantUsage {
				t.Errorf("usage after %s = %+v, want %d", tt.name, resp, tt.wantUsage)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	s, repo, _ := newTestServer(t)
	repo.Add(library.Draft{Title: "Email reply", Content: "Reply politely to {email}", AIModels: []string{"ChatGPT"}})
	b := repo.Add(library.Draft{Title: "Bug triage", Content: "Classify the bug report {report}", AIModels: []string{"Claude"}})
	repo.IncrementUsage(b.ID)

	idx, err := search.NewIndex(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.Rebuild(repo.List()); err != nil {
		t.Fatal(err)
	}
	s.SetIndex(idx)
	h := s.Handler()

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"all by usage", "/prompts/search", []string{"Bug triage", "Email reply"}},
		{"text", "/prompts/search?q=reply", []string{"Email reply"}},
		{"model filter", "/prompts/search?ai=claude", []string{"Bug triage"}},
		{"title reversed", "/prompts/search?sort=title&dir=reverse", []string{"Email reply", "Bug triage"}},
		{"fulltext stem", "/prompts/search?q=classifying&mode=fulltext", []string{"Bug triage"}},
		{"fulltext filtered", "/prompts/search?q=classify&ai=ChatGPT&mode=fulltext", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, h, http.MethodGet, tt.path, "")
			if code != http.StatusOK {
				t.Fatalf("search = %d %+v", code, resp)
			}
			got := decode[[]library.Prompt](t, resp.Data)
			if len(got) != len(tt.want) {
				t.Fatalf("search %s = %d results, want %v", tt.path, len(got), tt.want)
			}
			for i := range got {
				if got[i].Title != tt.want[i] {
					t.Errorf("result %d = %q, want %q", i, got[i].Title, tt.want[i])
				}
			}
		})
	}

	for _, bad := range []string{"?sort=random", "?dir=sideways", "?mode=magic"} {
		if code, _ := call(t, h, http.MethodGet, "/prompts/search"+bad, ""); code != http.StatusBadRequest {
			t.Errorf("search %s = %d, want 400", bad, code)
		}
	}
}

func TestFulltextDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	if code, _ := call(t, s.Handler(), http.MethodGet, "/prompts/search?q=x&mode=fulltext", ""); code != http.StatusBadRequest {
		t.Errorf("fulltext without index = %d, want 400", code)
	}
}

func TestExport(t *testing.T) {
	s, repo, _ := newTestServer(t)
	repo.Add(library.Draft{Title: "Greeting", Content: "Hello {name}", AIModels: []string{"x"}})

	req := httptest.NewRequest(http.MethodGet, "/prompts/export.csv", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/csv;charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "prompts.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if want := "Name,Prompt,\n\"Greeting\",\"Hello {name}\","; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestImport(t *testing.T) {
	s, repo, _ := newTestServer(t)
	h := s.Handler()

	code, resp := call(t, h, http.MethodPost, "/prompts/import", "Name,Prompt,\n\"One\",\"first body\",\n\"Two\",\"second body\",")
	if code != http.StatusOK {
		t.Fatalf("import = %d %+v", code, resp)
	}
	rep := decode[ingest.Report](t, resp.Data)
	if rep.Accepted != 2 || len(rep.Prompts) != 2 || rep.Prompts[0].Category != "Imported" {
		t.Errorf("report = %+v", rep)
	}

	code, resp = call(t, h, http.MethodPost, "/prompts/import?format=markdown", "## Summary\n\nSummarize {text} briefly.\n")
	if code != http.StatusOK || decode[ingest.Report](t, resp.Data).Accepted != 1 {
		t.Errorf("markdown import = %d %+v", code, resp)
	}

	code, resp = call(t, h, http.MethodPost, "/prompts/import", "Name,Prompt,")
	if code != http.StatusUnprocessableEntity || resp.Message != "no valid prompts found in the file" {
		t.Errorf("empty import = %d %+v", code, resp)
	}
	if repo.Len() != 3 {
		t.Errorf("repo.Len = %d, want 3", repo.Len())
	}
}

func TestRender(t *testing.T) {
	s, _, _ := newTestServer(t)
	code, resp := call(t, s.Handler(), http.MethodPost, "/render",
		`{"content":"Compare {team1} and {team2} on {metric[Goals:|:Points]}","values":{"team1":"Ajax"}}`)
	if code != http.StatusOK {
		t.Fatalf("render = %d %+v", code, resp)
	}
	got := decode[RenderResponse](t, resp.Data)
	if got.Rendered != "Compare Ajax and {team2} on {metric[Goals:|:Points]}" {
		t.Errorf("rendered = %q", got.Rendered)
	}
	if len(got.Fields) != 3 || !got.Fields[2].HasChoices || len(got.Fields[2].Options) != 2 {
		t.Errorf("fields = %+v", got.Fields)
	}
	if len(got.Unresolved) != 2 {
		t.Errorf("unresolved = %v", got.Unresolved)
	}

	if code, _ := call(t, s.Handler(), http.MethodPost, "/render", `{"content":""}`); code != http.StatusBadRequest {
		t.Errorf("empty render = %d", code)
	}

	code, resp = call(t, s.Handler(), http.MethodPost, "/render",
		`{"content":"On {metric[Goals:|:Points]}","selected":{"metric":["Points","Goals"]}}`)
	if code != http.StatusOK || decode[RenderResponse](t, resp.Data).Rendered != "On Goals,Points" {
		t.Errorf("render selected = %d %+v", code, resp)
	}
	if code, _ := call(t, s.Handler(), http.MethodPost, "/render", `{"content":"On {metric[Goals:|:Points]}","values":{"metric":"Assists"}}`); code != http.StatusBadRequest {
		t.Errorf("render bad choice = %d", code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _, bus := newTestServer(t)
	s.SetBus(bus)
	s.SetRemoteStatus(func() any { return map[string]bool{"ready": true} })
	h := s.Handler()
	ch := bus.Subscribe(1)
	defer bus.Unsubscribe(ch)

	code, resp := call(t, h, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	body := decode[map[string]any](t, resp.Data)
	if body["status"] != "healthy" || body["remote"] == nil || body["subscribers"] != float64(1) {
		t.Errorf("health = %v", body)
	}

	code, resp = call(t, h, http.MethodGet, "/v1/version", "")
	if code != http.StatusOK || decode[map[string]string](t, resp.Data)["version"] == "" {
		t.Errorf("version = %d %+v", code, resp)
	}

	code, resp = call(t, h, http.MethodGet, "/v1/schema/draft", "")
	if code != http.StatusOK || !strings.Contains(string(resp.Data), `"ai_models"`) {
		t.Errorf("schema = %d %s", code, resp.Data)
	}
}

func TestEventsFeed(t *testing.T) {
	s, repo, bus := newTestServer(t)
	s.SetBus(bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?kinds=" + events.KindPromptAdded
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p := repo.Add(library.Draft{Title: "Streamed", Content: "streamed body text", AIModels: []string{"x"}})
	repo.IncrementUsage(p.ID) // filtered out

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindPromptAdded || ev.Source != events.SourceLibrary {
		t.Errorf("event = %+v", ev)
	}
	ids, _ := ev.Data["ids"].([]any)
	if len(ids) != 1 || ids[0] != p.ID {
		t.Errorf("ids = %v", ev.Data["ids"])
	}
}

func TestEventsDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	if code, _ := call(t, s.Handler(), http.MethodGet, "/v1/events", ""); code != http.StatusServiceUnavailable {
		t.Errorf("events without bus = %d", code)
	}
}
