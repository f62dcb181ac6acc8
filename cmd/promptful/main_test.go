package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nugget/promptful/internal/api"
	"github.com/nugget/promptful/internal/library"
)

// writeConfig creates a config using the pure Go driver with its data
// in a temp dir, and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf("data_dir: %s\nstore:\n  driver: sqlite\nlog_level: warn\n%s", filepath.Join(dir, "db"), extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// cli runs the command and returns stdout and stderr.
func cli(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(t.Context(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func mustCLI(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := cli(t, args...)
	if err != nil {
		t.Fatalf("promptful %s: %v (stderr %q)", strings.Join(args, " "), err, errOut)
	}
	return out
}

func TestRunVersion(t *testing.T) {
	out := mustCLI(t, "version")
	if !strings.HasPrefix(out, "Promptful ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output = %q", out)
	}

	out = mustCLI(t, "-o", "json", "version")
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunUsageAndErrors(t *testing.T) {
	if out := mustCLI(t); !strings.Contains(out, "Usage: promptful") {
		t.Errorf("usage = %q", out)
	}
	if out := mustCLI(t, "--help"); !strings.Contains(out, "Commands:") {
		t.Errorf("help = %q", out)
	}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"-bogus", "list"}, "unknown flag"},
		{[]string{"-o", "yaml", "list"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/config.yaml", "list"}, "config file not found"},
		{[]string{"show"}, "usage"},
		{[]string{"use"}, "usage"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, _, err := cli(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRunSchema(t *testing.T) {
	out := mustCLI(t, "schema")
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["ai_models"]; !ok {
		t.Errorf("schema properties = %v", props)
	}
}

func TestCLILifecycle(t *testing.T) {
	cfg := writeConfig(t, "")

	out := mustCLI(t, "-config", cfg, "-o", "json", "add",
		"-title", "Match report",
		"-content", "Compare {team1} and {team2} on {stat}",
		"-ai", "ChatGPT, Claude",
		"-category", "Sports")
	var added library.Prompt
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("add output: %v (%q)", err, out)
	}
	if added.ID == "" || !reflect.DeepEqual(added.AIModels, []string{"ChatGPT", "Claude"}) {
		t.Fatalf("added = %+v", added)
	}

	if _, _, err := cli(t, "-config", cfg, "add", "-title", "x", "-content", "short", "-ai", "m"); err == nil ||
		!strings.Contains(err.Error(), "Title must be at least 3 characters") {
		t.Errorf("invalid add err = %v", err)
	}

	out, errOut, err := cli(t, "-config", cfg, "use", added.ID, "team1=Ajax", "team2=PSV")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Compare Ajax and PSV on {stat}\n" {
		t.Errorf("use output = %q", out)
	}
	if !strings.Contains(errOut, "unfilled variables: stat") {
		t.Errorf("use stderr = %q", errOut)
	}

	mustCLI(t, "-config", cfg, "edit", added.ID, "-title", "Match preview")

	out = mustCLI(t, "-config", cfg, "show", added.ID)
	for _, want := range []string{"Match preview", "uses:      1", "stat, team1, team2", "Sports"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out = mustCLI(t, "-config", cfg, "list", "-ai", "claude")
	if !strings.Contains(out, "Match preview") || !strings.Contains(out, "TITLE") {
		t.Errorf("list output = %q", out)
	}
	if out := mustCLI(t, "-config", cfg, "list", "-ai", "gemini"); !strings.Contains(out, "No prompts found") {
		t.Errorf("filtered list = %q", out)
	}
	if out := mustCLI(t, "-config", cfg, "search", "preview", "-fulltext"); !strings.Contains(out, added.ID) {
		t.Errorf("fulltext search = %q", out)
	}

	exportPath := filepath.Join(t.TempDir(), "prompts.csv")
	mustCLI(t, "-config", cfg, "export", exportPath)
	raw, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw), "Name,Prompt,\n\"Match preview\",") {
		t.Errorf("export = %q", raw)
	}

	out = mustCLI(t, "-config", cfg, "import", exportPath)
	if !strings.Contains(out, "Imported 1 prompts") {
		t.Errorf("import output = %q", out)
	}

	var all []library.Prompt
	if err := json.Unmarshal([]byte(mustCLI(t, "-config", cfg, "-o", "json", "list")), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("after import = %+v", all)
	}
	for _, p := range all {
		if p.ID == added.ID {
			continue
		}
		if p.Category != "Imported" || !reflect.DeepEqual(p.AIModels, []string{"ChatGPT"}) {
			t.Errorf("imported = %+v", p)
		}
	}

	mustCLI(t, "-config", cfg, "rm", added.ID)
	if _, _, err := cli(t, "-config", cfg, "show", added.ID); err == nil {
		t.Error("show after rm should fail")
	}
	mustCLI(t, "-config", cfg, "rm", "-all")
	if out := mustCLI(t, "-config", cfg, "-o", "json", "list"); strings.TrimSpace(out) != "[]" {
		t.Errorf("list after rm -all = %q", out)
	}
}

func TestCLIRemote(t *testing.T) {
	repo := library.New(nil)
	srv := httptest.NewServer(api.NewServer("", 0, repo, nil, nil).Handler())
	defer srv.Close()
	cfg := writeConfig(t, "")

	mustCLI(t, "-config", cfg, "-remote", srv.URL, "add", "-title", "Remote", "-content", "remote body {x}", "-ai", "Claude")
	if repo.Len() != 1 {
		t.Fatalf("remote repo len = %d", repo.Len())
	}
	id := repo.List()[0].ID

	if out := mustCLI(t, "-config", cfg, "-remote", srv.URL, "use", id, "x=1"); out != "remote body 1\n" {
		t.Errorf("remote use = %q", out)
	}
	if p, _ := repo.Get(id); p.UsageCount != 1 {
		t.Errorf("remote usage = %d", p.UsageCount)
	}

	_, _, err := cli(t, "-config", cfg, "-remote", srv.URL, "show", "missing")
	if err == nil || !strings.Contains(err.Error(), "Prompt not found") {
		t.Errorf("remote show missing err = %v", err)
	}
	if _, _, err := cli(t, "-config", cfg, "-remote", srv.URL, "import", "x.csv"); err == nil {
		t.Error("remote import should fail")
	}
}

func TestCLIChoicesAndTags(t *testing.T) {
	cfg := writeConfig(t, "")

	var p library.Prompt
	out := mustCLI(t, "-config", cfg, "-o", "json", "add",
		"-title", "Translate",
		"-content", "Translate {text} to {lang[English:|:French]} for {audience}",
		"-ai", "Claude",
		"-category", "Language")
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatal(err)
	}

	out, errOut, err := cli(t, "-config", cfg, "use", p.ID, "text=hello", "lang=French")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Translate hello to French for {audience}\n" || !strings.Contains(errOut, "audience") {
		t.Errorf("use = %q / %q", out, errOut)
	}
	if out := mustCLI(t, "-config", cfg, "use", p.ID, "lang=French,English"); !strings.Contains(out, "to English,French for") {
		t.Errorf("use with list = %q", out)
	}
	if _, _, err := cli(t, "-config", cfg, "use", p.ID, "lang=German"); err == nil || !strings.Contains(err.Error(), "is not one of English, French") {
		t.Errorf("use outside options err = %v", err)
	}

	mustCLI(t, "-config", cfg, "edit", p.ID, "-remove-var", "audience")
	var edited library.Prompt
	if err := json.Unmarshal([]byte(mustCLI(t, "-config", cfg, "-o", "json", "show", p.ID)), &edited); err != nil {
		t.Fatal(err)
	}
	if edited.Content != "Translate {text} to {lang[English:|:French]} for " || edited.UsageCount != 2 {
		t.Errorf("edited = %+v", edited)
	}

	if out := mustCLI(t, "-config", cfg, "models"); out != "Claude\n" {
		t.Errorf("models = %q", out)
	}
	if out := mustCLI(t, "-config", cfg, "-o", "json", "categories"); strings.TrimSpace(out) != `[
  "Language"
]` {
		t.Errorf("categories = %q", out)
	}
}

func TestNewRemoteClientUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","data":[]}`)
	}))
	defer srv.Close()

	cfg, _, err := loadConfig(writeConfig(t, "remote:\n  user_agent: promptful-mirror/1.0\n"))
	if err != nil {
		t.Fatal(err)
	}
	client, err := newRemoteClient(cfg, srv.URL, newLogger(io.Discard, slog.LevelInfo, "text"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.List(t.Context()); err != nil {
		t.Fatal(err)
	}
	if ua := <-agents; ua != "promptful-mirror/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestParseCmdFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantVals map[string]string
		wantArgs []string
		wantSet  []string
		wantErr  bool
	}{
		{
			name:     "mixed",
			args:     []string{"id1", "-title", "T", "--ai=a,b", "-reverse", "id2"},
			wantVals: map[string]string{"title": "T", "ai": "a,b"},
			wantArgs: []string{"id1", "id2"},
			wantSet:  []string{"title", "ai", "reverse"},
		},
		{
			name:     "double dash ends flags",
			args:     []string{"--", "-title"},
			wantVals: map[string]string{},
			wantArgs: []string{"-title"},
		},
		{name: "missing value", args: []string{"-title"}, wantErr: true},
		{name: "unknown", args: []string{"-nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseCmdFlags(tt.args, []string{"title", "ai"}, []string{"reverse"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(f.values, tt.wantVals) {
				t.Errorf("values = %v, want %v", f.values, tt.wantVals)
			}
			if !reflect.DeepEqual(f.args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", f.args, tt.wantArgs)
			}
			for _, name := range tt.wantSet {
				if !f.set[name] {
					t.Errorf("%s not set", name)
				}
			}
		})
	}

	f, _ := parseCmdFlags([]string{"-ai", " a, ,b "}, []string{"ai"}, nil)
	if got := f.list("ai"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("list = %v", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe(t *testing.T) {
	port := freePort(t)
	inboxDir := t.TempDir()
	cfg := writeConfig(t, fmt.Sprintf("listen:\n  address: 127.0.0.1\n  port: %d\ninbox:\n  dir: %s\n  debounce: 20ms\n", port, inboxDir))
	if err := os.WriteFile(filepath.Join(inboxDir, "seed.csv"), []byte("Name,Prompt,\n\"Seeded\",\"seeded body text\","), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, io.Discard, io.Discard, []string{"-config", cfg, "serve"}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	var list struct {
		Data []library.Prompt `json:"data"`
	}
	for {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never served the seeded prompt")
		}
		resp, err := http.Get(base + "/prompts")
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&list)
			resp.Body.Close()
			if len(list.Data) == 1 {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if list.Data[0].Title != "Seeded" {
		t.Errorf("served = %+v", list.Data)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
