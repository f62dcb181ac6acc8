package search

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/library"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	x, err := NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

var corpus = []library.Prompt{
	{ID: "email", Title: "Polite email reply", Content: "Reply politely to {email}", AIModels: []string{"ChatGPT"}, Category: "Work"},
	{ID: "bug", Title: "Bug triage", Content: "Classify the bug report {report} and mention the email thread", AIModels: []string{"Claude"}, Category: "Engineering"},
	{ID: "poem", Title: "Haiku", Content: "Write a haiku about {topic}", AIModels: []string{"Gemini"}, Category: "Fun"},
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestSearchRanking(t *testing.T) {
	x := testIndex(t)
	if err := x.Rebuild(corpus); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if x.Len() != 3 {
		t.Errorf("Len = %d, want 3", x.Len())
	}

	hits, err := x.Search("email", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := ids(hits)
	if len(got) != 2 || got[0] != "email" || got[1] != "bug" {
		t.Errorf("Search(email) = %v, want [email bug] with title match first", got)
	}
}

func TestSearchTags(t *testing.T) {
	x := testIndex(t)
	x.Rebuild(corpus)

	for q, want := range map[string]string{"claude": "bug", "FUN": "poem"} {
		hits, err := x.Search(q, 10)
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if got := ids(hits); len(got) != 1 || got[0] != want {
			t.Errorf("Search(%q) = %v, want [%s]", q, got, want)
		}
	}
}

func TestSearchBlank(t *testing.T) {
	x := testIndex(t)
	x.Rebuild(corpus)
	hits, err := x.Search("   ", 10)
	if err != nil || len(hits) != 0 {
		t.Errorf("Search(blank) = %v, %v", hits, err)
	}
}

func TestRebuildReplaces(t *testing.T) {
	x := testIndex(t)
	x.Rebuild(corpus)
	x.Rebuild(corpus[2:])

	hits, _ := x.Search("email", 10)
	if len(hits) != 0 {
		t.Errorf("stale hits after rebuild: %v", ids(hits))
	}
}

func TestFollow(t *testing.T) {
	bus := events.New()
	repo := library.New(nil, library.WithBus(bus))
	x := testIndex(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		x.Follow(ctx, bus, repo)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	repo.Add(library.Draft{Title: "Release notes", Content: "Summarize the changelog {log}", AIModels: []string{"Claude"}})

	for time.Now().Before(deadline) {
		if hits, _ := x.Search("changelog", 5); len(hits) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("index did not pick up the added prompt")
}
