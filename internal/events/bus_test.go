package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceLibrary, Kind: KindPromptAdded})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(NewEvent(SourceLibrary, KindPromptUpdated, map[string]any{"id": "p1"}))

	for _, ch := range []<-chan Event{a, c} {
		got := recv(t, ch)
		if got.Kind != KindPromptUpdated || got.Data["id"] != "p1" {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("event timestamp not set")
		}
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceLibrary, Kind: KindPromptDeleted})
	if got := recv(t, ch); got.Timestamp.IsZero() {
		t.Error("Publish left zero timestamp")
	}
}

func TestSubscribeKindFilter(t *testing.T) {
	b := New()
	ch := b.Subscribe(4, KindPromptUsed)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindPromptAdded})
	b.Publish(Event{Kind: KindPromptUsed})

	if got := recv(t, ch); got.Kind != KindPromptUsed {
		t.Errorf("got kind %q, want %q", got.Kind, KindPromptUsed)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %+v", e)
	default:
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case e := <-ch:
		t.Errorf("expected empty channel, got %+v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(ch)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	b.Publish(Event{Kind: KindPromptsCleared})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				b.Publish(NewEvent(SourceLibrary, KindPromptUsed, map[string]any{"p": i, "n": j}))
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
