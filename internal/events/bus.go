// Package events provides a publish/subscribe bus for prompt library
// change notifications. The repository publishes after every mutation;
// the search indexer, the remote mirror and the WebSocket feed
// subscribe. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so publishers do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLibrary identifies events from the prompt repository.
	SourceLibrary = "library"
	// SourceInbox identifies events from the import drop directory.
	SourceInbox = "inbox"
	// SourceRemote identifies events from the remote mirror.
	SourceRemote = "remote"
)

// Kind constants describe the type of event within a source.
const (
	// KindPromptAdded signals one or more new prompts.
	// Data: ids, count.
	KindPromptAdded = "prompt_added"
	// KindPromptUpdated signals an edited prompt.
	// Data: id.
	KindPromptUpdated = "prompt_updated"
	// KindPromptDeleted signals a removed prompt.
	// Data: id.
	KindPromptDeleted = "prompt_deleted"
	// KindPromptsCleared signals that every prompt was removed.
	// Data: count.
	KindPromptsCleared = "prompts_cleared"
	// KindPromptUsed signals a usage increment after a copy.
	// Data: id, usage_count.
	KindPromptUsed = "prompt_used"

	// KindFileImported signals a dropped file was imported.
	// Data: path, accepted, skipped.
	KindFileImported = "file_imported"

	// KindSyncFailed signals a mirror call that the remote rejected.
	// Data: op, id, error.
	KindSyncFailed = "sync_failed"
	// KindRemoteState signals a change in remote reachability.
	// Data: ready.
	KindRemoteState = "remote_state"
)

// Event represents a single change notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events rather than
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

type subscriber struct {
	ch    chan Event
	kinds map[string]struct{} // nil means every kind
}

func (s *subscriber) wants(kind string) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// New creates a bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. When kinds
// is non-empty only those kinds are delivered. The caller must call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
