package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/kvstore"
	"github.com/nugget/promptful/internal/library"
)

// IDNamespace is the kvstore namespace holding local id to remote id.
const IDNamespace = "remote_ids"

// Mirror replays local library changes against a remote server.
type Mirror struct {
	client *Client
	repo   *library.Repository
	ids    *kvstore.Store
	bus    *events.Bus
	logger *slog.Logger

	// mu serializes replay so Reconcile and event handling never race
	// on the id map.
	mu sync.Mutex
}

// NewMirror creates a mirror. ids persists the id map across restarts.
func NewMirror(client *Client, repo *library.Repository, ids *kvstore.Store, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mirror{client: client, repo: repo, ids: ids, bus: bus, logger: logger}
}

// Run handles library events until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	ch := m.bus.Subscribe(128,
		events.KindPromptAdded,
		events.KindPromptUpdated,
		events.KindPromptDeleted,
		events.KindPromptsCleared,
		events.KindPromptUsed,
	)
	defer m.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Handle(ctx, ev)
		}
	}
}

// Handle replays one library event.
func (m *Mirror) Handle(ctx context.Context, ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case events.KindPromptAdded:
		ids, _ := ev.Data["ids"].([]string)
		for _, id := range ids {
			m.push(ctx, id)
		}
	case events.KindPromptUpdated:
		id, _ := ev.Data["id"].(string)
		m.update(ctx, id)
	case events.KindPromptDeleted:
		id, _ := ev.Data["id"].(string)
		m.remove(ctx, id)
	case events.KindPromptsCleared:
		if err := m.client.DeleteAll(ctx); err != nil {
			m.failed("delete_all", "", err)
			return
		}
		if err := m.ids.DeleteNamespace(IDNamespace); err != nil {
			m.logger.Error("failed to clear remote id map", "error", err)
		}
	case events.KindPromptUsed:
		id, _ := ev.Data["id"].(string)
		rid, ok := m.remoteID(id)
		if !ok {
			return
		}
		if _, err := m.client.Copy(ctx, rid, nil); err != nil {
			m.failed("use", id, err)
		}
	}
}

// Reconcile pushes local prompts the remote has never seen and removes
// map entries whose local prompt is gone. Health calls it whenever the
// remote comes back.
func (m *Mirror) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapped, err := m.ids.List(IDNamespace)
	if err != nil {
		return fmt.Errorf("list remote ids: %w", err)
	}

	local := m.repo.List()
	present := make(map[string]struct{}, len(local))
	pushed := 0
	for _, p := range local {
		present[p.ID] = struct{}{}
		if _, ok := mapped[p.ID]; ok {
			continue
		}
		if m.push(ctx, p.ID) {
			pushed++
		}
	}

	removed := 0
	for id := range mapped {
		if _, ok := present[id]; ok {
			continue
		}
		m.remove(ctx, id)
		removed++
	}

	m.logger.Info("remote mirror reconciled", "local", len(local), "pushed", pushed, "removed", removed)
	return nil
}

// push adds the local prompt id to the remote and records the mapping.
func (m *Mirror) push(ctx context.Context, id string) bool {
	p, ok := m.repo.Get(id)
	if !ok {
		return false
	}
	rp, err := m.client.Add(ctx, p.Draft())
	if err != nil {
		m.failed("add", id, err)
		return false
	}
	if err := m.ids.Set(IDNamespace, id, rp.ID); err != nil {
		m.logger.Error("failed to record remote id", "id", id, "remote_id", rp.ID, "error", err)
	}
	m.logger.Debug("prompt mirrored", "id", id, "remote_id", rp.ID)
	return true
}

func (m *Mirror) update(ctx context.Context, id string) {
	p, ok := m.repo.Get(id)
	if !ok {
		return
	}
	rid, ok := m.remoteID(id)
	if !ok {
		m.push(ctx, id)
		return
	}

	d := p.Draft()
	patch := library.Patch{
		Title:    &d.Title,
		Content:  &d.Content,
		AIModels: &d.AIModels,
		Category: &d.Category,
	}
	_, err := m.client.Edit(ctx, rid, patch)
	if IsNotFound(err) {
		m.logger.Debug("remote copy missing, re-adding", "id", id, "remote_id", rid)
		m.push(ctx, id)
		return
	}
	if err != nil {
		m.failed("edit", id, err)
	}
}

func (m *Mirror) remove(ctx context.Context, id string) {
	rid, ok := m.remoteID(id)
	if !ok {
		return
	}
	if err := m.client.Delete(ctx, rid); err != nil && !IsNotFound(err) {
		m.failed("delete", id, err)
		return
	}
	if err := m.ids.Delete(IDNamespace, id); err != nil {
		m.logger.Error("failed to drop remote id", "id", id, "error", err)
	}
}

func (m *Mirror) remoteID(id string) (string, bool) {
	rid, ok, err := m.ids.Get(IDNamespace, id)
	if err != nil {
		m.logger.Error("failed to read remote id", "id", id, "error", err)
		return "", false
	}
	return rid, ok
}

func (m *Mirror) failed(op, id string, err error) {
	m.logger.Warn("remote sync failed", "op", op, "id", id, "error", err)
	m.bus.Publish(events.NewEvent(events.SourceRemote, events.KindSyncFailed, map[string]any{
		"op":    op,
		"id":    id,
		"error": err.Error(),
	}))
}
