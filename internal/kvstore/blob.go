package kvstore

import (
	"encoding/json"
	"log/slog"
)

// Blob adapts one namespace of a Store to the best-effort Load/Save
// contract of the prompt repository. Values are JSON encoded. Failures
// are logged and never returned.
type Blob struct {
	store     *Store
	namespace string
	logger    *slog.Logger
}

// NewBlob binds namespace of store. A nil logger discards output.
func NewBlob(store *Store, namespace string, logger *slog.Logger) *Blob {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Blob{store: store, namespace: namespace, logger: logger}
}

// Load decodes the value stored under key into v. It reports false when
// the key is missing or its value cannot be read or decoded.
func (b *Blob) Load(key string, v any) bool {
	raw, ok, err := b.store.Get(b.namespace, key)
	if err != nil {
		b.logger.Error("error reading from storage", "namespace", b.namespace, "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		b.logger.Error("error decoding stored value", "namespace", b.namespace, "key", key, "error", err)
		return false
	}
	return true
}

// Save encodes v and writes it under key.
func (b *Blob) Save(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("error encoding value for storage", "namespace", b.namespace, "key", key, "error", err)
		return
	}
	if err := b.store.Set(b.namespace, key, string(raw)); err != nil {
		b.logger.Error("error writing to storage", "namespace", b.namespace, "key", key, "error", err)
		return
	}
	b.logger.Debug("stored value", "namespace", b.namespace, "key", key, "bytes", len(raw))
}
