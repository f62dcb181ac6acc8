package remote

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/promptful/internal/events"
)

// Backoff controls how the health watcher probes the remote.
type Backoff struct {
	// InitialDelay is the wait before the second startup probe.
	InitialDelay time.Duration
	// MaxDelay caps the growing startup delay.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed startup probe.
	Multiplier float64
	// MaxRetries bounds the startup probes before steady polling.
	MaxRetries int
	// PollInterval is the steady-state check interval.
	PollInterval time.Duration
	// ProbeTimeout limits a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... up to 60s for ten attempts,
// then once a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Status is the remote reachability reported by the local /health
// endpoint.
type Status struct {
	URL       string    `json:"url"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Health watches a remote server by probing GET /health. Transitions
// publish events.KindRemoteState on the bus and call OnReady or OnDown.
type Health struct {
	client  *Client
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	// OnReady runs in its own goroutine after the remote becomes
	// reachable. Optional.
	OnReady func()
	// OnDown runs in its own goroutine after the remote stops
	// answering. Optional.
	OnDown func(err error)

	ready atomic.Bool

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// NewHealth creates a watcher for client. Zero fields in backoff take
// their DefaultBackoff values.
func NewHealth(client *Client, backoff Backoff, bus *events.Bus, logger *slog.Logger) *Health {
	def := DefaultBackoff()
	if backoff.InitialDelay <= 0 {
		backoff.InitialDelay = def.InitialDelay
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = def.MaxDelay
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = def.Multiplier
	}
	if backoff.MaxRetries <= 0 {
		backoff.MaxRetries = def.MaxRetries
	}
	if backoff.PollInterval <= 0 {
		backoff.PollInterval = def.PollInterval
	}
	if backoff.ProbeTimeout <= 0 {
		backoff.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Health{client: client, backoff: backoff, bus: bus, logger: logger}
}

// IsReady reports whether the last probe succeeded.
func (h *Health) IsReady() bool { return h.ready.Load() }

// Status returns the current reachability.
func (h *Health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Status{
		URL:       h.client.BaseURL(),
		Ready:     h.ready.Load(),
		LastCheck: h.lastCheck,
	}
	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}
	return s
}

// Run probes until ctx is done: first with growing delays until the
// remote answers or MaxRetries is spent, then every PollInterval.
func (h *Health) Run(ctx context.Context) {
	b := h.backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := h.check(ctx)
		if err == nil {
			h.logger.Info("remote connected", "url", h.client.BaseURL(), "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == b.MaxRetries {
			h.logger.Info("remote unreachable at startup, polling in background",
				"url", h.client.BaseURL(),
				"attempts", attempt,
				"error", err,
			)
			break
		}
		h.logger.Debug("remote probe failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

// check probes once and handles a state transition.
func (h *Health) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, h.backoff.ProbeTimeout)
	err := h.client.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	h.mu.Lock()
	h.lastErr = err
	h.lastCheck = time.Now()
	h.mu.Unlock()

	was := h.ready.Swap(err == nil)
	switch {
	case !was && err == nil:
		h.logger.Info("remote reachable", "url", h.client.BaseURL())
		h.bus.Publish(events.NewEvent(events.SourceRemote, events.KindRemoteState, map[string]any{"ready": true}))
		if h.OnReady != nil {
			go h.OnReady()
		}
	case was && err != nil:
		h.logger.Warn("remote became unreachable", "url", h.client.BaseURL(), "error", err)
		h.bus.Publish(events.NewEvent(events.SourceRemote, events.KindRemoteState, map[string]any{"ready": false, "error": err.Error()}))
		if h.OnDown != nil {
			go h.OnDown(err)
		}
	case err != nil:
		h.logger.Debug("remote still unreachable", "error", err)
	}
	return err
}

// sleepCtx waits for d or until ctx is done. It reports false if ctx
// ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
