// Package services – ClientNotificationHandler
//
// ClientNotificationHandler turns push events reported by a client into
// background syncs. Both received and clicked events schedule a sync of the
// group named in the payload; a click also emits a NavigationIntent to the
// group's screen. Syncs run on a small worker pool fed by a bounded queue, and
// a group already waiting in the queue is not queued twice.
package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/group-sync/internal/push"
)

// PushEventType distinguishes client push events.
type PushEventType string

const (
	PushReceived PushEventType = "received"
	PushClicked  PushEventType = "clicked"
)

// PushEvent is what a client reports after a notification arrives or is tapped.
type PushEvent struct {
	Type PushEventType `json:"type"`
	Data push.Data     `json:"data"`
}

// NavigationIntent asks the client to open a group's screen.
type NavigationIntent struct {
	GroupID       string `json:"group_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Path          string `json:"path"`
}

// GroupSyncer runs a coalesced sync of one group. QueryCache implements it.
type GroupSyncer interface {
	SyncNow(ctx context.Context, groupID string) (*SyncReport, error)
}

// ErrHandlerStopped is returned by Handle after Stop.
var ErrHandlerStopped = errors.New("notification handler stopped")

// ClientNotificationHandler schedules syncs for push events.
type ClientNotificationHandler struct {
	Syncer      GroupSyncer
	Workers     int
	SyncTimeout time.Duration
	Logger      zerolog.Logger

	queue   chan string
	intents chan NavigationIntent
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	started bool
	closed  bool
}

// NewClientNotificationHandler returns a handler with the given pool and queue sizes.
func NewClientNotificationHandler(s GroupSyncer, workers, queueSize int) *ClientNotificationHandler {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &ClientNotificationHandler{
		Syncer:      s,
		Workers:     workers,
		SyncTimeout: DefaultRevalidateTimeout,
		Logger:      zerolog.Nop(),
		queue:       make(chan string, queueSize),
		intents:     make(chan NavigationIntent, queueSize),
		pending:     make(map[string]struct{}),
	}
}

// Intents delivers navigation intents produced by clicked events.
func (h *ClientNotificationHandler) Intents() <-chan NavigationIntent { return h.intents }

// Start launches the workers. Calling it twice is a no-op.
func (h *ClientNotificationHandler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true
	for i := 0; i < h.Workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
}

// Stop closes the queue and waits for queued syncs to finish or ctx to end.
func (h *ClientNotificationHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle resolves the event's group and schedules its sync. For clicked
// events the returned intent is also published on Intents.
func (h *ClientNotificationHandler) Handle(ctx context.Context, ev PushEvent) (*NavigationIntent, error) {
	groupID := ResolveGroupID(ev.Data)
	if groupID == "" {
		return nil, ErrUnknownGroup
	}
	if err := h.schedule(ctx, groupID); err != nil {
		return nil, err
	}
	if ev.Type != PushClicked {
		return nil, nil
	}

	intent := NavigationIntent{GroupID: groupID, TransactionID: ev.Data.TransactionID, Path: "/groups/" + groupID}
	select {
	case h.intents <- intent:
	default:
		zerolog.Ctx(ctx).Warn().Str("group_id", groupID).Msg("navigation intent dropped; no reader")
	}
	return &intent, nil
}

func (h *ClientNotificationHandler) schedule(ctx context.Context, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandlerStopped
	}
	if _, ok := h.pending[groupID]; ok {
		return nil
	}
	select {
	case h.queue <- groupID:
		h.pending[groupID] = struct{}{}
	default:
		zerolog.Ctx(ctx).Warn().Str("group_id", groupID).Msg("sync queue full; event dropped")
	}
	return nil
}

func (h *ClientNotificationHandler) worker() {
	defer h.wg.Done()
	for groupID := range h.queue {
		h.mu.Lock()
		delete(h.pending, groupID)
		h.mu.Unlock()
		h.run(groupID)
	}
}

func (h *ClientNotificationHandler) run(groupID string) {
	timeout := h.SyncTimeout
	if timeout <= 0 {
		timeout = DefaultRevalidateTimeout
	}
	ctx, cancel := context.WithTimeout(h.Logger.WithContext(context.Background()), timeout)
	defer cancel()

	rep, err := h.Syncer.SyncNow(ctx, groupID)
	var pfe *PartialFetchError
	switch {
	case err == nil:
		h.Logger.Debug().Str("group_id", groupID).Bool("no_op", rep != nil && rep.NoOp).Msg("push-triggered sync done")
	case errors.As(err, &pfe):
		h.Logger.Warn().Err(err).Str("group_id", groupID).Msg("push-triggered sync partial")
	default:
		h.Logger.Error().Err(err).Str("group_id", groupID).Msg("push-triggered sync failed")
	}
}

// ResolveGroupID takes data.groupId, falling back to the id in a
// /groups/{id} URL (absolute or relative).
func ResolveGroupID(d push.Data) string {
	if id := strings.TrimSpace(d.GroupID); id != "" {
		return id
	}
	if d.URL == "" {
		return ""
	}
	path := d.URL
	if u, err := url.Parse(d.URL); err == nil {
		path = u.Path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "groups" && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}
