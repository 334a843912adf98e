package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/group-sync/internal/push"
)

type fakeSyncer struct {
	mu     sync.Mutex
	groups []string
	done   chan string
	gate   chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{done: make(chan string, 16)}
}

func (f *fakeSyncer) SyncNow(ctx context.Context, groupID string) (*SyncReport, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.groups = append(f.groups, groupID)
	f.mu.Unlock()
	f.done <- groupID
	return &SyncReport{GroupID: groupID}, nil
}

func waitSync(t *testing.T, f *fakeSyncer) string {
	t.Helper()
	select {
	case g := <-f.done:
		return g
	case <-time.After(5 * time.Second):
		t.Fatalf("sync not scheduled")
	}
	return ""
}

func TestResolveGroupID(t *testing.T) {
	cases := []struct {
		data push.Data
		want string
	}{
		{push.Data{GroupID: "g1", URL: "/groups/other"}, "g1"},
		{push.Data{URL: "/groups/g2"}, "g2"},
		{push.Data{URL: "https://app.example/groups/g3?tab=recent"}, "g3"},
		{push.Data{URL: "/app/groups/g4/transactions/t1"}, "g4"},
		{push.Data{URL: "/groups/"}, ""},
		{push.Data{URL: "/settings"}, ""},
		{push.Data{GroupID: "  "}, ""},
		{push.Data{}, ""},
	}
	for _, tc := range cases {
		if got := ResolveGroupID(tc.data); got != tc.want {
			t.Fatalf("ResolveGroupID(%+v) = %q, want %q", tc.data, got, tc.want)
		}
	}
}

func TestClientNotificationHandler_ReceivedSchedulesSync(t *testing.T) {
	syncer := newFakeSyncer()
	h := NewClientNotificationHandler(syncer, 1, 4)
	h.Start()
	defer h.Stop(context.Background())

	intent, err := h.Handle(context.Background(), PushEvent{Type: PushReceived, Data: push.Data{GroupID: "g1"}})
	if err != nil || intent != nil {
		t.Fatalf("received: intent=%v err=%v", intent, err)
	}
	if g := waitSync(t, syncer); g != "g1" {
		t.Fatalf("synced %q", g)
	}
}

func TestClientNotificationHandler_ClickedNavigates(t *testing.T) {
	syncer := newFakeSyncer()
	h := NewClientNotificationHandler(syncer, 1, 4)
	h.Start()
	defer h.Stop(context.Background())

	intent, err := h.Handle(context.Background(), PushEvent{
		Type: PushClicked,
		Data: push.Data{TransactionID: "t9", URL: "https://app.example/groups/g7"},
	})
	if err != nil {
		t.Fatalf("clicked: %v", err)
	}
	if intent == nil || intent.GroupID != "g7" || intent.Path != "/groups/g7" || intent.TransactionID != "t9" {
		t.Fatalf("intent = %+v", intent)
	}
	select {
	case got := <-h.Intents():
		if got != *intent {
			t.Fatalf("published intent %+v != returned %+v", got, *intent)
		}
	default:
		t.Fatalf("intent not published")
	}
	if g := waitSync(t, syncer); g != "g7" {
		t.Fatalf("synced %q", g)
	}
}

func TestClientNotificationHandler_UnknownGroup(t *testing.T) {
	h := NewClientNotificationHandler(newFakeSyncer(), 1, 4)
	if _, err := h.Handle(context.Background(), PushEvent{Type: PushClicked, Data: push.Data{URL: "/home"}}); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("want ErrUnknownGroup, got %v", err)
	}
}

func TestClientNotificationHandler_PendingGroupQueuedOnce(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.gate = make(chan struct{})
	h := NewClientNotificationHandler(syncer, 1, 8)
	ctx := context.Background()

	// Not started: events accumulate in the queue.
	for i := 0; i < 3; i++ {
		if _, err := h.Handle(ctx, PushEvent{Type: PushReceived, Data: push.Data{GroupID: "g1"}}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if _, err := h.Handle(ctx, PushEvent{Type: PushReceived, Data: push.Data{GroupID: "g2"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(h.queue); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}

	h.Start()
	close(syncer.gate)
	waitSync(t, syncer)
	waitSync(t, syncer)
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(syncer.groups) != 2 {
		t.Fatalf("syncs = %v", syncer.groups)
	}
}

func TestClientNotificationHandler_StopRejectsNewEvents(t *testing.T) {
	h := NewClientNotificationHandler(newFakeSyncer(), 1, 4)
	h.Start()
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := h.Handle(context.Background(), PushEvent{Type: PushReceived, Data: push.Data{GroupID: "g1"}}); !errors.Is(err, ErrHandlerStopped) {
		t.Fatalf("want ErrHandlerStopped, got %v", err)
	}
}
