package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"campus-chat/internal/db"
	"campus-chat/internal/realtime"
	"campus-chat/internal/user"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	database, err := db.NewDatabase("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.AutoMigrate())

	return NewRepository(database.Conn)
}

type recordedEvent struct {
	ConversationID int64
	Event          realtime.Event
}

type fakeHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *fakeHub) Broadcast(_ context.Context, conversationID int64, ev realtime.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{conversationID, ev})
}

func (h *fakeHub) ofType(typ string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, e := range h.events {
		if e.Event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeTrigger struct {
	mu    sync.Mutex
	convs []int64
}

func (f *fakeTrigger) Trigger(conversationID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, conversationID)
}

func (f *fakeTrigger) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.convs...)
}

type staticProfiles map[int64]string

func (p staticProfiles) Profiles(_ context.Context, ids []int64) (map[int64]user.Profile, error) {
	out := make(map[int64]user.Profile)
	for _, id := range ids {
		if name, ok := p[id]; ok {
			out[id] = user.Profile{ID: id, DisplayName: name}
		}
	}
	return out, nil
}

type testEnv struct {
	repo    *Repository
	svc     *Service
	hub     *fakeHub
	trigger *fakeTrigger
}

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newTestRepo(t)
	hub := &fakeHub{}
	trigger := &fakeTrigger{}
	svc := NewService(repo, NewConversationManager(repo, nil), hub,
		staticProfiles{alice: "Alice", bob: "Bob", carol: "Carol"}, nil)
	svc.SetAssistant(trigger)
	return &testEnv{repo: repo, svc: svc, hub: hub, trigger: trigger}
}

func ptr[T any](v T) *T { return &v }
