package unread

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/plaza-social/plaza/internal/app/services/messaging"
	"github.com/plaza-social/plaza/internal/cache"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/supabase/client"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingDM struct {
	mu    sync.Mutex
	calls map[string]int
	sum   messaging.Summary
}

func (c *countingDM) UnreadSummary(_ context.Context, userID string) (messaging.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[userID]++
	return c.sum, nil
}

func (c *countingDM) count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[userID]
}

type fakeSource struct {
	mu        sync.Mutex
	handlers  map[string]client.ChangeHandler
	cancelled int32
}

func (f *fakeSource) Subscribe(_ context.Context, cfg client.PostgresChangesConfig, h client.ChangeHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]client.ChangeHandler{}
	}
	f.handlers[cfg.Table] = h
	return func() { atomic.AddInt32(&f.cancelled, 1) }, nil
}

func (f *fakeSource) emit(ev client.ChangeEvent) {
	f.mu.Lock()
	h := f.handlers[ev.Table]
	f.mu.Unlock()
	h(ev)
}

func newTestService(t *testing.T, source ChangeSource) (*Service, *countingDM, *database.MockRepository, *cache.Memory) {
	t.Helper()
	dm := &countingDM{sum: messaging.Summary{Messages: 2, Requests: 1}}
	repo := database.NewMockRepository()
	mem := cache.NewMemory()
	svc := New(dm, repo, mem, source, nil, Config{Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, svc.Stop(context.Background()))
		mem.Close()
	})
	return svc, dm, repo, mem
}

func TestSchedule_CollapsesBurst(t *testing.T) {
	svc, dm, _, _ := newTestService(t, nil)

	for i := 0; i < 10; i++ {
		svc.Schedule("u1", TriggerLocal)
	}
	require.Eventually(t, func() bool { return dm.count("u1") == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, dm.count("u1"))

	// A later change gets its own recount.
	svc.Schedule("u1", TriggerLocal)
	require.Eventually(t, func() bool { return dm.count("u1") == 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedule_IgnoredWhenStopped(t *testing.T) {
	dm := &countingDM{}
	svc := New(dm, database.NewMockRepository(), cache.NewMemory(), nil, nil, Config{Debounce: time.Millisecond}, nil)

	svc.Schedule("u1", TriggerLocal)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, dm.count("u1"))
}

func TestCounts_CachedAfterFirstRecount(t *testing.T) {
	svc, dm, repo, _ := newTestService(t, nil)
	ctx := context.Background()
	_, err := repo.InsertNotification(ctx, &database.Notification{UserID: "u1", Kind: database.NotifyFollow})
	require.NoError(t, err)

	got, err := svc.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Messages)
	assert.Equal(t, int64(1), got.Requests)
	assert.Equal(t, int64(1), got.Notifications)

	_, err = svc.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, dm.count("u1"))
}

func TestRecount_Publishes(t *testing.T) {
	svc, _, _, mem := newTestService(t, nil)
	ctx := context.Background()

	var got envelope
	cancel, err := mem.Subscribe(ctx, Channel, func(p []byte) { _ = json.Unmarshal(p, &got) })
	require.NoError(t, err)
	defer cancel()

	_, err = svc.Recount(ctx, "u7", TriggerRefresh)
	require.NoError(t, err)
	assert.Equal(t, "u7", got.UserID)
	assert.Equal(t, "unread", got.Event.Type)
	assert.Equal(t, int64(2), got.Event.Messages)
}

func TestAffectedUsers(t *testing.T) {
	svc, _, repo, _ := newTestService(t, nil)
	ctx := context.Background()
	thread, err := repo.CreateThread(ctx, &database.Thread{PairKey: "a:b", CreatedBy: "a", Status: database.ThreadAccepted}, []string{"a", "b"})
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   client.ChangeEvent
		want []string
	}{
		{"message skips sender", client.ChangeEvent{Table: "dm_messages", Record: map[string]any{"thread_id": thread.ID, "sender_id": "a"}}, []string{"b"}},
		{"thread status reaches both", client.ChangeEvent{Table: "dm_threads", Record: map[string]any{"id": thread.ID}}, []string{"a", "b"}},
		{"read receipt", client.ChangeEvent{Table: "dm_participants", Record: map[string]any{"user_id": "a"}}, []string{"a"}},
		{"deleted notification", client.ChangeEvent{Table: "notifications", OldRecord: map[string]any{"user_id": "c"}}, []string{"c"}},
		{"unrelated table", client.ChangeEvent{Table: "posts", Record: map[string]any{"user_id": "c"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.affectedUsers(ctx, tt.ev)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestChangeFeed_SchedulesRecount(t *testing.T) {
	src := &fakeSource{}
	svc, dm, _, _ := newTestService(t, src)
	assert.Len(t, src.handlers, len(subscriptions))

	src.emit(client.ChangeEvent{Table: "notifications", Type: "INSERT", Record: map[string]any{"user_id": "u2"}})
	src.emit(client.ChangeEvent{Table: "notifications", Type: "UPDATE", Record: map[string]any{"user_id": "u2"}})
	require.Eventually(t, func() bool { return dm.count("u2") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, int32(len(subscriptions)), atomic.LoadInt32(&src.cancelled))
}

func TestHub_PushesCountsAndRefreshes(t *testing.T) {
	svc, dm, _, mem := newTestService(t, nil)
	hub := NewHub(mem, svc, nil, nil, nil)
	require.NoError(t, hub.Start(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "u1")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	readEvent := func() Event {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev Event
		require.NoError(t, ws.ReadJSON(&ev))
		return ev
	}

	first := readEvent()
	assert.Equal(t, "unread", first.Type)
	assert.Equal(t, int64(2), first.Messages)
	assert.Equal(t, 1, hub.Connections("u1"))

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "refresh"}))
	readEvent()
	assert.Equal(t, 2, dm.count("u1"))

	// Recounts for other users are not delivered here.
	_, err = svc.Recount(context.Background(), "u2", TriggerLocal)
	require.NoError(t, err)
	_, err = svc.Recount(context.Background(), "u1", TriggerLocal)
	require.NoError(t, err)
	readEvent()

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return hub.Connections("u1") == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Stop(context.Background()))
}

func TestHub_StopClosesConnections(t *testing.T) {
	svc, _, _, mem := newTestService(t, nil)
	hub := NewHub(mem, svc, nil, nil, nil)
	require.NoError(t, hub.Start(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "u1")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Connections("u1") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Stop(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}
