package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeRealtime answers phx_join and then pushes one change for the joined topic.
func fakeRealtime(t *testing.T, joins chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["event"] != "phx_join" {
				continue
			}
			joins <- msg
			topic := msg["topic"].(string)
			conn.WriteJSON(map[string]any{
				"topic": topic, "event": "phx_reply", "ref": msg["ref"],
				"payload": map[string]any{"status": "ok", "response": map[string]any{}},
			})
			conn.WriteJSON(map[string]any{
				"topic": topic, "event": "postgres_changes", "ref": nil,
				"payload": map[string]any{
					"ids": []int{1},
					"data": map[string]any{
						"type": "INSERT", "schema": "public", "table": "dm_messages",
						"record": map[string]any{"id": "m1", "thread_id": "t1", "sender_id": "u1"},
					},
				},
			})
			conn.WriteJSON(map[string]any{
				"topic": topic, "event": "postgres_changes", "ref": nil,
				"payload": map[string]any{
					"data": map[string]any{"type": "DELETE", "schema": "public", "table": "dm_messages"},
				},
			})
		}
	}))
}

func TestRealtime_DeliversPostgresChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	joins := make(chan map[string]any, 1)
	server := fakeRealtime(t, joins)
	defer server.Close()

	rt := NewRealtimeClient(server.URL, "anon")
	rt.SetAccessToken("service-jwt")
	require.NoError(t, rt.Connect(context.Background()))

	events := make(chan ChangeEvent, 4)
	_, err := rt.SubscribeToPostgresChanges(context.Background(), PostgresChangesConfig{
		Event: "INSERT",
		Table: "dm_messages",
	}, func(ev ChangeEvent) { events <- ev })
	require.NoError(t, err)

	select {
	case join := <-joins:
		assert.Equal(t, "realtime:public:dm_messages", join["topic"])
		payload := join["payload"].(map[string]any)
		assert.Equal(t, "service-jwt", payload["access_token"])
		raw, _ := json.Marshal(payload["config"])
		assert.Contains(t, string(raw), `"postgres_changes":[{"event":"INSERT","schema":"public","table":"dm_messages"}]`)
	case <-time.After(2 * time.Second):
		t.Fatal("no join received")
	}

	select {
	case ev := <-events:
		assert.Equal(t, "INSERT", ev.Type)
		assert.Equal(t, "t1", ev.String("thread_id"))
		assert.Equal(t, "realtime:public:dm_messages", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	// The DELETE does not match the INSERT binding.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rt.Disconnect())
}

func TestRealtime_SubscribeRequiresConnection(t *testing.T) {
	rt := NewRealtimeClient("https://example.supabase.co", "anon")
	_, err := rt.SubscribeToPostgresChanges(context.Background(), PostgresChangesConfig{Table: "posts"}, func(ChangeEvent) {})
	assert.Error(t, err)
	assert.NoError(t, rt.Disconnect())
	assert.Error(t, rt.Connect(context.Background()))
}

func TestChangeEvent_StringFallsBackToOldRecord(t *testing.T) {
	ev := ChangeEvent{OldRecord: map[string]any{"user_id": "u9"}}
	assert.Equal(t, "u9", ev.String("user_id"))
	assert.Equal(t, "", ev.String("missing"))
}
