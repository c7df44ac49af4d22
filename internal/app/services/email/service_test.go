package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza-social/plaza/internal/database"
)

type capturingProvider struct {
	sent []Message
}

func (c *capturingProvider) Send(_ context.Context, msg Message) (string, error) {
	c.sent = append(c.sent, msg)
	return "msg_1", nil
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, *capturingProvider, *database.MockRepository) {
	t.Helper()
	signer, err := NewSigner(testSecret)
	require.NoError(t, err)
	repo := database.NewMockRepository()
	p := &capturingProvider{}
	return New(p, signer, repo, Config{From: "Plaza <no-reply@plaza.test>", PublicURL: "https://plaza.test/"}, nil, nil), p, repo
}

func TestSigner_RoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret)
	require.NoError(t, err)

	token := s.Token("user-42")
	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", got)

	other, err := NewSigner(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "nodot", "!!.!!", token + "x", "." + strings.Split(token, ".")[1]} {
		_, err := s.Verify(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}

	_, err = NewSigner("short")
	assert.Error(t, err)
}

func TestSendNotification_RendersAndEscapes(t *testing.T) {
	svc, p, _ := newTestService(t)
	to := database.Profile{ID: "u1", Username: "alice", Email: "alice@example.com"}

	err := svc.SendNotification(context.Background(), to, database.Notification{
		Kind:  database.NotifyMention,
		Title: "bob mentioned you",
		Body:  "<script>alert(1)</script>",
		Link:  "/posts/p1",
	})
	require.NoError(t, err)
	require.Len(t, p.sent, 1)

	msg := p.sent[0]
	assert.Equal(t, []string{"alice@example.com"}, msg.To)
	assert.Equal(t, "bob mentioned you", msg.Subject)
	assert.Contains(t, msg.HTML, "Hi alice,")
	assert.Contains(t, msg.HTML, `href="https://plaza.test/posts/p1"`)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
	assert.Contains(t, msg.Text, "https://plaza.test/posts/p1")
	assert.Contains(t, msg.Headers["List-Unsubscribe"], "https://plaza.test/api/email/unsubscribe?token=")
}

func TestSendNotification_TopUpTemplates(t *testing.T) {
	svc, p, _ := newTestService(t)
	to := database.Profile{ID: "u1", DisplayName: "Alice", Email: "alice@example.com"}
	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.SendNotification(context.Background(), to, database.Notification{
		Kind:  database.NotifyTopUp,
		Title: "Top-up approved",
		Data:  map[string]any{"approved": true, "points": int64(500), "balance": float64(650), "due_at": due.Format(time.RFC3339)},
	}))
	require.NoError(t, svc.SendNotification(context.Background(), to, database.Notification{
		Kind:  database.NotifyTopUpDue,
		Title: "Top-up due",
		Data:  map[string]any{"balance": int64(0), "due_at": due},
	}))

	require.Len(t, p.sent, 2)
	assert.Contains(t, p.sent[0].HTML, "500 points were added")
	assert.Contains(t, p.sent[0].HTML, "650 points")
	assert.Contains(t, p.sent[0].HTML, "May 1, 2026")
	assert.Contains(t, p.sent[1].HTML, "Your wallet needs a top-up")
	assert.Contains(t, p.sent[1].HTML, "May 1, 2026")
}

func TestSendNotification_Errors(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.SendNotification(context.Background(), database.Profile{ID: "u1"}, database.Notification{Title: "x"})
	assert.Error(t, err)

	unconfigured := New(nil, nil, nil, Config{}, nil, nil)
	err = unconfigured.SendNotification(context.Background(), database.Profile{ID: "u1", Email: "a@b.c"}, database.Notification{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUnsubscribe(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	userID, err := svc.Unsubscribe(ctx, svc.signer.Token("u9"))
	require.NoError(t, err)
	assert.Equal(t, "u9", userID)

	prefs, err := repo.GetPreferences(ctx, "u9")
	require.NoError(t, err)
	assert.False(t, prefs.EmailEnabled)
	assert.True(t, prefs.PushEnabled)

	_, err = svc.Unsubscribe(ctx, "forged.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResendClient_Send(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"4ef9a417"}`))
	}))
	defer srv.Close()

	c := NewResendClient(srv.URL, "re_test", nil)
	id, err := c.Send(context.Background(), Message{From: "a@b.c", To: []string{"d@e.f"}, Subject: "hi", HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, "4ef9a417", id)
	assert.Equal(t, "hi", got.Subject)

	_, err = c.Send(context.Background(), Message{})
	assert.Error(t, err)
}

func TestUnsubscribeURLIsQueryEscaped(t *testing.T) {
	svc, p, _ := newTestService(t)
	require.NoError(t, svc.SendNotification(context.Background(), database.Profile{ID: "u/1?x", Email: "a@b.c"}, database.Notification{Title: "t"}))

	raw := strings.Trim(p.sent[0].Headers["List-Unsubscribe"], "<>")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	userID, err := svc.signer.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "u/1?x", userID)
}
