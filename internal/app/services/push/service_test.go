package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/plaza-social/plaza/internal/database"
)

func newService(t *testing.T, repo *database.MockRepository) *Service {
	t.Helper()
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return New(repo, Config{PublicKey: pub, PrivateKey: priv, Subject: "mailto:ops@example.com"}, nil, nil)
}

func stubResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

func TestSubscribe_Validates(t *testing.T) {
	repo := database.NewMockRepository()
	svc := newService(t, repo)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: "https://push.example/1"}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected invalid subscription, got %v", err)
	}
	if _, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: "http://push.example/1", P256dh: "k", Auth: "a"}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("plain http endpoint accepted")
	}

	first, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: " https://push.example/1 ", P256dh: "k", Auth: "a"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: "https://push.example/1", P256dh: "k2", Auth: "a2"})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("resubscribing created a second row")
	}

	if err := svc.Unsubscribe(ctx, "u1", "https://push.example/1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	subs, _ := repo.ListPushSubscriptions(ctx, "u1")
	if len(subs) != 0 {
		t.Fatalf("subscription not removed")
	}
}

func TestSend_PrunesGoneSubscriptions(t *testing.T) {
	repo := database.NewMockRepository()
	svc := newService(t, repo)
	ctx := context.Background()

	statuses := map[string]int{
		"https://push.example/ok":      http.StatusCreated,
		"https://push.example/gone":    http.StatusGone,
		"https://push.example/missing": http.StatusNotFound,
		"https://push.example/busy":    http.StatusTooManyRequests,
	}
	for endpoint := range statuses {
		if _, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: endpoint, P256dh: "k", Auth: "a"}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := svc.Subscribe(ctx, "u1", database.PushSubscription{Endpoint: "https://push.example/broken", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var mu sync.Mutex
	var calls int
	svc.send = func(_ context.Context, msg []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if opts.Subscriber != "mailto:ops@example.com" || opts.TTL != defaultTTL {
			t.Errorf("unexpected options: %+v", opts)
		}
		if !strings.Contains(string(msg), `"title":"Hi"`) {
			t.Errorf("unexpected payload %s", msg)
		}
		status, ok := statuses[sub.Endpoint]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return stubResponse(status), nil
	}

	res, err := svc.Send(ctx, "u1", Payload{Title: "Hi", URL: "/messages"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res != (Result{Sent: 1, Removed: 2, Failed: 2}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls != 5 {
		t.Fatalf("expected 5 deliveries, got %d", calls)
	}

	subs, _ := repo.ListPushSubscriptions(ctx, "u1")
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscriptions left, got %d", len(subs))
	}
	for _, s := range subs {
		if strings.HasSuffix(s.Endpoint, "/gone") || strings.HasSuffix(s.Endpoint, "/missing") {
			t.Fatalf("gone subscription kept: %s", s.Endpoint)
		}
	}
}

func TestSend_RequiresKeys(t *testing.T) {
	svc := New(database.NewMockRepository(), Config{}, nil, nil)
	if _, err := svc.Send(context.Background(), "u1", Payload{Title: "x"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSend_NoSubscriptions(t *testing.T) {
	svc := newService(t, database.NewMockRepository())
	res, err := svc.Send(context.Background(), "nobody", Payload{Title: "x"})
	if err != nil || res != (Result{}) {
		t.Fatalf("unexpected %+v %v", res, err)
	}
}

// Exercises the real encryption and VAPID signing against a local endpoint.
func TestSend_EncryptsForRealEndpoint(t *testing.T) {
	var gotAuth, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	browserKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		t.Fatal(err)
	}

	repo := database.NewMockRepository()
	svc := newService(t, repo)
	svc.cfg.HTTPClient = srv.Client()
	ctx := context.Background()
	if _, err := repo.SavePushSubscription(ctx, &database.PushSubscription{
		UserID:   "u1",
		Endpoint: srv.URL + "/push/abc",
		P256dh:   base64.RawURLEncoding.EncodeToString(browserKey.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(authSecret),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Send(ctx, "u1", Payload{Title: "Live now"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected subscription removal, got %+v", res)
	}
	if !strings.HasPrefix(gotAuth, "vapid ") {
		t.Fatalf("missing VAPID authorization: %q", gotAuth)
	}
	if gotEncoding != "aes128gcm" {
		t.Fatalf("unexpected content encoding %q", gotEncoding)
	}
}
