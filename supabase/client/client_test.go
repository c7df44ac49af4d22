package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  map[string][]string
	header http.Header
	body   string
}

func newTestServer(t *testing.T, status int, respBody string, headers map[string]string) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.Query()
		rec.header = r.Header.Clone()
		rec.body = string(b)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{URL: server.URL + "/", APIKey: "service-key"})
	require.NoError(t, err)
	return c, rec
}

func TestNew_RequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x"})
	assert.Error(t, err)
}

func TestExecute_BuildsPostgRESTQuery(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `[{"id":"m1"}]`, map[string]string{"Content-Range": "0-0/17"})

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	resp, err := c.From("dm_messages").
		Select("id,body").
		Eq("thread_id", "t1").
		Gt("created_at", since).
		In("sender_id", []string{"a", "b"}).
		Is("deleted_at", "null").
		Order("created_at", false).
		Limit(20).
		Count("exact").
		Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/rest/v1/dm_messages", rec.path)
	assert.Equal(t, []string{"id,body"}, rec.query["select"])
	assert.Equal(t, []string{"eq.t1"}, rec.query["thread_id"])
	assert.Equal(t, []string{"gt.2026-01-02T03:04:05Z"}, rec.query["created_at"])
	assert.Equal(t, []string{"in.(a,b)"}, rec.query["sender_id"])
	assert.Equal(t, []string{"is.null"}, rec.query["deleted_at"])
	assert.Equal(t, []string{"created_at.desc"}, rec.query["order"])
	assert.Equal(t, []string{"20"}, rec.query["limit"])
	assert.Equal(t, "count=exact", rec.header.Get("Prefer"))
	assert.Equal(t, "service-key", rec.header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", rec.header.Get("Authorization"))

	var rows []map[string]string
	require.NoError(t, resp.JSON(&rows))
	assert.Equal(t, "m1", rows[0]["id"])
	assert.EqualValues(t, 17, resp.Total())
}

func TestWithAccessToken_UsesUserBearer(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `[]`, nil)

	_, err := c.WithAccessToken("user-jwt").From("posts").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-jwt", rec.header.Get("Authorization"))
	assert.Equal(t, "service-key", rec.header.Get("apikey"))
}

func TestInsertAndUpsert(t *testing.T) {
	c, rec := newTestServer(t, http.StatusCreated, `[{"id":"p1"}]`, nil)

	_, err := c.From("posts").Insert(context.Background(), map[string]string{"body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "return=representation", rec.header.Get("Prefer"))
	assert.JSONEq(t, `{"body":"hi"}`, rec.body)

	_, err = c.From("push_subscriptions").OnConflict("endpoint").Upsert(context.Background(), map[string]string{"endpoint": "e"})
	require.NoError(t, err)
	assert.Equal(t, []string{"endpoint"}, rec.query["on_conflict"])
	assert.Contains(t, rec.header.Get("Prefer"), "merge-duplicates")
}

func TestUpdateAndDelete_RequireFilters(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `[]`, nil)

	_, err := c.From("wallets").Update(context.Background(), map[string]int{"balance": 1})
	assert.Error(t, err)
	_, err = c.From("wallets").Delete(context.Background())
	assert.Error(t, err)

	_, err = c.From("wallets").Eq("user_id", "u1").Update(context.Background(), map[string]int{"balance": 1})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, rec.method)
	assert.Equal(t, []string{"eq.u1"}, rec.query["user_id"])
}

func TestErrors_AreTyped(t *testing.T) {
	c, _ := newTestServer(t, http.StatusNotAcceptable,
		`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`, nil)

	_, err := c.From("profiles").Eq("id", "x").Single().Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))

	c, _ = newTestServer(t, http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, nil)
	_, err = c.From("follows").Insert(context.Background(), map[string]string{})
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestRPC(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `150`, nil)

	resp, err := c.RPC(context.Background(), "credit_topup", map[string]any{"p_topup_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "/rest/v1/rpc/credit_topup", rec.path)

	var balance int64
	require.NoError(t, resp.JSON(&balance))
	assert.EqualValues(t, 150, balance)
}

func TestResponseTotal(t *testing.T) {
	cases := map[string]int64{
		"0-9/42": 42,
		"*/0":    0,
		"0-9/*":  -1,
		"":       -1,
	}
	for header, want := range cases {
		r := &Response{Headers: http.Header{"Content-Range": []string{header}}}
		assert.Equal(t, want, r.Total(), header)
	}
}

func TestStorage(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `{"Key":"media/u1/a b.png"}`, nil)
	bucket := c.Storage().From("media")

	_, err := bucket.Upload(context.Background(), "u1/a b.png", []byte("png"), "image/png", true)
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/media/u1/a b.png", rec.path)
	assert.Equal(t, "true", rec.header.Get("x-upsert"))
	assert.Equal(t, "image/png", rec.header.Get("Content-Type"))

	_, err = bucket.Delete(context.Background(), []string{"u1/a.png"})
	require.NoError(t, err)
	var body map[string][]string
	require.NoError(t, json.Unmarshal([]byte(rec.body), &body))
	assert.Equal(t, []string{"u1/a.png"}, body["prefixes"])

	assert.Equal(t, c.BaseURL()+"/storage/v1/object/public/media/u1/a%20b.png", bucket.GetPublicURL("u1/a b.png"))
}

func TestAuthGetUser(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `{"id":"u1","email":"a@b.c","app_metadata":{"role":"admin"}}`, nil)

	user, err := c.Auth().GetUser(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "/auth/v1/user", rec.path)
	assert.Equal(t, "Bearer tok", rec.header.Get("Authorization"))
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "admin", user.AppMetadata["role"])
}
