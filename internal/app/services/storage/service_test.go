package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza-social/plaza/internal/config"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/supabase/client"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) Upload(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.objects[path] = data
	return nil
}

func (m *memObjects) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memObjects) PublicURL(path string) string { return "https://cdn.test/" + path }

func newService(t *testing.T) (*Service, *database.MockRepository, *memObjects) {
	t.Helper()
	repo := database.NewMockRepository()
	repo.PutProfile(database.Profile{ID: "u1", Username: "alice"})
	repo.PutProfile(database.Profile{ID: "u2", Username: "bob", Plan: "plus"})
	econ := config.DefaultEconomy()
	econ.StorageTiers = map[string]int64{"free": 10, "plus": 100}
	econ.MaxUploadBytes = 50
	objs := newMemObjects()
	return New(repo, objs, "media", econ, nil), repo, objs
}

func TestUpload_Quota(t *testing.T) {
	svc, _, objs := newService(t)
	ctx := context.Background()

	obj, err := svc.Upload(ctx, "u1", "../../etc/my photo.png", "image/png", []byte("12345678"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Path, "u1/"))
	assert.True(t, strings.HasSuffix(obj.Path, "-my_photo.png"))
	assert.Equal(t, "https://cdn.test/"+obj.Path, obj.URL)
	assert.Len(t, objs.objects, 1)

	_, err = svc.Upload(ctx, "u1", "b.txt", "", []byte("123"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// The plus tier has more room.
	_, err = svc.Upload(ctx, "u2", "b.txt", "", []byte(strings.Repeat("x", 40)))
	assert.NoError(t, err)

	_, err = svc.Upload(ctx, "u2", "big.bin", "", []byte(strings.Repeat("x", 51)))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = svc.Upload(ctx, "u2", "empty", "", nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	usage, err := svc.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &Usage{Plan: "free", UsedBytes: 8, QuotaBytes: 10, Objects: 1}, usage)
}

func TestUpload_ConcurrentStaysWithinQuota(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Upload(ctx, "u1", "f", "text/plain", []byte("abc"))
		}()
	}
	wg.Wait()

	used, err := repo.StorageUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), used)
}

func TestUpload_Failures(t *testing.T) {
	svc, repo, objs := newService(t)
	ctx := context.Background()

	objs.failPut = errors.New("bucket down")
	_, err := svc.Upload(ctx, "u1", "a", "", []byte("a"))
	assert.Error(t, err)
	objs.failPut = nil

	// Quota check passes, recording fails: the uploaded object is removed.
	svc.store = failingInsert{repo}
	_, err = svc.Upload(ctx, "u1", "a", "", []byte("a"))
	assert.Error(t, err)
	assert.Empty(t, objs.objects)
}

type failingInsert struct{ *database.MockRepository }

func (failingInsert) InsertStorageObject(context.Context, *database.StorageObject) (*database.StorageObject, error) {
	return nil, errors.New("insert failed")
}

func TestDelete(t *testing.T) {
	svc, _, objs := newService(t)
	ctx := context.Background()

	obj, err := svc.Upload(ctx, "u1", "a.txt", "", []byte("hello"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, "u2", obj.ID), ErrNotOwner)
	require.NoError(t, svc.Delete(ctx, "u1", obj.ID))
	assert.Empty(t, objs.objects)

	assert.ErrorIs(t, svc.Delete(ctx, "u1", obj.ID), database.ErrNotFound)

	list, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"photo.png":         "photo.png",
		"a b/c d.jpg":       "c_d.jpg",
		`C:\Users\x\y.gif`:  "y.gif",
		"":                  "file",
		"...":               "file",
		"résumé final.pdf":  "r_sum_final.pdf",
		"../../etc/passwd":  "passwd",
		".hidden":           "hidden",
		"name with spaces ": "name_with_spaces",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitize(in), in)
	}
}

func TestBucketStore(t *testing.T) {
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"Key":"media/u1/a.txt"}`))
	}))
	defer srv.Close()

	c, err := client.New(client.Config{URL: srv.URL, APIKey: "service"})
	require.NoError(t, err)
	b := BucketStore{Bucket: c.Storage().From("media")}

	require.NoError(t, b.Upload(context.Background(), "u1/a.txt", []byte("hi"), "text/plain"))
	assert.Equal(t, "POST /storage/v1/object/media/u1/a.txt", gotPath)
	assert.Equal(t, "text/plain", gotType)
	assert.Equal(t, "hi", string(gotBody))

	require.NoError(t, b.Delete(context.Background(), "u1/a.txt"))
	assert.Equal(t, "DELETE /storage/v1/object/media", gotPath)
	assert.JSONEq(t, `{"prefixes":["u1/a.txt"]}`, string(gotBody))

	assert.Equal(t, srv.URL+"/storage/v1/object/public/media/u1/a.txt", b.PublicURL("u1/a.txt"))
}
