package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza-social/plaza/internal/app/services/social"
	"github.com/plaza-social/plaza/internal/database"
)

type fakeProvider struct {
	created []string
	deleted []string
	err     error
}

func (f *fakeProvider) CreateAddress(_ context.Context, address, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, address)
	return "prov-" + address, nil
}

func (f *fakeProvider) DeleteAddress(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fixture struct {
	svc      *Service
	repo     *database.MockRepository
	provider *fakeProvider
	social   *social.Service
	club     *database.Community
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := database.NewMockRepository()
	repo.PutProfile(database.Profile{ID: "alice", Username: "alice", Email: "alice@example.com"})
	repo.PutProfile(database.Profile{ID: "bob", Username: "bob", Email: "bob@example.com"})
	repo.PutProfile(database.Profile{ID: "carol", Username: "carol", Email: "carol@example.com"})

	policy, err := social.NewPolicy()
	require.NoError(t, err)
	soc := social.New(repo, policy, nil, nil)
	club, err := soc.CreateCommunity(context.Background(), "alice", social.CommunityInput{Slug: "club"})
	require.NoError(t, err)
	_, err = soc.Join(context.Background(), "bob", club.ID)
	require.NoError(t, err)

	provider := &fakeProvider{}
	svc := New(repo, provider, soc, Config{Domain: "in.plaza.test", Secret: "s3cret"}, nil)
	return &fixture{svc: svc, repo: repo, provider: provider, social: soc, club: club}
}

func TestProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, "bob", f.club.ID)
	assert.ErrorIs(t, err, social.ErrForbidden)
	_, err = f.svc.Provision(ctx, "carol", f.club.ID)
	assert.ErrorIs(t, err, social.ErrNotMember)

	addr, err := f.svc.Provision(ctx, "alice", f.club.ID)
	require.NoError(t, err)
	assert.Equal(t, "club@in.plaza.test", addr.Address)
	assert.Equal(t, "prov-club@in.plaza.test", addr.ProviderID)

	again, err := f.svc.Provision(ctx, "alice", f.club.ID)
	require.NoError(t, err)
	assert.Equal(t, addr.ID, again.ID)
	assert.Len(t, f.provider.created, 1)

	require.NoError(t, f.svc.Deprovision(ctx, "alice", f.club.ID))
	assert.Equal(t, []string{"prov-club@in.plaza.test"}, f.provider.deleted)
	assert.ErrorIs(t, f.svc.Deprovision(ctx, "alice", f.club.ID), database.ErrNotFound)
}

func TestProvision_Unavailable(t *testing.T) {
	f := newFixture(t)
	svc := New(f.repo, nil, f.social, Config{}, nil)
	_, err := svc.Provision(context.Background(), "alice", f.club.ID)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProvision_ProviderError(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("boom")
	_, err := f.svc.Provision(context.Background(), "alice", f.club.ID)
	assert.Error(t, err)
	_, err = f.repo.GetInboundAddressByCommunity(context.Background(), f.club.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		from    string
		to      []string
		wantErr bool
	}{
		{
			name:    "plain strings",
			payload: `{"from":"Bob@Example.com","to":"club@in.plaza.test","subject":"hi","text":"body"}`,
			from:    "bob@example.com",
			to:      []string{"club@in.plaza.test"},
		},
		{
			name:    "display names and list",
			payload: `{"from":"Bob <bob@example.com>","to":["Someone <x@y.z>","club@in.plaza.test"]}`,
			from:    "bob@example.com",
			to:      []string{"x@y.z", "club@in.plaza.test"},
		},
		{
			name:    "nested objects",
			payload: `{"email":{"from":{"address":"bob@example.com"},"to":[{"address":"club@in.plaza.test"}]}}`,
			from:    "bob@example.com",
			to:      []string{"club@in.plaza.test"},
		},
		{name: "missing to", payload: `{"from":"bob@example.com"}`, wantErr: true},
		{name: "not json", payload: `from: bob`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.from, msg.From)
			assert.Equal(t, tc.to, msg.To)
		})
	}
}

func TestHandleInbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Provision(ctx, "alice", f.club.ID)
	require.NoError(t, err)

	mail := func(from string) []byte {
		b, _ := json.Marshal(map[string]any{
			"from":    from,
			"to":      []string{"CLUB@in.plaza.test"},
			"subject": "Weekly notes",
			"text":    "See you Friday\r\n-- \r\nBob's phone",
		})
		return b
	}

	_, err = f.svc.HandleInbound(ctx, "wrong", mail("bob@example.com"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	post, err := f.svc.HandleInbound(ctx, "s3cret", mail("Bob <bob@example.com>"))
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, "bob", post.AuthorID)
	assert.Equal(t, social.SourceEmail, post.Source)
	assert.Equal(t, "Weekly notes\n\nSee you Friday", post.Body)
	require.NotNil(t, post.CommunityID)
	assert.Equal(t, f.club.ID, *post.CommunityID)

	for _, from := range []string{"carol@example.com", "stranger@example.com"} {
		post, err = f.svc.HandleInbound(ctx, "s3cret", mail(from))
		require.NoError(t, err, from)
		assert.Nil(t, post, from)
	}

	post, err = f.svc.HandleInbound(ctx, "s3cret", []byte(`{"from":"bob@example.com","to":"nobody@in.plaza.test","text":"x"}`))
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestAPIProvider(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/email-addresses":
			var body createAddressRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"addr_1","address":"` + body.Address + `"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/email-addresses/addr_1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.URL, "key")
	id, err := p.CreateAddress(context.Background(), "club@in.plaza.test", "https://plaza.test/hook")
	require.NoError(t, err)
	assert.Equal(t, "addr_1", id)
	assert.Equal(t, "Bearer key", gotAuth)
	require.NoError(t, p.DeleteAddress(context.Background(), "addr_1"))
	assert.Error(t, p.DeleteAddress(context.Background(), "missing"))
}
