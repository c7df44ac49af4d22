package social

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza-social/plaza/internal/database"
)

type recordingNotifier struct {
	sent []database.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n database.Notification) (*database.Notification, error) {
	r.sent = append(r.sent, n)
	return &n, nil
}

func (r *recordingNotifier) kinds() []string {
	var out []string
	for _, n := range r.sent {
		out = append(out, n.UserID+":"+n.Kind)
	}
	return out
}

func newService(t *testing.T) (*Service, *database.MockRepository, *recordingNotifier) {
	t.Helper()
	repo := database.NewMockRepository()
	for _, p := range []database.Profile{
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob"},
		{ID: "carol", Username: "Carol"},
	} {
		repo.PutProfile(p)
	}
	policy, err := NewPolicy()
	require.NoError(t, err)
	n := &recordingNotifier{}
	return New(repo, policy, n, nil), repo, n
}

func TestPolicy_RoleHierarchy(t *testing.T) {
	p, err := NewPolicy()
	require.NoError(t, err)

	cases := []struct {
		role, action string
		want         bool
	}{
		{database.RoleMember, ActionRead, true},
		{database.RoleMember, ActionPost, true},
		{database.RoleMember, ActionModerate, false},
		{database.RoleMember, ActionManage, false},
		{database.RoleModerator, ActionPost, true},
		{database.RoleModerator, ActionModerate, true},
		{database.RoleModerator, ActionManage, false},
		{database.RoleOwner, ActionPost, true},
		{database.RoleOwner, ActionModerate, true},
		{database.RoleOwner, ActionManage, true},
		{"stranger", ActionRead, false},
	}
	for _, tc := range cases {
		got, err := p.Can(tc.role, tc.action)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.role, tc.action)
	}
}

func TestFollow(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, "alice", "bob"))
	require.NoError(t, svc.Follow(ctx, "alice", "bob"))
	assert.Equal(t, []string{"bob:follow"}, n.kinds(), "a repeated follow does not notify twice")
	assert.Equal(t, "alice followed you", n.sent[0].Title)

	mutual, err := svc.IsMutual(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, mutual)

	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	mutual, err = svc.IsMutual(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, mutual)

	stats, err := svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &Stats{Followers: 1, Following: 1}, stats)

	require.NoError(t, svc.Unfollow(ctx, "alice", "bob"))
	stats, err = svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Following)

	assert.ErrorIs(t, svc.Follow(ctx, "alice", "alice"), ErrSelf)
}

func TestBlock_RemovesFollowsBothWays(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, "alice", "bob"))
	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	require.NoError(t, svc.Block(ctx, "alice", "bob"))

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		following, err := repo.IsFollowing(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.False(t, following)
	}
	assert.ErrorIs(t, svc.Follow(ctx, "bob", "alice"), ErrBlocked)

	require.NoError(t, svc.Unblock(ctx, "alice", "bob"))
	assert.NoError(t, svc.Follow(ctx, "bob", "alice"))
	assert.ErrorIs(t, svc.Block(ctx, "bob", "bob"), ErrSelf)
}

func TestCommunities(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()

	c, err := svc.CreateCommunity(ctx, "alice", CommunityInput{Slug: " Go-Nuts ", Name: "Go Nuts"})
	require.NoError(t, err)
	assert.Equal(t, "go-nuts", c.Slug)

	_, err = svc.CreateCommunity(ctx, "bob", CommunityInput{Slug: "go-nuts"})
	assert.ErrorIs(t, err, ErrSlugTaken)
	for _, bad := range []string{"", "a", "-ab", "ab-", "has space", strings.Repeat("a", 41)} {
		_, err = svc.CreateCommunity(ctx, "bob", CommunityInput{Slug: bad})
		assert.ErrorIs(t, err, ErrInvalidSlug, bad)
	}

	bySlug, err := svc.Community(ctx, "go-nuts")
	require.NoError(t, err)
	assert.Equal(t, c.ID, bySlug.ID)

	member, err := svc.Join(ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RoleMember, member.Role)
	assert.Equal(t, []string{"alice:community"}, n.kinds())

	_, err = svc.Join(ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Len(t, n.sent, 1)

	assert.ErrorIs(t, svc.SetRole(ctx, "bob", c.ID, "bob", database.RoleModerator), ErrForbidden)
	assert.ErrorIs(t, svc.SetRole(ctx, "alice", c.ID, "bob", database.RoleOwner), ErrInvalidRole)
	assert.ErrorIs(t, svc.SetRole(ctx, "alice", c.ID, "alice", database.RoleMember), ErrInvalidRole)
	assert.ErrorIs(t, svc.SetRole(ctx, "alice", c.ID, "carol", database.RoleModerator), ErrNotMember)
	require.NoError(t, svc.SetRole(ctx, "alice", c.ID, "bob", database.RoleModerator))

	role, err := svc.Role(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, database.RoleModerator, role)

	members, err := svc.Members(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	assert.ErrorIs(t, svc.Leave(ctx, "alice", c.ID), ErrOwnerCannotLeave)
	require.NoError(t, svc.Leave(ctx, "bob", c.ID))
	assert.ErrorIs(t, svc.Leave(ctx, "bob", c.ID), ErrNotMember)
}

func TestJoin_BlockedByOwner(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	c, err := svc.CreateCommunity(ctx, "alice", CommunityInput{Slug: "club"})
	require.NoError(t, err)
	require.NoError(t, svc.Block(ctx, "alice", "bob"))

	_, err = svc.Join(ctx, "bob", c.ID)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestCreatePost_Mentions(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()

	post, err := svc.CreatePost(ctx, "alice", PostInput{Body: "  hi @bob and @carol and @alice #golang <b>x</b> @nobody "})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, post.Mentions)
	assert.Equal(t, []string{"golang"}, post.Hashtags)
	assert.Equal(t, SourceWeb, post.Source)
	assert.NotContains(t, post.BodyHTML, "<b>")
	assert.Equal(t, []string{"bob:mention", "carol:mention"}, n.kinds())
	assert.Equal(t, "alice mentioned you", n.sent[0].Title)
}

func TestCreatePost_MentionsSkipBlockedUsers(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Block(ctx, "bob", "alice"))

	post, err := svc.CreatePost(ctx, "alice", PostInput{Body: "hey @bob"})
	require.NoError(t, err)
	assert.Empty(t, post.Mentions)
	assert.Empty(t, n.sent)
}

func TestCreatePost_Document(t *testing.T) {
	svc, _, n := newService(t)
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"ping "},
		{"type":"mention","attrs":{"id":"carol","label":"Carol"}}
	]}]}`

	post, err := svc.CreatePost(context.Background(), "alice", PostInput{Document: []byte(doc)})
	require.NoError(t, err)
	assert.Equal(t, "ping @Carol", post.Body)
	assert.Equal(t, []string{"carol"}, post.Mentions)
	assert.Len(t, n.sent, 1)

	_, err = svc.CreatePost(context.Background(), "alice", PostInput{Document: []byte(`{"type":"paragraph"}`)})
	assert.Error(t, err)
}

func TestCreatePost_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreatePost(ctx, "alice", PostInput{Body: "   "})
	assert.ErrorIs(t, err, ErrEmptyPost)
	_, err = svc.CreatePost(ctx, "alice", PostInput{Body: strings.Repeat("é", MaxPostRunes+1)})
	assert.ErrorIs(t, err, ErrPostTooLong)

	c, err := svc.CreateCommunity(ctx, "alice", CommunityInput{Slug: "club"})
	require.NoError(t, err)
	_, err = svc.CreatePost(ctx, "bob", PostInput{Body: "hello", CommunityID: c.ID})
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestDeletePost(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()
	repo.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	c, err := svc.CreateCommunity(ctx, "alice", CommunityInput{Slug: "club"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, "bob", c.ID)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "carol", c.ID)
	require.NoError(t, err)

	post, err := svc.CreatePost(ctx, "bob", PostInput{Body: "hello club", CommunityID: c.ID})
	require.NoError(t, err)
	require.NotNil(t, post.CommunityID)

	assert.ErrorIs(t, svc.DeletePost(ctx, "carol", post.ID), ErrForbidden)

	posts, err := svc.CommunityPosts(ctx, c.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, posts, 1)

	require.NoError(t, svc.SetRole(ctx, "alice", c.ID, "carol", database.RoleModerator))
	require.NoError(t, svc.DeletePost(ctx, "carol", post.ID))

	own, err := svc.CreatePost(ctx, "bob", PostInput{Body: "mine"})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.DeletePost(ctx, "alice", own.ID), ErrForbidden)
	require.NoError(t, svc.DeletePost(ctx, "bob", own.ID))
	assert.ErrorIs(t, svc.DeletePost(ctx, "bob", own.ID), database.ErrNotFound)
}

func TestCreateCommunityPost_EmailSource(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	c, err := svc.CreateCommunity(ctx, "alice", CommunityInput{Slug: "club"})
	require.NoError(t, err)

	post, err := svc.CreateCommunityPost(ctx, "alice", c.ID, "from my inbox", SourceEmail)
	require.NoError(t, err)
	assert.Equal(t, SourceEmail, post.Source)
}
