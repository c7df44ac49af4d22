package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Profiles
// =============================================================================

func (r *Repository) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return selectOne[Profile](ctx, r.db.From(tableProfiles).Select("*").Eq("id", id))
}

func (r *Repository) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return []Profile{}, nil
	}
	return selectMany[Profile](ctx, r.db.From(tableProfiles).Select("*").In("id", ids))
}

// GetProfilesByUsernames resolves handles, as used in mentions.
func (r *Repository) GetProfilesByUsernames(ctx context.Context, names []string) ([]Profile, error) {
	if len(names) == 0 {
		return []Profile{}, nil
	}
	return selectMany[Profile](ctx, r.db.From(tableProfiles).Select("*").In("username", names))
}

// GetProfileByEmail matches case-insensitively.
func (r *Repository) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	return selectOne[Profile](ctx, r.db.From(tableProfiles).Select("*").ILike("email", email))
}

// =============================================================================
// Follows and blocks
// =============================================================================

// CreateFollow is idempotent.
func (r *Repository) CreateFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := r.db.From(tableFollows).OnConflict("follower_id,followee_id").Upsert(ctx, Follow{
		FollowerID: followerID,
		FolloweeID: followeeID,
		CreatedAt:  r.now(),
	})
	return mapError(err)
}

func (r *Repository) DeleteFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := r.db.From(tableFollows).
		Eq("follower_id", followerID).
		Eq("followee_id", followeeID).
		Delete(ctx)
	return mapError(err)
}

func (r *Repository) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	n, err := count(ctx, r.db.From(tableFollows).Eq("follower_id", followerID).Eq("followee_id", followeeID))
	return n > 0, err
}

func (r *Repository) ListFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := selectMany[Follow](ctx, r.db.From(tableFollows).Select("follower_id").Eq("followee_id", userID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, f := range rows {
		ids[i] = f.FollowerID
	}
	return ids, nil
}

func (r *Repository) CountFollows(ctx context.Context, userID string) (followers, following int64, err error) {
	followers, err = count(ctx, r.db.From(tableFollows).Eq("followee_id", userID))
	if err != nil {
		return 0, 0, err
	}
	following, err = count(ctx, r.db.From(tableFollows).Eq("follower_id", userID))
	return followers, following, err
}

// CreateBlock is idempotent.
func (r *Repository) CreateBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := r.db.From(tableBlocks).OnConflict("blocker_id,blocked_id").Upsert(ctx, Block{
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: r.now(),
	})
	return mapError(err)
}

func (r *Repository) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := r.db.From(tableBlocks).Eq("blocker_id", blockerID).Eq("blocked_id", blockedID).Delete(ctx)
	return mapError(err)
}

// IsBlockedEitherWay reports whether a blocked b or b blocked a.
func (r *Repository) IsBlockedEitherWay(ctx context.Context, a, b string) (bool, error) {
	expr := fmt.Sprintf("and(blocker_id.eq.%s,blocked_id.eq.%s),and(blocker_id.eq.%s,blocked_id.eq.%s)", a, b, b, a)
	n, err := count(ctx, r.db.From(tableBlocks).Or(expr))
	return n > 0, err
}

// =============================================================================
// Communities
// =============================================================================

func (r *Repository) CreateCommunity(ctx context.Context, c *Community) (*Community, error) {
	stampID(&c.ID)
	r.stampTime(&c.CreatedAt)
	return insertOne(ctx, r.db.From(tableCommunities), c)
}

func (r *Repository) GetCommunity(ctx context.Context, id string) (*Community, error) {
	return selectOne[Community](ctx, r.db.From(tableCommunities).Select("*").Eq("id", id))
}

func (r *Repository) GetCommunityBySlug(ctx context.Context, slug string) (*Community, error) {
	return selectOne[Community](ctx, r.db.From(tableCommunities).Select("*").Eq("slug", slug))
}

func (r *Repository) ListCommunities(ctx context.Context, limit int) ([]Community, error) {
	return selectMany[Community](ctx, r.db.From(tableCommunities).Select("*").Order("created_at", false).Limit(limit))
}

// UpsertMember inserts the membership or updates its role.
func (r *Repository) UpsertMember(ctx context.Context, m CommunityMember) error {
	r.stampTime(&m.JoinedAt)
	_, err := r.db.From(tableMembers).OnConflict("community_id,user_id").Upsert(ctx, m)
	return mapError(err)
}

func (r *Repository) GetMember(ctx context.Context, communityID, userID string) (*CommunityMember, error) {
	return selectOne[CommunityMember](ctx, r.db.From(tableMembers).Select("*").
		Eq("community_id", communityID).
		Eq("user_id", userID))
}

func (r *Repository) DeleteMember(ctx context.Context, communityID, userID string) error {
	_, err := r.db.From(tableMembers).Eq("community_id", communityID).Eq("user_id", userID).Delete(ctx)
	return mapError(err)
}

func (r *Repository) ListMembers(ctx context.Context, communityID string) ([]CommunityMember, error) {
	return selectMany[CommunityMember](ctx, r.db.From(tableMembers).Select("*").
		Eq("community_id", communityID).
		Order("joined_at", true))
}

// =============================================================================
// Posts
// =============================================================================

func (r *Repository) CreatePost(ctx context.Context, p *Post) (*Post, error) {
	stampID(&p.ID)
	r.stampTime(&p.CreatedAt)
	if p.Mentions == nil {
		p.Mentions = []string{}
	}
	if p.Hashtags == nil {
		p.Hashtags = []string{}
	}
	return insertOne(ctx, r.db.From(tablePosts), p)
}

func (r *Repository) GetPost(ctx context.Context, id string) (*Post, error) {
	return selectOne[Post](ctx, r.db.From(tablePosts).Select("*").Eq("id", id))
}

func (r *Repository) DeletePost(ctx context.Context, id string) error {
	resp, err := r.db.From(tablePosts).Eq("id", id).Delete(ctx)
	if err != nil {
		return mapError(err)
	}
	if _, err := firstRow[Post](resp); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return nil
}

// ListCommunityPosts returns posts newest first, strictly older than before
// when before is non-zero.
func (r *Repository) ListCommunityPosts(ctx context.Context, communityID string, before time.Time, limit int) ([]Post, error) {
	q := r.db.From(tablePosts).Select("*").Eq("community_id", communityID)
	if !before.IsZero() {
		q = q.Lt("created_at", before)
	}
	return selectMany[Post](ctx, q.Order("created_at", false).Limit(limit))
}
