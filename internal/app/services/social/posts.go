package social

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/richtext"
)

// MaxPostRunes bounds a post body.
const MaxPostRunes = 10000

// Post sources.
const (
	SourceWeb   = "web"
	SourceEmail = "email"
)

// PostInput is a new post. Document, when set, is an editor JSON document
// and takes precedence over Body.
type PostInput struct {
	Body        string          `json:"body"`
	Document    json.RawMessage `json:"document,omitempty"`
	CommunityID string          `json:"community_id"`
}

// CreatePost publishes a post and notifies mentioned users.
func (s *Service) CreatePost(ctx context.Context, authorID string, in PostInput) (*database.Post, error) {
	text := in.Body
	var mentionIDs []string
	if len(in.Document) > 0 {
		doc, err := richtext.FromDocument(in.Document)
		if err != nil {
			return nil, err
		}
		text = doc.Text
		mentionIDs = doc.MentionIDs
	}
	return s.publish(ctx, authorID, in.CommunityID, text, mentionIDs, SourceWeb)
}

// CreateCommunityPost publishes a post from a non-web source, such as an
// inbound email.
func (s *Service) CreateCommunityPost(ctx context.Context, authorID, communityID, body, source string) (*database.Post, error) {
	return s.publish(ctx, authorID, communityID, body, nil, source)
}

func (s *Service) publish(ctx context.Context, authorID, communityID, text string, mentionIDs []string, source string) (*database.Post, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyPost
	}
	if utf8.RuneCountInString(text) > MaxPostRunes {
		return nil, ErrPostTooLong
	}

	post := &database.Post{
		AuthorID: authorID,
		Body:     text,
		BodyHTML: richtext.RenderHTML(text),
		Hashtags: richtext.Hashtags(text),
		Source:   source,
	}
	if communityID != "" {
		if err := s.Authorize(ctx, communityID, authorID, ActionPost); err != nil {
			return nil, err
		}
		post.CommunityID = &communityID
	}

	mentioned, err := s.resolveMentions(ctx, authorID, text, mentionIDs)
	if err != nil {
		return nil, err
	}
	post.Mentions = mentioned

	created, err := s.store.CreatePost(ctx, post)
	if err != nil {
		return nil, err
	}

	title := "You were mentioned in a post"
	if p, err := s.store.GetProfile(ctx, authorID); err == nil && p.Username != "" {
		title = p.Username + " mentioned you"
	}
	actor := authorID
	for _, userID := range mentioned {
		s.dispatch(ctx, database.Notification{
			UserID:  userID,
			ActorID: &actor,
			Kind:    database.NotifyMention,
			Title:   title,
			Body:    excerpt(text),
			Link:    "/posts/" + created.ID,
			Data:    map[string]any{"post_id": created.ID},
		})
	}
	return created, nil
}

// resolveMentions turns @usernames plus explicit IDs into user IDs, leaving
// out the author and anyone in a block relationship with them.
func (s *Service) resolveMentions(ctx context.Context, authorID, text string, ids []string) ([]string, error) {
	seen := map[string]bool{authorID: true}
	out := []string{}
	add := func(id string) error {
		if id == "" || seen[id] {
			return nil
		}
		seen[id] = true
		blocked, err := s.store.IsBlockedEitherWay(ctx, authorID, id)
		if err != nil {
			return err
		}
		if !blocked {
			out = append(out, id)
		}
		return nil
	}

	for _, id := range ids {
		if err := add(id); err != nil {
			return nil, err
		}
	}
	if names := richtext.Mentions(text); len(names) > 0 {
		profiles, err := s.store.GetProfilesByUsernames(ctx, names)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]string, len(profiles))
		for _, p := range profiles {
			byName[strings.ToLower(p.Username)] = p.ID
		}
		for _, name := range names {
			if err := add(byName[name]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// DeletePost removes a post. Authors can delete their own posts; community
// moderators can delete any post in their community.
func (s *Service) DeletePost(ctx context.Context, userID, postID string) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.AuthorID != userID {
		if post.CommunityID == nil {
			return ErrForbidden
		}
		if err := s.Authorize(ctx, *post.CommunityID, userID, ActionModerate); err != nil {
			if errors.Is(err, ErrNotMember) {
				return ErrForbidden
			}
			return err
		}
		s.log.WithContext(ctx).WithField("post_id", postID).Info("post removed by moderator")
	}
	return s.store.DeletePost(ctx, postID)
}

func (s *Service) Post(ctx context.Context, postID string) (*database.Post, error) {
	return s.store.GetPost(ctx, postID)
}

// CommunityPosts pages a community's posts, newest first.
func (s *Service) CommunityPosts(ctx context.Context, communityID string, before time.Time, limit int) ([]database.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	return s.store.ListCommunityPosts(ctx, communityID, before, limit)
}

func excerpt(text string) string {
	const limit = 140
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "…"
}
