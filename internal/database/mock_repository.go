package database

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockRepository is an in-memory implementation of RepositoryInterface for testing.
type MockRepository struct {
	mu sync.RWMutex

	// Data stores
	profiles      map[string]*Profile
	follows       map[string]*Follow
	blocks        map[string]*Block
	communities   map[string]*Community
	members       map[string]*CommunityMember
	posts         map[string]*Post
	threads       map[string]*Thread
	participants  map[string]*Participant
	messages      map[string]*Message
	wallets       map[string]*Wallet
	transactions  []*WalletTransaction
	topUps        map[string]*TopUp
	notifications map[string]*Notification
	preferences   map[string]*NotificationPreferences
	pushSubs      map[string]*PushSubscription
	objects       map[string]*StorageObject
	events        map[string]*Event
	inbound       map[string]*InboundAddress

	// Now is the clock used for generated timestamps.
	Now func() time.Time

	// Error injection for testing error paths
	ErrorOnNextCall error
}

// NewMockRepository creates a new mock repository for testing.
func NewMockRepository() *MockRepository {
	m := &MockRepository{Now: func() time.Time { return time.Now().UTC() }}
	m.reset()
	return m
}

// checkError returns and clears any injected error.
func (m *MockRepository) checkError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// Reset clears all data in the mock repository.
func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	m.ErrorOnNextCall = nil
}

func (m *MockRepository) reset() {
	m.profiles = make(map[string]*Profile)
	m.follows = make(map[string]*Follow)
	m.blocks = make(map[string]*Block)
	m.communities = make(map[string]*Community)
	m.members = make(map[string]*CommunityMember)
	m.posts = make(map[string]*Post)
	m.threads = make(map[string]*Thread)
	m.participants = make(map[string]*Participant)
	m.messages = make(map[string]*Message)
	m.wallets = make(map[string]*Wallet)
	m.transactions = nil
	m.topUps = make(map[string]*TopUp)
	m.notifications = make(map[string]*Notification)
	m.preferences = make(map[string]*NotificationPreferences)
	m.pushSubs = make(map[string]*PushSubscription)
	m.objects = make(map[string]*StorageObject)
	m.events = make(map[string]*Event)
	m.inbound = make(map[string]*InboundAddress)
}

// Ensure the implementations satisfy RepositoryInterface.
var (
	_ RepositoryInterface = (*Repository)(nil)
	_ RepositoryInterface = (*MockRepository)(nil)
)

func pairKey(a, b string) string { return a + "|" + b }

func limitSlice[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// applyPatch merges a column patch into row the way PostgREST would, by
// round-tripping through the row's JSON form.
func applyPatch[T any](row *T, patch map[string]any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for k, v := range patch {
		fields[k] = v
	}
	raw, err = json.Marshal(fields)
	if err != nil {
		return err
	}
	var next T
	if err := json.Unmarshal(raw, &next); err != nil {
		return err
	}
	*row = next
	return nil
}

// =============================================================================
// Profiles (seeded directly; profiles are owned by auth)
// =============================================================================

// PutProfile stores p, replacing any profile with the same ID.
func (m *MockRepository) PutProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Plan == "" {
		p.Plan = "free"
	}
	m.profiles[p.ID] = &p
}

func (m *MockRepository) GetProfile(ctx context.Context, id string) (*Profile, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Profile{}
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (m *MockRepository) GetProfilesByUsernames(ctx context.Context, names []string) ([]Profile, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	result := []Profile{}
	for _, p := range m.profiles {
		if want[strings.ToLower(p.Username)] {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (m *MockRepository) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.Email != "" && strings.EqualFold(p.Email, email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// =============================================================================
// Follows and blocks
// =============================================================================

func (m *MockRepository) CreateFollow(ctx context.Context, followerID, followeeID string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(followerID, followeeID)
	if _, ok := m.follows[key]; !ok {
		m.follows[key] = &Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: m.Now()}
	}
	return nil
}

func (m *MockRepository) DeleteFollow(ctx context.Context, followerID, followeeID string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, pairKey(followerID, followeeID))
	return nil
}

func (m *MockRepository) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	if err := m.checkError(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.follows[pairKey(followerID, followeeID)]
	return ok, nil
}

func (m *MockRepository) ListFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := []string{}
	for _, f := range m.follows {
		if f.FolloweeID == userID {
			ids = append(ids, f.FollowerID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockRepository) CountFollows(ctx context.Context, userID string) (int64, int64, error) {
	if err := m.checkError(); err != nil {
		return 0, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var followers, following int64
	for _, f := range m.follows {
		if f.FolloweeID == userID {
			followers++
		}
		if f.FollowerID == userID {
			following++
		}
	}
	return followers, following, nil
}

func (m *MockRepository) CreateBlock(ctx context.Context, blockerID, blockedID string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(blockerID, blockedID)
	if _, ok := m.blocks[key]; !ok {
		m.blocks[key] = &Block{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: m.Now()}
	}
	return nil
}

func (m *MockRepository) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, pairKey(blockerID, blockedID))
	return nil
}

func (m *MockRepository) IsBlockedEitherWay(ctx context.Context, a, b string) (bool, error) {
	if err := m.checkError(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ab := m.blocks[pairKey(a, b)]
	_, ba := m.blocks[pairKey(b, a)]
	return ab || ba, nil
}

// =============================================================================
// Communities
// =============================================================================

func (m *MockRepository) CreateCommunity(ctx context.Context, c *Community) (*Community, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.communities {
		if existing.Slug == c.Slug {
			return nil, ErrConflict
		}
	}
	stampID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.Now()
	}
	cp := *c
	m.communities[c.ID] = &cp
	return c, nil
}

func (m *MockRepository) GetCommunity(ctx context.Context, id string) (*Community, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.communities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockRepository) GetCommunityBySlug(ctx context.Context, slug string) (*Community, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.communities {
		if c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListCommunities(ctx context.Context, limit int) ([]Community, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Community{}
	for _, c := range m.communities {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) UpsertMember(ctx context.Context, member CommunityMember) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(member.CommunityID, member.UserID)
	if existing, ok := m.members[key]; ok {
		existing.Role = member.Role
		return nil
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = m.Now()
	}
	m.members[key] = &member
	return nil
}

func (m *MockRepository) GetMember(ctx context.Context, communityID, userID string) (*CommunityMember, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[pairKey(communityID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *member
	return &cp, nil
}

func (m *MockRepository) DeleteMember(ctx context.Context, communityID, userID string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, pairKey(communityID, userID))
	return nil
}

func (m *MockRepository) ListMembers(ctx context.Context, communityID string) ([]CommunityMember, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []CommunityMember{}
	for _, member := range m.members {
		if member.CommunityID == communityID {
			result = append(result, *member)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

// =============================================================================
// Posts
// =============================================================================

func (m *MockRepository) CreatePost(ctx context.Context, p *Post) (*Post, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.Now()
	}
	cp := *p
	m.posts[p.ID] = &cp
	return p, nil
}

func (m *MockRepository) GetPost(ctx context.Context, id string) (*Post, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) DeletePost(ctx context.Context, id string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return ErrNotFound
	}
	delete(m.posts, id)
	return nil
}

func (m *MockRepository) ListCommunityPosts(ctx context.Context, communityID string, before time.Time, limit int) ([]Post, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Post{}
	for _, p := range m.posts {
		if p.CommunityID == nil || *p.CommunityID != communityID {
			continue
		}
		if !before.IsZero() && !p.CreatedAt.Before(before) {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

// =============================================================================
// Direct message threads
// =============================================================================

func (m *MockRepository) GetThread(ctx context.Context, id string) (*Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) GetThreadByPair(ctx context.Context, key string) (*Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.threads {
		if t.PairKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListThreadsByIDs(ctx context.Context, ids []string) ([]Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Thread{}
	for _, id := range ids {
		if t, ok := m.threads[id]; ok {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (m *MockRepository) CreateThread(ctx context.Context, t *Thread, userIDs []string) (*Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.threads {
		if existing.PairKey == t.PairKey {
			return nil, ErrConflict
		}
	}
	stampID(&t.ID)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.Now()
	}
	cp := *t
	m.threads[t.ID] = &cp
	for _, uid := range userIDs {
		m.participants[pairKey(t.ID, uid)] = &Participant{ThreadID: t.ID, UserID: uid, JoinedAt: t.CreatedAt}
	}
	return t, nil
}

func (m *MockRepository) UpdateThread(ctx context.Context, id string, patch map[string]any) (*Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) UpdateThreadStatus(ctx context.Context, id, from, to string) (*Thread, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.Status != from {
		return nil, ErrNotFound
	}
	t.Status = to
	cp := *t
	return &cp, nil
}

func (m *MockRepository) GetParticipant(ctx context.Context, threadID, userID string) (*Participant, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[pairKey(threadID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Participant{}
	for _, p := range m.participants {
		if p.ThreadID == threadID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *MockRepository) ListUserParticipations(ctx context.Context, userID string) ([]Participant, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Participant{}
	for _, p := range m.participants {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ThreadID < result[j].ThreadID })
	return result, nil
}

func (m *MockRepository) UpdateParticipantReadAt(ctx context.Context, threadID, userID string, at time.Time) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[pairKey(threadID, userID)]; ok {
		at = at.UTC()
		p.LastReadAt = &at
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (m *MockRepository) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.Now()
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return msg, nil
}

func (m *MockRepository) ListMessages(ctx context.Context, threadID string, before time.Time, limit int) ([]Message, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Message{}
	for _, msg := range m.messages {
		if msg.ThreadID != threadID {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		result = append(result, *msg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) CountUnread(ctx context.Context, threadID, userID string, after *time.Time) (int64, error) {
	if err := m.checkError(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, msg := range m.messages {
		if msg.ThreadID != threadID || msg.SenderID == userID {
			continue
		}
		if after != nil && !msg.CreatedAt.After(*after) {
			continue
		}
		n++
	}
	return n, nil
}
