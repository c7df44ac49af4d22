package database

import (
	"context"
	"time"
)

// SocialRepository covers profiles, the follow and block graphs, communities
// and posts.
type SocialRepository interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfiles(ctx context.Context, ids []string) ([]Profile, error)
	GetProfilesByUsernames(ctx context.Context, names []string) ([]Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*Profile, error)

	CreateFollow(ctx context.Context, followerID, followeeID string) error
	DeleteFollow(ctx context.Context, followerID, followeeID string) error
	IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error)
	ListFollowerIDs(ctx context.Context, userID string) ([]string, error)
	CountFollows(ctx context.Context, userID string) (followers, following int64, err error)
	CreateBlock(ctx context.Context, blockerID, blockedID string) error
	DeleteBlock(ctx context.Context, blockerID, blockedID string) error
	IsBlockedEitherWay(ctx context.Context, a, b string) (bool, error)

	CreateCommunity(ctx context.Context, c *Community) (*Community, error)
	GetCommunity(ctx context.Context, id string) (*Community, error)
	GetCommunityBySlug(ctx context.Context, slug string) (*Community, error)
	ListCommunities(ctx context.Context, limit int) ([]Community, error)
	UpsertMember(ctx context.Context, m CommunityMember) error
	GetMember(ctx context.Context, communityID, userID string) (*CommunityMember, error)
	DeleteMember(ctx context.Context, communityID, userID string) error
	ListMembers(ctx context.Context, communityID string) ([]CommunityMember, error)

	CreatePost(ctx context.Context, p *Post) (*Post, error)
	GetPost(ctx context.Context, id string) (*Post, error)
	DeletePost(ctx context.Context, id string) error
	ListCommunityPosts(ctx context.Context, communityID string, before time.Time, limit int) ([]Post, error)
}

// MessagingRepository covers direct-message threads, participants and
// messages.
type MessagingRepository interface {
	GetThread(ctx context.Context, id string) (*Thread, error)
	GetThreadByPair(ctx context.Context, pairKey string) (*Thread, error)
	ListThreadsByIDs(ctx context.Context, ids []string) ([]Thread, error)
	CreateThread(ctx context.Context, t *Thread, userIDs []string) (*Thread, error)
	UpdateThread(ctx context.Context, id string, patch map[string]any) (*Thread, error)
	UpdateThreadStatus(ctx context.Context, id, from, to string) (*Thread, error)
	GetParticipant(ctx context.Context, threadID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, threadID string) ([]Participant, error)
	ListUserParticipations(ctx context.Context, userID string) ([]Participant, error)
	UpdateParticipantReadAt(ctx context.Context, threadID, userID string, at time.Time) error
	InsertMessage(ctx context.Context, m *Message) (*Message, error)
	ListMessages(ctx context.Context, threadID string, before time.Time, limit int) ([]Message, error)
	CountUnread(ctx context.Context, threadID, userID string, after *time.Time) (int64, error)
}

// WalletRepository covers wallets, ledger rows and top-ups. It never moves
// balances; that is the ledger's job.
type WalletRepository interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	UpdateWallet(ctx context.Context, userID string, patch map[string]any) (*Wallet, error)
	ListOverdueWallets(ctx context.Context, now, remindedBefore time.Time, limit int) ([]Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]WalletTransaction, error)
	InsertTopUp(ctx context.Context, t *TopUp) (*TopUp, error)
	GetTopUp(ctx context.Context, id string) (*TopUp, error)
	GetTopUpByReference(ctx context.Context, reference string) (*TopUp, error)
	ReviewTopUp(ctx context.Context, id, status, reviewerID, note string, at time.Time) (*TopUp, error)
	ListTopUps(ctx context.Context, status string, limit int) ([]TopUp, error)
	ListUserTopUps(ctx context.Context, userID string, limit int) ([]TopUp, error)
	ExpireTopUps(ctx context.Context, cutoff time.Time) (int, error)
}

// NotificationRepository covers notifications and delivery preferences.
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n *Notification) (*Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)
	GetPreferences(ctx context.Context, userID string) (*NotificationPreferences, error)
	SavePreferences(ctx context.Context, p *NotificationPreferences) error
}

// PushRepository covers browser push subscriptions.
type PushRepository interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	SavePushSubscription(ctx context.Context, s *PushSubscription) (*PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error
	DeletePushSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error
}

// StorageRepository covers uploaded-object bookkeeping.
type StorageRepository interface {
	InsertStorageObject(ctx context.Context, o *StorageObject) (*StorageObject, error)
	GetStorageObject(ctx context.Context, id string) (*StorageObject, error)
	DeleteStorageObject(ctx context.Context, id string) error
	ListStorageObjects(ctx context.Context, ownerID string) ([]StorageObject, error)
	StorageUsage(ctx context.Context, ownerID string) (int64, error)
}

// EventRepository covers events and their livestreams.
type EventRepository interface {
	InsertEvent(ctx context.Context, e *Event) (*Event, error)
	GetEvent(ctx context.Context, id string) (*Event, error)
	GetEventByStreamID(ctx context.Context, streamID string) (*Event, error)
	UpdateEvent(ctx context.Context, id string, patch map[string]any) (*Event, error)
	TransitionEvent(ctx context.Context, id, from string, patch map[string]any) (*Event, error)
	ListUpcomingEvents(ctx context.Context, since time.Time, limit int) ([]Event, error)
}

// InboundRepository covers provisioned inbound email addresses.
type InboundRepository interface {
	InsertInboundAddress(ctx context.Context, a *InboundAddress) (*InboundAddress, error)
	GetInboundAddress(ctx context.Context, address string) (*InboundAddress, error)
	GetInboundAddressByCommunity(ctx context.Context, communityID string) (*InboundAddress, error)
	DeleteInboundAddress(ctx context.Context, id string) error
}

// RepositoryInterface is everything the services need from the database.
type RepositoryInterface interface {
	SocialRepository
	MessagingRepository
	WalletRepository
	NotificationRepository
	PushRepository
	StorageRepository
	EventRepository
	InboundRepository
}
