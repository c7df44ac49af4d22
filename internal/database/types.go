package database

import "time"

// Profile is a public user profile (profiles table, keyed by auth user ID).
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Plan        string    `json:"plan"`
	CreatedAt   time.Time `json:"created_at"`
}

// Follow is a directed follow edge.
type Follow struct {
	FollowerID string    `json:"follower_id"`
	FolloweeID string    `json:"followee_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Block is a directed block edge.
type Block struct {
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Community is a group with members and posts.
type Community struct {
	ID          string    `json:"id,omitempty"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Community member roles, weakest first.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleOwner     = "owner"
)

// CommunityMember is one user's membership in a community.
type CommunityMember struct {
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Post is a user post, optionally inside a community.
type Post struct {
	ID          string    `json:"id,omitempty"`
	AuthorID    string    `json:"author_id"`
	CommunityID *string   `json:"community_id"`
	Body        string    `json:"body"`
	BodyHTML    string    `json:"body_html"`
	Mentions    []string  `json:"mentions"`
	Hashtags    []string  `json:"hashtags"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// Thread statuses.
const (
	ThreadPending  = "pending"
	ThreadAccepted = "accepted"
	ThreadDeclined = "declined"
	ThreadBlocked  = "blocked"
)

// Thread is a direct-message conversation between two users.
type Thread struct {
	ID                 string     `json:"id,omitempty"`
	PairKey            string     `json:"pair_key"`
	CreatedBy          string     `json:"created_by"`
	Status             string     `json:"status"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	LastMessagePreview string     `json:"last_message_preview"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Participant links a user to a thread and records how far they have read.
type Participant struct {
	ThreadID   string     `json:"thread_id"`
	UserID     string     `json:"user_id"`
	LastReadAt *time.Time `json:"last_read_at"`
	JoinedAt   time.Time  `json:"joined_at"`
}

// Message is one direct message.
type Message struct {
	ID        string    `json:"id,omitempty"`
	ThreadID  string    `json:"thread_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is a user's points balance and billing state.
type Wallet struct {
	UserID      string     `json:"user_id"`
	Balance     int64      `json:"balance"`
	DueAt       *time.Time `json:"due_at"`
	NextBonusAt *time.Time `json:"next_bonus_at"`
	RemindedAt  *time.Time `json:"reminded_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Wallet transaction kinds.
const (
	TxTopUp       = "topup"
	TxBonus       = "bonus"
	TxTransferIn  = "transfer_in"
	TxTransferOut = "transfer_out"
	TxCharge      = "charge"
)

// WalletTransaction is an immutable ledger row.
type WalletTransaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference"`
	Memo         string    `json:"memo"`
	CreatedAt    time.Time `json:"created_at"`
}

// Top-up statuses.
const (
	TopUpPending  = "pending"
	TopUpApproved = "approved"
	TopUpRejected = "rejected"
	TopUpExpired  = "expired"
)

// TopUp is a user-submitted proof of payment awaiting review.
type TopUp struct {
	ID          string     `json:"id,omitempty"`
	UserID      string     `json:"user_id"`
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	Points      int64      `json:"points"`
	Reference   string     `json:"reference"`
	ReceiptPath string     `json:"receipt_path"`
	Status      string     `json:"status"`
	ReviewerID  *string    `json:"reviewer_id"`
	ReviewNote  string     `json:"review_note"`
	ReviewedAt  *time.Time `json:"reviewed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Notification kinds.
const (
	NotifyDM        = "dm"
	NotifyDMRequest = "dm_request"
	NotifyFollow    = "follow"
	NotifyMention   = "mention"
	NotifyCommunity = "community"
	NotifyLive      = "live"
	NotifyTopUp     = "topup"
	NotifyTopUpDue  = "topup_due"
	NotifyTransfer  = "transfer"
)

// Notification is an in-app notification.
type Notification struct {
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"user_id"`
	ActorID   *string        `json:"actor_id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Link      string         `json:"link"`
	Data      map[string]any `json:"data,omitempty"`
	ReadAt    *time.Time     `json:"read_at"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationPreferences controls delivery channels per user.
type NotificationPreferences struct {
	UserID       string   `json:"user_id"`
	EmailEnabled bool     `json:"email_enabled"`
	PushEnabled  bool     `json:"push_enabled"`
	MutedKinds   []string `json:"muted_kinds"`
}

// DefaultPreferences are used for users without a preferences row.
func DefaultPreferences(userID string) *NotificationPreferences {
	return &NotificationPreferences{UserID: userID, EmailEnabled: true, PushEnabled: true, MutedKinds: []string{}}
}

// Muted reports whether kind is muted.
func (p *NotificationPreferences) Muted(kind string) bool {
	for _, k := range p.MutedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PushSubscription is a browser push endpoint.
type PushSubscription struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageObject records an uploaded file counted against a quota.
type StorageObject struct {
	ID          string    `json:"id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Bucket      string    `json:"bucket"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event statuses.
const (
	EventScheduled = "scheduled"
	EventLive      = "live"
	EventEnded     = "ended"
	EventCancelled = "cancelled"
)

// Event is a scheduled event, optionally livestreamed.
type Event struct {
	ID          string     `json:"id,omitempty"`
	HostID      string     `json:"host_id"`
	CommunityID *string    `json:"community_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartsAt    time.Time  `json:"starts_at"`
	Status      string     `json:"status"`
	Livestream  bool       `json:"livestream"`
	StreamID    *string    `json:"stream_id"`
	StreamKey   string     `json:"stream_key,omitempty"`
	PlaybackID  string     `json:"playback_id"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InboundAddress maps a provisioned inbound email address to a community.
type InboundAddress struct {
	ID          string    `json:"id,omitempty"`
	CommunityID string    `json:"community_id"`
	Address     string    `json:"address"`
	ProviderID  string    `json:"provider_id"`
	CreatedAt   time.Time `json:"created_at"`
}
