package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza-social/plaza/internal/database"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []database.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n database.Notification) (*database.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return &n, nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind + ">" + n.UserID
	}
	return out
}

// tickingClock advances one second per reading so ordering is deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(t *testing.T) (*Service, *database.MockRepository, *recordingNotifier) {
	t.Helper()
	repo := database.NewMockRepository()
	clock := tickingClock()
	repo.Now = clock
	n := &recordingNotifier{}
	svc := New(repo, n, nil)
	svc.now = clock
	return svc, repo, n
}

func TestPairKey_IsOrderIndependent(t *testing.T) {
	if PairKey("b", "a") != PairKey("a", "b") {
		t.Fatalf("pair key depends on order")
	}
	if PairKey("a", "b") != "a:b" {
		t.Fatalf("unexpected pair key %q", PairKey("a", "b"))
	}
}

func TestEnsureThread_StrangersStartPending(t *testing.T) {
	svc, _, notes := newTestService(t)
	ctx := context.Background()

	thread, created, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.ThreadPending, thread.Status)
	assert.Equal(t, "alice", thread.CreatedBy)
	assert.Equal(t, []string{"dm_request>bob"}, notes.kinds())

	again, created, err := svc.EnsureThread(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, thread.ID, again.ID)
}

func TestEnsureThread_MutualFollowersStartAccepted(t *testing.T) {
	svc, repo, notes := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateFollow(ctx, "alice", "bob"))
	require.NoError(t, repo.CreateFollow(ctx, "bob", "alice"))

	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, database.ThreadAccepted, thread.Status)
	assert.Empty(t, notes.kinds())
}

func TestEnsureThread_Rejections(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureThread(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfThread)

	require.NoError(t, repo.CreateBlock(ctx, "bob", "alice"))
	_, _, err = svc.EnsureThread(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestAcceptDecline_OnlyRecipientWhilePending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = svc.AcceptThread(ctx, "alice", thread.ID)
	assert.ErrorIs(t, err, ErrNotRecipient)

	_, err = svc.AcceptThread(ctx, "mallory", thread.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	accepted, err := svc.AcceptThread(ctx, "bob", thread.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ThreadAccepted, accepted.Status)

	_, err = svc.DeclineThread(ctx, "bob", thread.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAppendMessage_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	tests := []struct {
		name string
		user string
		body string
		want error
	}{
		{"blank", "alice", "   \n", ErrEmptyBody},
		{"too long", "alice", strings.Repeat("é", MaxBodyRunes+1), ErrBodyTooLong},
		{"outsider", "mallory", "hi", ErrNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AppendMessage(ctx, tt.user, thread.ID, tt.body)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	msg, err := svc.AppendMessage(ctx, "alice", thread.ID, strings.Repeat("é", MaxBodyRunes))
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestAppendMessage_ReplyAcceptsRequest(t *testing.T) {
	svc, repo, notes := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, "alice", thread.ID, "  hello there  ")
	require.NoError(t, err)
	stored, err := repo.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ThreadPending, stored.Status, "initiator's message keeps the request pending")
	assert.Equal(t, "hello there", stored.LastMessagePreview)
	require.NotNil(t, stored.LastMessageAt)

	_, err = svc.AppendMessage(ctx, "bob", thread.ID, "hi!")
	require.NoError(t, err)
	stored, err = repo.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ThreadAccepted, stored.Status)

	assert.Equal(t, []string{"dm_request>bob", "dm>bob", "dm>alice"}, notes.kinds())
}

func TestAcceptThread_BlockClosesRequest(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, repo.CreateBlock(ctx, "alice", "bob"))
	_, err = svc.AcceptThread(ctx, "bob", thread.ID)
	assert.ErrorIs(t, err, ErrBlocked)

	stored, err := repo.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ThreadBlocked, stored.Status)

	_, err = svc.AcceptThread(ctx, "bob", thread.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAppendMessage_BlockClosesThread(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, repo.CreateBlock(ctx, "bob", "alice"))
	_, err = svc.AppendMessage(ctx, "alice", thread.ID, "still there?")
	assert.ErrorIs(t, err, ErrBlocked)

	stored, err := repo.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ThreadBlocked, stored.Status)

	// Unblocking does not reopen the thread.
	require.NoError(t, repo.DeleteBlock(ctx, "bob", "alice"))
	_, err = svc.AppendMessage(ctx, "alice", thread.ID, "hello?")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestAppendMessage_DeclinedThreadRejects(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = svc.DeclineThread(ctx, "bob", thread.ID)
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, "alice", thread.ID, "please?")
	assert.ErrorIs(t, err, ErrThreadClosed)
}

func TestListMessages_PagesOldestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	thread, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)

	var sent []*database.Message
	for _, body := range []string{"one", "two", "three", "four"} {
		m, err := svc.AppendMessage(ctx, "alice", thread.ID, body)
		require.NoError(t, err)
		sent = append(sent, m)
	}

	page, err := svc.ListMessages(ctx, "bob", thread.ID, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "three", page[0].Body)
	assert.Equal(t, "four", page[1].Body)

	older, err := svc.ListMessages(ctx, "bob", thread.ID, page[0].CreatedAt, 0)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "one", older[0].Body)

	_, err = svc.ListMessages(ctx, "mallory", thread.ID, time.Time{}, 10)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0) != DefaultPageSize || clampLimit(-3) != DefaultPageSize {
		t.Fatalf("non-positive limit should use default")
	}
	if clampLimit(1000) != MaxPageSize {
		t.Fatalf("limit not capped")
	}
	if clampLimit(7) != 7 {
		t.Fatalf("limit changed")
	}
}

func TestUnreadSummary_AndMarkAsRead(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateFollow(ctx, "alice", "bob"))
	require.NoError(t, repo.CreateFollow(ctx, "bob", "alice"))

	accepted, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.AppendMessage(ctx, "alice", accepted.ID, "ping")
		require.NoError(t, err)
	}
	// A request from a stranger counts as a request, not as messages.
	request, _, err := svc.EnsureThread(ctx, "carol", "bob")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "carol", request.ID, "hey")
	require.NoError(t, err)

	sum, err := svc.UnreadSummary(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, Summary{Messages: 3, Requests: 1}, sum)

	sender, err := svc.UnreadSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sender, "own messages are never unread")

	_, err = svc.MarkAsRead(ctx, "bob", accepted.ID)
	require.NoError(t, err)
	sum, err = svc.UnreadSummary(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, Summary{Messages: 0, Requests: 1}, sum)
}

func TestListThreads_NewestActivityFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, _, err := svc.EnsureThread(ctx, "alice", "bob")
	require.NoError(t, err)
	second, _, err := svc.EnsureThread(ctx, "alice", "carol")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "alice", first.ID, "bump")
	require.NoError(t, err)

	threads, err := svc.ListThreads(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, first.ID, threads[0].ID)
	assert.Equal(t, "bob", threads[0].OtherUserID)
	assert.Equal(t, second.ID, threads[1].ID)
	assert.False(t, threads[1].Incoming)

	inbox, err := svc.ListThreads(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.True(t, inbox[0].Incoming)
	assert.Equal(t, int64(1), inbox[0].Unread)
}

func TestRepositoryErrorsPropagate(t *testing.T) {
	svc, repo, _ := newTestService(t)
	boom := errors.New("boom")
	repo.ErrorOnNextCall = boom

	_, _, err := svc.EnsureThread(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, boom)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("a", previewRunes+10)
	got := preview(long)
	assert.Equal(t, previewRunes, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, "a b", preview(" a \n\n b "))
}
