package database

import (
	"context"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Wallets (implements WalletRepository)
// =============================================================================

func (m *MockRepository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, UpdatedAt: m.Now()}
		m.wallets[userID] = w
	}
	cp := *w
	return &cp, nil
}

func (m *MockRepository) UpdateWallet(ctx context.Context, userID string, patch map[string]any) (*Wallet, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(patch, "balance")
	patch["updated_at"] = m.Now()
	if err := applyPatch(w, patch); err != nil {
		return nil, err
	}
	cp := *w
	return &cp, nil
}

func (m *MockRepository) ListOverdueWallets(ctx context.Context, now, remindedBefore time.Time, limit int) ([]Wallet, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Wallet{}
	for _, w := range m.wallets {
		if w.DueAt == nil || w.DueAt.After(now) {
			continue
		}
		if w.RemindedAt != nil && !w.RemindedAt.Before(remindedBefore) {
			continue
		}
		result = append(result, *w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DueAt.Before(*result[j].DueAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]WalletTransaction, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []WalletTransaction{}
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if tx := m.transactions[i]; tx.UserID == userID {
			result = append(result, *tx)
		}
	}
	return limitSlice(result, limit), nil
}

// PutWallet stores w as-is, balance included. The in-memory ledger moves
// points through it.
func (m *MockRepository) PutWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = &w
}

// AppendTransaction records a ledger row.
func (m *MockRepository) AppendTransaction(tx WalletTransaction) WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&tx.ID)
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = m.Now()
	}
	m.transactions = append(m.transactions, &tx)
	return tx
}

// WithLock runs fn while holding the repository's write lock, giving fn
// direct access to wallets and top-ups. It is how the in-memory ledger
// emulates an atomic stored procedure.
func (m *MockRepository) WithLock(fn func(wallets map[string]*Wallet, topUps map[string]*TopUp) error) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.wallets, m.topUps)
}

// =============================================================================
// Top-ups
// =============================================================================

func (m *MockRepository) InsertTopUp(ctx context.Context, t *TopUp) (*TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.topUps {
		if existing.Reference == t.Reference {
			return nil, ErrConflict
		}
	}
	stampID(&t.ID)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.Now()
	}
	cp := *t
	m.topUps[t.ID] = &cp
	return t, nil
}

func (m *MockRepository) GetTopUp(ctx context.Context, id string) (*TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topUps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) GetTopUpByReference(ctx context.Context, reference string) (*TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.topUps {
		if t.Reference == reference {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ReviewTopUp(ctx context.Context, id, status, reviewerID, note string, at time.Time) (*TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topUps[id]
	if !ok || t.Status != TopUpPending {
		return nil, ErrNotFound
	}
	at = at.UTC()
	t.Status = status
	t.ReviewNote = note
	t.ReviewedAt = &at
	if reviewerID != "" {
		t.ReviewerID = &reviewerID
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) ListTopUps(ctx context.Context, status string, limit int) ([]TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []TopUp{}
	for _, t := range m.topUps {
		if t.Status == status {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) ListUserTopUps(ctx context.Context, userID string, limit int) ([]TopUp, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []TopUp{}
	for _, t := range m.topUps {
		if t.UserID == userID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) ExpireTopUps(ctx context.Context, cutoff time.Time) (int, error) {
	if err := m.checkError(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	n := 0
	for _, t := range m.topUps {
		if t.Status == TopUpPending && t.CreatedAt.Before(cutoff) {
			t.Status = TopUpExpired
			t.ReviewedAt = &now
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Notifications
// =============================================================================

func (m *MockRepository) InsertNotification(ctx context.Context, n *Notification) (*Notification, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&n.ID)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.Now()
	}
	cp := *n
	m.notifications[n.ID] = &cp
	return n, nil
}

func (m *MockRepository) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Notification{}
	for _, n := range m.notifications {
		if n.UserID != userID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		result = append(result, *n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return limitSlice(result, limit), nil
}

func (m *MockRepository) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	if err := m.checkError(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	now := m.Now()
	changed := 0
	for _, n := range m.notifications {
		if n.UserID != userID || n.ReadAt != nil {
			continue
		}
		if len(ids) > 0 && !wanted[n.ID] {
			continue
		}
		n.ReadAt = &now
		changed++
	}
	return changed, nil
}

func (m *MockRepository) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	if err := m.checkError(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, n := range m.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MockRepository) GetPreferences(ctx context.Context, userID string) (*NotificationPreferences, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.preferences[userID]
	if !ok {
		return DefaultPreferences(userID), nil
	}
	cp := *p
	cp.MutedKinds = append([]string{}, p.MutedKinds...)
	return &cp, nil
}

func (m *MockRepository) SavePreferences(ctx context.Context, p *NotificationPreferences) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.MutedKinds = append([]string{}, p.MutedKinds...)
	m.preferences[p.UserID] = &cp
	return nil
}

// =============================================================================
// Push subscriptions
// =============================================================================

func (m *MockRepository) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []PushSubscription{}
	for _, s := range m.pushSubs {
		if s.UserID == userID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Endpoint < result[j].Endpoint })
	return result, nil
}

func (m *MockRepository) SavePushSubscription(ctx context.Context, s *PushSubscription) (*PushSubscription, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.pushSubs {
		if existing.Endpoint == s.Endpoint {
			s.ID = id
			s.CreatedAt = existing.CreatedAt
		}
	}
	stampID(&s.ID)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.Now()
	}
	cp := *s
	m.pushSubs[s.ID] = &cp
	return s, nil
}

func (m *MockRepository) DeletePushSubscription(ctx context.Context, id string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pushSubs, id)
	return nil
}

func (m *MockRepository) DeletePushSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.pushSubs {
		if s.UserID == userID && s.Endpoint == endpoint {
			delete(m.pushSubs, id)
		}
	}
	return nil
}

// =============================================================================
// Storage objects
// =============================================================================

func (m *MockRepository) InsertStorageObject(ctx context.Context, o *StorageObject) (*StorageObject, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&o.ID)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.Now()
	}
	cp := *o
	m.objects[o.ID] = &cp
	return o, nil
}

func (m *MockRepository) GetStorageObject(ctx context.Context, id string) (*StorageObject, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MockRepository) DeleteStorageObject(ctx context.Context, id string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *MockRepository) ListStorageObjects(ctx context.Context, ownerID string) ([]StorageObject, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []StorageObject{}
	for _, o := range m.objects {
		if o.OwnerID == ownerID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MockRepository) StorageUsage(ctx context.Context, ownerID string) (int64, error) {
	if err := m.checkError(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, o := range m.objects {
		if o.OwnerID == ownerID {
			total += o.SizeBytes
		}
	}
	return total, nil
}

// =============================================================================
// Events
// =============================================================================

func (m *MockRepository) InsertEvent(ctx context.Context, e *Event) (*Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&e.ID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Now()
	}
	cp := *e
	m.events[e.ID] = &cp
	return e, nil
}

func (m *MockRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MockRepository) GetEventByStreamID(ctx context.Context, streamID string) (*Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.StreamID != nil && *e.StreamID == streamID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) UpdateEvent(ctx context.Context, id string, patch map[string]any) (*Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyPatch(e, patch); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (m *MockRepository) TransitionEvent(ctx context.Context, id, from string, patch map[string]any) (*Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != from {
		return nil, ErrNotFound
	}
	if err := applyPatch(e, patch); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (m *MockRepository) ListUpcomingEvents(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []Event{}
	for _, e := range m.events {
		if e.Status != EventScheduled && e.Status != EventLive {
			continue
		}
		if e.StartsAt.Before(since) {
			continue
		}
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartsAt.Before(result[j].StartsAt) })
	return limitSlice(result, limit), nil
}

// =============================================================================
// Inbound addresses
// =============================================================================

func (m *MockRepository) InsertInboundAddress(ctx context.Context, a *InboundAddress) (*InboundAddress, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.inbound {
		if existing.CommunityID == a.CommunityID || strings.EqualFold(existing.Address, a.Address) {
			return nil, ErrConflict
		}
	}
	stampID(&a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.Now()
	}
	cp := *a
	m.inbound[a.ID] = &cp
	return a, nil
}

func (m *MockRepository) GetInboundAddress(ctx context.Context, address string) (*InboundAddress, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.inbound {
		if strings.EqualFold(a.Address, address) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) GetInboundAddressByCommunity(ctx context.Context, communityID string) (*InboundAddress, error) {
	if err := m.checkError(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.inbound {
		if a.CommunityID == communityID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) DeleteInboundAddress(ctx context.Context, id string) error {
	if err := m.checkError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inbound, id)
	return nil
}
