// Package memory provides an in-memory implementation of the
// lifecycle.Store interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// Store implements lifecycle.Store using in-memory maps. A single mutex
// guards all state, which makes every composite operation trivially
// atomic - the same guarantee the SQL backend gets from transactions.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*lifecycle.User
	subscriptions map[string]*lifecycle.Subscription
	cards         map[string]*lifecycle.PaymentCard
	// trialClaims is the non-cascading fingerprint ledger: entries are
	// never removed, even when the claiming user's rows go away.
	trialClaims map[string]*lifecycle.TrialClaim

	seq int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		users:         make(map[string]*lifecycle.User),
		subscriptions: make(map[string]*lifecycle.Subscription),
		cards:         make(map[string]*lifecycle.PaymentCard),
		trialClaims:   make(map[string]*lifecycle.TrialClaim),
	}
}

// PutUser seeds a user record. Intended for tests and for the auth
// subsystem that owns user rows.
func (s *Store) PutUser(u *lifecycle.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uCopy := *u
	s.users[u.ID] = &uCopy
}

// GetUser implements lifecycle.Store.
func (s *Store) GetUser(ctx context.Context, userID string) (*lifecycle.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	uCopy := *u
	return &uCopy, nil
}

// GetSubscription implements lifecycle.Store.
func (s *Store) GetSubscription(ctx context.Context, id string) (*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetActiveSubscription implements lifecycle.Store.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.activeLocked(userID)
	if active == nil {
		return nil, lifecycle.ErrNotFound
	}
	subCopy := *active
	return &subCopy, nil
}

// GetSubscriptionByProviderID implements lifecycle.Store.
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*lifecycle.Subscription, error) {
	if providerSubID == "" {
		return nil, lifecycle.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.byProviderIDLocked(providerSubID)
	if sub == nil {
		return nil, lifecycle.ErrNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// ListSubscriptions implements lifecycle.Store.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*lifecycle.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			subCopy := *sub
			subs = append(subs, &subCopy)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID > subs[j].ID
		}
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
	return subs, nil
}

// FingerprintClaimed implements lifecycle.Store.
func (s *Store) FingerprintClaimed(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprintClaimedLocked(fingerprint), nil
}

// CardOnFile implements lifecycle.Store.
func (s *Store) CardOnFile(ctx context.Context, userID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cardOnFileLocked(userID, fingerprint), nil
}

// CreateTrial implements lifecycle.Store. Eligibility is re-checked under
// the write lock so racing calls produce exactly one trial.
func (s *Store) CreateTrial(ctx context.Context, req *lifecycle.TrialRequest) (*lifecycle.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[req.UserID]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	if user.TrialUsed || s.fingerprintClaimedLocked(req.Card.Fingerprint) {
		return nil, lifecycle.ErrIneligible
	}

	sub := &lifecycle.Subscription{
		ID:        s.nextIDLocked("sub"),
		UserID:    req.UserID,
		Plan:      lifecycle.Plan1Month,
		StartDate: req.Now,
		EndDate:   req.Now.Add(lifecycle.TrialDuration),
		IsActive:  true,
		IsTrial:   true,
		AutoRenew: false,
		CreatedAt: req.Now,
		UpdatedAt: req.Now,
	}
	s.subscriptions[sub.ID] = sub

	cardID := s.nextIDLocked("card")
	s.cards[cardID] = &lifecycle.PaymentCard{
		ID:                      cardID,
		UserID:                  req.UserID,
		Fingerprint:             req.Card.Fingerprint,
		Last4:                   req.Card.Last4,
		Brand:                   req.Card.Brand,
		ProviderPaymentMethodID: req.Card.ProviderPaymentMethodID,
		CreatedAt:               req.Now,
	}
	s.trialClaims[req.Card.Fingerprint] = &lifecycle.TrialClaim{
		Fingerprint: req.Card.Fingerprint,
		UserID:      req.UserID,
		ClaimedAt:   req.Now,
	}
	user.TrialUsed = true
	user.UpdatedAt = req.Now

	subCopy := *sub
	return &subCopy, nil
}

// ReplaceActiveSubscription implements lifecycle.Store.
func (s *Store) ReplaceActiveSubscription(ctx context.Context, req *lifecycle.SubscriptionRequest) (*lifecycle.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior := s.activeLocked(req.UserID); prior != nil {
		prior.IsActive = false
		prior.UpdatedAt = req.StartDate
	}

	sub := &lifecycle.Subscription{
		ID:                     s.nextIDLocked("sub"),
		UserID:                 req.UserID,
		Plan:                   req.Plan,
		StartDate:              req.StartDate,
		EndDate:                req.EndDate,
		IsActive:               true,
		IsTrial:                false,
		AutoRenew:              req.AutoRenew,
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		CreatedAt:              req.StartDate,
		UpdatedAt:              req.StartDate,
	}
	s.subscriptions[sub.ID] = sub

	if req.Card != nil && !s.cardOnFileLocked(req.UserID, req.Card.Fingerprint) {
		id := s.nextIDLocked("card")
		s.cards[id] = &lifecycle.PaymentCard{
			ID:                      id,
			UserID:                  req.UserID,
			Fingerprint:             req.Card.Fingerprint,
			Last4:                   req.Card.Last4,
			Brand:                   req.Card.Brand,
			ProviderPaymentMethodID: req.Card.ProviderPaymentMethodID,
			CreatedAt:               req.StartDate,
		}
	}

	subCopy := *sub
	return &subCopy, nil
}

// SetAutoRenew implements lifecycle.Store.
func (s *Store) SetAutoRenew(ctx context.Context, subscriptionID string, autoRenew bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return lifecycle.ErrNotFound
	}
	sub.AutoRenew = autoRenew
	return nil
}

// DeactivateSubscription implements lifecycle.Store.
func (s *Store) DeactivateSubscription(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscriptions[subscriptionID]; ok {
		sub.IsActive = false
	}
	return nil
}

// ApplyProviderUpdate implements lifecycle.Store.
func (s *Store) ApplyProviderUpdate(ctx context.Context, req *lifecycle.ProviderUpdate) (*lifecycle.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.byProviderIDLocked(req.ProviderSubscriptionID)
	if sub == nil {
		if !req.CreateIfMissing {
			return nil, lifecycle.ErrNotFound
		}
		if req.UserID == "" {
			return nil, fmt.Errorf("user id required to create from provider event: %w", lifecycle.ErrNotFound)
		}
		if prior := s.activeLocked(req.UserID); prior != nil && req.IsActive {
			prior.IsActive = false
			prior.UpdatedAt = req.EventTime
		}
		sub = &lifecycle.Subscription{
			ID:                     s.nextIDLocked("sub"),
			UserID:                 req.UserID,
			Plan:                   req.Plan,
			StartDate:              req.StartDate,
			EndDate:                req.EndDate,
			IsActive:               req.IsActive,
			AutoRenew:              true,
			ProviderSubscriptionID: req.ProviderSubscriptionID,
			ProviderSyncedAt:       req.EventTime,
			CreatedAt:              req.EventTime,
			UpdatedAt:              req.EventTime,
		}
		s.subscriptions[sub.ID] = sub
		subCopy := *sub
		return &subCopy, nil
	}

	if !req.EventTime.After(sub.ProviderSyncedAt) {
		return nil, lifecycle.ErrStaleEvent
	}

	// Reactivating a row must not leave the user with two active rows.
	if req.IsActive {
		if prior := s.activeLocked(sub.UserID); prior != nil && prior.ID != sub.ID {
			prior.IsActive = false
			prior.UpdatedAt = req.EventTime
		}
	}

	sub.IsActive = req.IsActive
	if !req.EndDate.IsZero() {
		sub.EndDate = req.EndDate
	}
	if !req.StartDate.IsZero() {
		sub.StartDate = req.StartDate
	}
	if req.Plan != "" {
		sub.Plan = req.Plan
	}
	sub.ProviderSyncedAt = req.EventTime
	sub.UpdatedAt = req.EventTime

	subCopy := *sub
	return &subCopy, nil
}

// UpsertPaymentCard implements lifecycle.Store.
func (s *Store) UpsertPaymentCard(ctx context.Context, card *lifecycle.PaymentCard) error {
	if card == nil || card.UserID == "" || card.Fingerprint == "" {
		return fmt.Errorf("invalid payment card")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cardOnFileLocked(card.UserID, card.Fingerprint) {
		return nil
	}
	cardCopy := *card
	if cardCopy.ID == "" {
		cardCopy.ID = s.nextIDLocked("card")
	}
	s.cards[cardCopy.ID] = &cardCopy
	return nil
}

// Clear removes all data (useful for testing). The trial-claims ledger is
// cleared too; production backends never do this.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*lifecycle.User)
	s.subscriptions = make(map[string]*lifecycle.Subscription)
	s.cards = make(map[string]*lifecycle.PaymentCard)
	s.trialClaims = make(map[string]*lifecycle.TrialClaim)
}

// DeleteUser removes a user and, mimicking the schema's cascade, their
// card rows. Trial claims survive: the fingerprint stays burned.
func (s *Store) DeleteUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, userID)
	for id, card := range s.cards {
		if card.UserID == userID {
			delete(s.cards, id)
		}
	}
}

func (s *Store) activeLocked(userID string) *lifecycle.Subscription {
	var active *lifecycle.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || !sub.IsActive {
			continue
		}
		if active == nil || sub.CreatedAt.After(active.CreatedAt) {
			active = sub
		}
	}
	return active
}

func (s *Store) byProviderIDLocked(providerSubID string) *lifecycle.Subscription {
	for _, sub := range s.subscriptions {
		if sub.ProviderSubscriptionID == providerSubID {
			return sub
		}
	}
	return nil
}

func (s *Store) fingerprintClaimedLocked(fingerprint string) bool {
	if _, ok := s.trialClaims[fingerprint]; ok {
		return true
	}
	for _, card := range s.cards {
		if card.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func (s *Store) cardOnFileLocked(userID, fingerprint string) bool {
	for _, card := range s.cards {
		if card.UserID == userID && card.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func (s *Store) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%06d", prefix, s.seq)
}
