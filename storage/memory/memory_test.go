package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.PutUser(&lifecycle.User{ID: "user1"})
	s.PutUser(&lifecycle.User{ID: "user2"})
	return s
}

func TestStore_GetUser(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if u.ID != "user1" {
		t.Errorf("Unexpected user: %+v", u)
	}

	if _, err := s.GetUser(ctx, "ghost"); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_CreateTrial_SetsAllState(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	sub, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user1",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_1", Last4: "4242"},
		Now:    epoch,
	})
	if err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}
	if !sub.IsTrial || !sub.IsActive || sub.AutoRenew {
		t.Errorf("Unexpected trial state: %+v", sub)
	}
	if !sub.EndDate.Equal(epoch.Add(lifecycle.TrialDuration)) {
		t.Errorf("Unexpected end date: %v", sub.EndDate)
	}

	u, _ := s.GetUser(ctx, "user1")
	if !u.TrialUsed {
		t.Error("Expected TrialUsed to be set")
	}

	claimed, _ := s.FingerprintClaimed(ctx, "fp_1")
	if !claimed {
		t.Error("Expected fingerprint to be claimed")
	}
	onFile, _ := s.CardOnFile(ctx, "user1", "fp_1")
	if !onFile {
		t.Error("Expected card to be on file")
	}
}

func TestStore_CreateTrial_Ineligible(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	if _, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "ghost",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_1"},
		Now:    epoch,
	}); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}

	if _, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user1",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_1"},
		Now:    epoch,
	}); err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}

	// Used trial flag
	if _, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user1",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_2"},
		Now:    epoch,
	}); err != lifecycle.ErrIneligible {
		t.Errorf("Expected ErrIneligible, got %v", err)
	}

	// Claimed fingerprint
	if _, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user2",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_1"},
		Now:    epoch,
	}); err != lifecycle.ErrIneligible {
		t.Errorf("Expected ErrIneligible, got %v", err)
	}
}

func TestStore_TrialClaimSurvivesDeleteUser(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	if _, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user1",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_burned"},
		Now:    epoch,
	}); err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}

	s.DeleteUser("user1")

	// Card rows cascade away
	onFile, _ := s.CardOnFile(ctx, "user1", "fp_burned")
	if onFile {
		t.Error("Expected card rows to be removed with the user")
	}

	// The claim does not
	claimed, _ := s.FingerprintClaimed(ctx, "fp_burned")
	if !claimed {
		t.Error("Expected claim to survive user deletion")
	}
}

func TestStore_ReplaceActiveSubscription(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	first, err := s.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Month,
		StartDate: epoch,
		EndDate:   epoch.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("ReplaceActiveSubscription failed: %v", err)
	}

	second, err := s.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Year,
		StartDate: epoch.Add(time.Hour),
		EndDate:   epoch.Add(365 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("ReplaceActiveSubscription failed: %v", err)
	}

	got, err := s.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("Expected %s active, got %s", second.ID, got.ID)
	}

	prior, _ := s.GetSubscription(ctx, first.ID)
	if prior.IsActive {
		t.Error("Expected prior row to be deactivated")
	}
}

func TestStore_ApplyProviderUpdate(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	// Missing row without CreateIfMissing
	if _, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		EventTime:              epoch,
	}); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	sub, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		UserID:                 "user1",
		Plan:                   lifecycle.Plan1Month,
		IsActive:               true,
		StartDate:              epoch,
		EndDate:                epoch.Add(30 * 24 * time.Hour),
		EventTime:              epoch,
		CreateIfMissing:        true,
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}
	if !sub.AutoRenew {
		t.Error("Expected provider-created rows to default to auto-renew")
	}

	// Stale event (same timestamp) is rejected
	if _, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		IsActive:               false,
		EventTime:              epoch,
	}); err != lifecycle.ErrStaleEvent {
		t.Errorf("Expected ErrStaleEvent, got %v", err)
	}

	// Newer event without dates keeps the stored period
	updated, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		IsActive:               true,
		EventTime:              epoch.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}
	if !updated.EndDate.Equal(sub.EndDate) {
		t.Errorf("EndDate regressed: got %v, want %v", updated.EndDate, sub.EndDate)
	}
	if updated.Plan != lifecycle.Plan1Month {
		t.Errorf("Plan regressed: got %s", updated.Plan)
	}
}

func TestStore_ApplyProviderUpdate_CreateDeactivatesPriorActive(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	trial, err := s.CreateTrial(ctx, &lifecycle.TrialRequest{
		UserID: "user1",
		Card:   lifecycle.CardMeta{Fingerprint: "fp_1"},
		Now:    epoch,
	})
	if err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}

	created, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		UserID:                 "user1",
		Plan:                   lifecycle.Plan1Year,
		IsActive:               true,
		EventTime:              epoch.Add(time.Hour),
		CreateIfMissing:        true,
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	priorTrial, _ := s.GetSubscription(ctx, trial.ID)
	if priorTrial.IsActive {
		t.Error("Expected trial to be deactivated by provider-created row")
	}

	active, err := s.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if active.ID != created.ID {
		t.Errorf("Expected provider row active, got %s", active.ID)
	}
}

func TestStore_ApplyProviderUpdate_ReactivateDeactivatesOtherActive(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	first, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		UserID:                 "user1",
		Plan:                   lifecycle.Plan1Month,
		IsActive:               true,
		EventTime:              epoch,
		CreateIfMissing:        true,
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	second, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_2",
		UserID:                 "user1",
		Plan:                   lifecycle.Plan1Year,
		IsActive:               true,
		EventTime:              epoch.Add(time.Hour),
		CreateIfMissing:        true,
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	// A newer update reactivates the first row; the second must lose
	// its active flag in the same operation.
	if _, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		IsActive:               true,
		EventTime:              epoch.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	subs, err := s.ListSubscriptions(ctx, "user1")
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	activeCount := 0
	for _, sub := range subs {
		if sub.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("Expected exactly 1 active row, got %d", activeCount)
	}

	active, err := s.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("Expected %s active, got %s", first.ID, active.ID)
	}
	demoted, _ := s.GetSubscription(ctx, second.ID)
	if demoted.IsActive {
		t.Error("Expected second row to be deactivated")
	}
}

func TestStore_ApplyProviderUpdate_DeactivateThenStaleUpdate(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	created, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		UserID:                 "user1",
		Plan:                   lifecycle.Plan1Month,
		IsActive:               true,
		EventTime:              epoch,
		CreateIfMissing:        true,
	})
	if err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	// Provider-side deletion lands as the newest state.
	if _, err := s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		IsActive:               false,
		EventTime:              epoch.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("ApplyProviderUpdate failed: %v", err)
	}

	// An update from before the deletion must be rejected as stale.
	_, err = s.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: "sub_stripe_1",
		IsActive:               true,
		EventTime:              epoch.Add(time.Hour),
	})
	if err != lifecycle.ErrStaleEvent {
		t.Fatalf("Expected ErrStaleEvent, got %v", err)
	}

	sub, _ := s.GetSubscription(ctx, created.ID)
	if sub.IsActive {
		t.Error("Expected row to stay inactive")
	}
}

func TestStore_SetAutoRenew(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	sub, err := s.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Month,
		StartDate: epoch,
		EndDate:   epoch.Add(30 * 24 * time.Hour),
		AutoRenew: true,
	})
	if err != nil {
		t.Fatalf("ReplaceActiveSubscription failed: %v", err)
	}

	if err := s.SetAutoRenew(ctx, sub.ID, false); err != nil {
		t.Fatalf("SetAutoRenew failed: %v", err)
	}
	got, _ := s.GetSubscription(ctx, sub.ID)
	if got.AutoRenew {
		t.Error("Expected auto-renew off")
	}

	if err := s.SetAutoRenew(ctx, "missing", false); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpsertPaymentCard_Idempotent(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	card := &lifecycle.PaymentCard{UserID: "user1", Fingerprint: "fp_1", Last4: "4242"}
	if err := s.UpsertPaymentCard(ctx, card); err != nil {
		t.Fatalf("UpsertPaymentCard failed: %v", err)
	}
	if err := s.UpsertPaymentCard(ctx, card); err != nil {
		t.Fatalf("UpsertPaymentCard failed: %v", err)
	}

	onFile, _ := s.CardOnFile(ctx, "user1", "fp_1")
	if !onFile {
		t.Error("Expected card on file")
	}
}
