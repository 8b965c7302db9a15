package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
	"github.com/fitlifehq/fitbill/storage/memory"
)

// Test helper to create a test manager
func setupTestManager(t *testing.T) *lifecycle.Manager {
	t.Helper()

	store := memory.New()
	store.PutUser(&lifecycle.User{ID: "user1"})
	store.PutUser(&lifecycle.User{ID: "user2"})

	manager, err := lifecycle.NewManager(store, lifecycle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

// Test helper to give a user an active subscription
func setupSubscriber(t *testing.T, manager *lifecycle.Manager, userID string) {
	t.Helper()

	_, err := manager.StartTrial(context.Background(), userID, lifecycle.CardMeta{
		Fingerprint: "fp_" + userID,
		Last4:       "4242",
		Brand:       "visa",
	})
	if err != nil {
		t.Fatalf("Failed to start trial: %v", err)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("premium content")); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
}

func TestRequireSubscription_Success(t *testing.T) {
	manager := setupTestManager(t)
	setupSubscriber(t, manager, "user1")

	mw := RequireSubscription(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
	})
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "premium content" {
		t.Errorf("Expected 'premium content', got %s", rec.Body.String())
	}
}

func TestRequireSubscription_NoSubscription(t *testing.T) {
	manager := setupTestManager(t)

	mw := RequireSubscription(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
	})
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	req.Header.Set("X-User-ID", "user2")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestRequireSubscription_MissingAuth(t *testing.T) {
	manager := setupTestManager(t)

	mw := RequireSubscription(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
	})
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	// No X-User-ID header
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestRequireSubscription_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t)

	mw := RequireSubscription(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
		OnNoSubscription: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte("upgrade required"))
		},
	})
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	req.Header.Set("X-User-ID", "user2")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if rec.Body.String() != "upgrade required" {
		t.Errorf("Unexpected body: %s", rec.Body.String())
	}
}

// failingStore forces HasActiveSubscription into the error path.
type failingStore struct {
	lifecycle.Store
}

func (f *failingStore) GetActiveSubscription(ctx context.Context, userID string) (*lifecycle.Subscription, error) {
	return nil, errors.New("storage down")
}

func TestRequireSubscription_StorageError(t *testing.T) {
	manager, err := lifecycle.NewManager(&failingStore{Store: memory.New()}, lifecycle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	var gotErr error
	mw := RequireSubscription(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t)
	setupSubscriber(t, manager, "user1")

	wrap := HandlerFunc(Config{
		Manager:   manager,
		GetUserID: HeaderUserID("X-User-ID"),
	})
	handler := wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/workouts/premium", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
