// Package postgres provides a PostgreSQL implementation of the
// lifecycle.Store interface. Composite operations use SQL transactions
// with SELECT FOR UPDATE on the user row so racing writers serialize.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// Store implements lifecycle.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the tables if they do not exist. Deployments with
// their own migration tooling can skip this and manage the DDL there.
//
// trial_claims deliberately has no foreign key to users: a claim must
// survive deletion of the claiming account so the fingerprint stays
// burned.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			trial_used BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			plan TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_trial BOOLEAN NOT NULL DEFAULT FALSE,
			auto_renew BOOLEAN NOT NULL DEFAULT FALSE,
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			provider_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS subscriptions_user_active_idx
			ON subscriptions (user_id) WHERE is_active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_provider_idx
			ON subscriptions (provider_subscription_id)
			WHERE provider_subscription_id <> ''`,
		`CREATE TABLE IF NOT EXISTS payment_cards (
			id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			fingerprint TEXT NOT NULL,
			last4 TEXT NOT NULL DEFAULT '',
			brand TEXT NOT NULL DEFAULT '',
			provider_payment_method_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS payment_cards_fingerprint_idx
			ON payment_cards (fingerprint)`,
		`CREATE TABLE IF NOT EXISTS trial_claims (
			fingerprint TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const subscriptionColumns = `id, user_id, plan, start_date, end_date,
	is_active, is_trial, auto_renew, provider_subscription_id,
	provider_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*lifecycle.Subscription, error) {
	var sub lifecycle.Subscription
	var syncedAt *time.Time

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Plan,
		&sub.StartDate,
		&sub.EndDate,
		&sub.IsActive,
		&sub.IsTrial,
		&sub.AutoRenew,
		&sub.ProviderSubscriptionID,
		&syncedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if syncedAt != nil {
		sub.ProviderSyncedAt = *syncedAt
	}
	return &sub, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetUser implements lifecycle.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*lifecycle.User, error) {
	var u lifecycle.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, role, trial_used, created_at, updated_at
			FROM users WHERE id = $1`,
		userID).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.TrialUsed, &u.CreatedAt, &u.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetSubscription implements lifecycle.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*lifecycle.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetActiveSubscription implements lifecycle.Store
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*lifecycle.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND is_active
			ORDER BY created_at DESC, id DESC
			LIMIT 1`, userID))
	if err == pgx.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByProviderID implements lifecycle.Store
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*lifecycle.Subscription, error) {
	if providerSubID == "" {
		return nil, lifecycle.ErrNotFound
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id = $1`, providerSubID))
	if err == pgx.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by provider id: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements lifecycle.Store
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*lifecycle.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*lifecycle.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// FingerprintClaimed implements lifecycle.Store
func (s *Store) FingerprintClaimed(ctx context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}

	var claimed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_cards WHERE fingerprint = $1)
			OR EXISTS(SELECT 1 FROM trial_claims WHERE fingerprint = $1)`,
		fingerprint).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return claimed, nil
}

// CardOnFile implements lifecycle.Store
func (s *Store) CardOnFile(ctx context.Context, userID, fingerprint string) (bool, error) {
	var onFile bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_cards
			WHERE user_id = $1 AND fingerprint = $2)`,
		userID, fingerprint).Scan(&onFile)
	if err != nil {
		return false, fmt.Errorf("failed to check card: %w", err)
	}
	return onFile, nil
}

// CreateTrial implements lifecycle.Store with atomic eligibility re-check.
// The user row is locked for the duration of the transaction, and the
// fingerprint is claimed via the trial_claims primary key, so two racing
// calls (same user or same card) produce exactly one trial.
func (s *Store) CreateTrial(ctx context.Context, req *lifecycle.TrialRequest) (*lifecycle.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the user row; serializes same-user races.
	var trialUsed bool
	err = tx.QueryRow(ctx,
		`SELECT trial_used FROM users WHERE id = $1 FOR UPDATE`,
		req.UserID).Scan(&trialUsed)
	if err == pgx.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	if trialUsed {
		return nil, lifecycle.ErrIneligible
	}

	var cardOnFile bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_cards WHERE fingerprint = $1)`,
		req.Card.Fingerprint).Scan(&cardOnFile)
	if err != nil {
		return nil, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	if cardOnFile {
		return nil, lifecycle.ErrIneligible
	}

	// Claim the fingerprint. The primary key makes this the atomic
	// arbiter for different users racing on the same card.
	tag, err := tx.Exec(ctx,
		`INSERT INTO trial_claims (fingerprint, user_id, claimed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (fingerprint) DO NOTHING`,
		req.Card.Fingerprint, req.UserID, req.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, lifecycle.ErrIneligible
	}

	endDate := req.Now.Add(lifecycle.TrialDuration)
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`INSERT INTO subscriptions
			(user_id, plan, start_date, end_date, is_active, is_trial,
			auto_renew, created_at, updated_at)
			VALUES ($1, $2, $3, $4, TRUE, TRUE, FALSE, $3, $3)
			RETURNING `+subscriptionColumns,
		req.UserID, lifecycle.Plan1Month, req.Now, endDate))
	if err != nil {
		return nil, fmt.Errorf("failed to insert trial subscription: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO payment_cards
			(user_id, fingerprint, last4, brand, provider_payment_method_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, fingerprint) DO NOTHING`,
		req.UserID, req.Card.Fingerprint, req.Card.Last4, req.Card.Brand,
		req.Card.ProviderPaymentMethodID, req.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to register card: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET trial_used = TRUE, updated_at = $2 WHERE id = $1`,
		req.UserID, req.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark trial used: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// ReplaceActiveSubscription implements lifecycle.Store. The deactivate
// and insert happen in one transaction so a concurrent reader never sees
// two active rows for the user.
func (s *Store) ReplaceActiveSubscription(ctx context.Context, req *lifecycle.SubscriptionRequest) (*lifecycle.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the user row; serializes same-user replacements.
	_, err = tx.Exec(ctx,
		`SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, updated_at = $2
			WHERE user_id = $1 AND is_active`,
		req.UserID, req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate prior subscription: %w", err)
	}

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`INSERT INTO subscriptions
			(user_id, plan, start_date, end_date, is_active, is_trial,
			auto_renew, provider_subscription_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, TRUE, FALSE, $5, $6, $3, $3)
			RETURNING `+subscriptionColumns,
		req.UserID, req.Plan, req.StartDate, req.EndDate,
		req.AutoRenew, req.ProviderSubscriptionID))
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	if req.Card != nil && req.Card.Fingerprint != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO payment_cards
				(user_id, fingerprint, last4, brand, provider_payment_method_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (user_id, fingerprint) DO NOTHING`,
			req.UserID, req.Card.Fingerprint, req.Card.Last4, req.Card.Brand,
			req.Card.ProviderPaymentMethodID, req.StartDate)
		if err != nil {
			return nil, fmt.Errorf("failed to register card: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// SetAutoRenew implements lifecycle.Store
func (s *Store) SetAutoRenew(ctx context.Context, subscriptionID string, autoRenew bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET auto_renew = $2, updated_at = NOW()
			WHERE id = $1`,
		subscriptionID, autoRenew)
	if err != nil {
		return fmt.Errorf("failed to set auto renew: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// DeactivateSubscription implements lifecycle.Store
func (s *Store) DeactivateSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, updated_at = NOW()
			WHERE id = $1`,
		subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// ApplyProviderUpdate implements lifecycle.Store. The row is locked by
// provider subscription id; the provider_synced_at comparison rejects
// stale deliveries inside the same transaction.
//
//nolint:gocyclo // Handles lock, stale check, create-if-missing and field merge in one transaction
func (s *Store) ApplyProviderUpdate(ctx context.Context, req *lifecycle.ProviderUpdate) (*lifecycle.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	existing, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id = $1
			FOR UPDATE`, req.ProviderSubscriptionID))
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if err == pgx.ErrNoRows {
		if !req.CreateIfMissing {
			return nil, lifecycle.ErrNotFound
		}
		if req.UserID == "" {
			return nil, fmt.Errorf("user id required to create from provider event: %w", lifecycle.ErrNotFound)
		}

		if req.IsActive {
			_, err = tx.Exec(ctx,
				`UPDATE subscriptions SET is_active = FALSE, updated_at = $2
					WHERE user_id = $1 AND is_active`,
				req.UserID, req.EventTime)
			if err != nil {
				return nil, fmt.Errorf("failed to deactivate prior subscription: %w", err)
			}
		}

		sub, err := scanSubscription(tx.QueryRow(ctx,
			`INSERT INTO subscriptions
				(user_id, plan, start_date, end_date, is_active, is_trial,
				auto_renew, provider_subscription_id, provider_synced_at,
				created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, FALSE, TRUE, $6, $7, $7, $7)
				RETURNING `+subscriptionColumns,
			req.UserID, req.Plan, req.StartDate, req.EndDate,
			req.IsActive, req.ProviderSubscriptionID, req.EventTime))
		if err != nil {
			return nil, fmt.Errorf("failed to insert subscription: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return sub, nil
	}

	if !req.EventTime.After(existing.ProviderSyncedAt) {
		return nil, lifecycle.ErrStaleEvent
	}

	// Reactivating a row must not leave the user with two active rows.
	if req.IsActive {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET is_active = FALSE, updated_at = $3
				WHERE user_id = $1 AND is_active AND id <> $2`,
			existing.UserID, existing.ID, req.EventTime)
		if err != nil {
			return nil, fmt.Errorf("failed to deactivate prior subscription: %w", err)
		}
	}

	// Zero-valued fields keep the existing values: a provider payload
	// without period bounds must not regress the stored dates.
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`UPDATE subscriptions SET
			is_active = $2,
			plan = COALESCE(NULLIF($3, ''), plan),
			start_date = COALESCE($4, start_date),
			end_date = COALESCE($5, end_date),
			provider_synced_at = $6,
			updated_at = $6
			WHERE id = $1
			RETURNING `+subscriptionColumns,
		existing.ID, req.IsActive, string(req.Plan),
		nullableTime(req.StartDate), nullableTime(req.EndDate),
		req.EventTime))
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// UpsertPaymentCard implements lifecycle.Store
func (s *Store) UpsertPaymentCard(ctx context.Context, card *lifecycle.PaymentCard) error {
	if card == nil || card.UserID == "" || card.Fingerprint == "" {
		return fmt.Errorf("invalid payment card")
	}

	createdAt := card.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_cards
			(user_id, fingerprint, last4, brand, provider_payment_method_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, fingerprint) DO NOTHING`,
		card.UserID, card.Fingerprint, card.Last4, card.Brand,
		card.ProviderPaymentMethodID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment card: %w", err)
	}
	return nil
}

// PutUser inserts or updates a user row. Intended for tests and for the
// auth subsystem that owns user records.
func (s *Store) PutUser(ctx context.Context, u *lifecycle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	role := u.Role
	if role == "" {
		role = lifecycle.RoleUser
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, trial_used, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				role = EXCLUDED.role,
				trial_used = EXCLUDED.trial_used,
				updated_at = NOW()`,
		u.ID, u.Email, u.Name, role, u.TrialUsed)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}
