package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reviewdeck/reviewdeck/internal/db"
)

// reviewCountWindow is how long a monthly counter lives before it resets.
const reviewCountWindow = 30 * 24 * time.Hour

// SubscriptionStore persists plan and usage data. All counter arithmetic is
// delegated to the database so concurrent workers stay consistent.
type SubscriptionStore struct {
	db *db.DB
}

// NewSubscriptionStore creates a SubscriptionStore.
func NewSubscriptionStore(database *db.DB) *SubscriptionStore {
	return &SubscriptionStore{db: database}
}

// Get returns the user's subscription. Users without a row are treated as
// free-plan with a zero counter.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT user_id, plan, status, current_period_end, review_count_month, review_count_reset_at
		FROM subscriptions WHERE user_id = $1`, userID)

	var (
		sub  Subscription
		plan string
	)
	err := row.Scan(&sub.UserID, &plan, &sub.Status, &sub.CurrentPeriodEnd,
		&sub.ReviewCountMonth, &sub.ReviewCountResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Subscription{
			UserID:             userID,
			Plan:               PlanFree,
			Status:             "active",
			ReviewCountResetAt: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	sub.Plan = Plan(plan)
	return &sub, nil
}

// ResetIfExpired zeroes the monthly counter when the 30-day window has
// passed. Pro usage is not metered against a window, so pro rows are left
// untouched. Returns the up-to-date subscription.
func (s *SubscriptionStore) ResetIfExpired(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Plan == PlanPro {
		return sub, nil
	}
	if time.Since(sub.ReviewCountResetAt) <= reviewCountWindow {
		return sub, nil
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		UPDATE subscriptions
		SET review_count_month = 0, review_count_reset_at = $2
		WHERE user_id = $1`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("reset review counter: %w", err)
	}
	sub.ReviewCountMonth = 0
	sub.ReviewCountResetAt = now
	return sub, nil
}

// IncrementReviewCount adds one to the monthly counter, creating the row if
// needed. The upsert-with-add keeps concurrent increments atomic.
func (s *SubscriptionStore) IncrementReviewCount(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (user_id, review_count_month)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET review_count_month = subscriptions.review_count_month + 1`, userID)
	if err != nil {
		return fmt.Errorf("increment review count: %w", err)
	}
	return nil
}
