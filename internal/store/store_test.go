package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// testDB connects to the database named by TEST_DATABASE_DSN. Counter
// arithmetic and jsonb round-trips are Postgres behavior, so these tests
// need a real database and skip without one.
func testDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	database, err := db.NewDBFromDSN(ctx, dsn, 4, 1)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, Migrate(ctx, database))
	return database
}

func clearUser(t *testing.T, database *db.DB, userID string) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"reviews", "subscriptions", "user_settings", "connected_repositories"} {
		_, err := database.Exec(ctx, "DELETE FROM "+table+" WHERE user_id = $1", userID)
		require.NoError(t, err)
	}
}

func TestReviewInsertDerivesCommentCount(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	clearUser(t, database, "rv-user")
	reviews := NewReviewStore(database)

	review := &Review{
		UserID:   "rv-user",
		RepoSlug: "acme-api",
		PRNumber: 7,
		Verdict:  "comment",
		Comments: []forge.ReviewComment{
			{File: "a.go", Line: 1, Message: "m1"},
			{File: "b.go", Line: 2, Message: "m2"},
			{File: "c.go", Line: 3, Message: "m3"},
		},
		// Caller-supplied counts are never trusted.
		CommentCount: 99,
	}
	require.NoError(t, reviews.Insert(ctx, review))

	got, err := reviews.ListByUser(ctx, "rv-user", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].CommentCount)
	assert.Len(t, got[0].Comments, 3)
}

func TestReviewInsertEmptyComments(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	clearUser(t, database, "rv-empty")
	reviews := NewReviewStore(database)

	require.NoError(t, reviews.Insert(ctx, &Review{
		UserID: "rv-empty", RepoSlug: "acme-api", PRNumber: 8, Verdict: "comment",
	}))

	got, err := reviews.ListByUser(ctx, "rv-empty", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].CommentCount)
}

func TestPriorCommentsAcrossReviews(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	clearUser(t, database, "rv-prior")
	reviews := NewReviewStore(database)

	for i := 0; i < 2; i++ {
		require.NoError(t, reviews.Insert(ctx, &Review{
			UserID: "rv-prior", RepoSlug: "acme-api", PRNumber: 9,
			Comments: []forge.ReviewComment{{File: "x.go", Line: i, Message: "m"}},
		}))
	}
	// A different PR must not bleed in.
	require.NoError(t, reviews.Insert(ctx, &Review{
		UserID: "rv-prior", RepoSlug: "acme-api", PRNumber: 10,
		Comments: []forge.ReviewComment{{File: "y.go", Line: 1, Message: "other"}},
	}))

	prior, err := reviews.PriorComments(ctx, "rv-prior", "acme-api", 9)
	require.NoError(t, err)
	assert.Len(t, prior, 2)
}

func TestIncrementReviewCountConcurrent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	clearUser(t, database, "sub-inc")
	subs := NewSubscriptionStore(database)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- subs.IncrementReviewCount(ctx, "sub-inc")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sub, err := subs.Get(ctx, "sub-inc")
	require.NoError(t, err)
	assert.Equal(t, 10, sub.ReviewCountMonth)
}

func TestResetIfExpired(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	subs := NewSubscriptionStore(database)

	seed := func(userID, plan string, count int, resetAt time.Time) {
		clearUser(t, database, userID)
		_, err := database.Exec(ctx, `
			INSERT INTO subscriptions (user_id, plan, review_count_month, review_count_reset_at)
			VALUES ($1, $2, $3, $4)`, userID, plan, count, resetAt)
		require.NoError(t, err)
	}

	// Expired window on a free plan resets the counter.
	seed("sub-expired", "free", 42, time.Now().UTC().Add(-31*24*time.Hour))
	sub, err := subs.ResetIfExpired(ctx, "sub-expired")
	require.NoError(t, err)
	assert.Zero(t, sub.ReviewCountMonth)
	assert.WithinDuration(t, time.Now().UTC(), sub.ReviewCountResetAt, time.Minute)

	// The reset is persisted, not just reflected in the return value.
	sub, err = subs.Get(ctx, "sub-expired")
	require.NoError(t, err)
	assert.Zero(t, sub.ReviewCountMonth)

	// A fresh window is untouched.
	seed("sub-fresh", "free", 7, time.Now().UTC().Add(-24*time.Hour))
	sub, err = subs.ResetIfExpired(ctx, "sub-fresh")
	require.NoError(t, err)
	assert.Equal(t, 7, sub.ReviewCountMonth)

	// Pro usage is not metered, so even an expired window keeps its count.
	seed("sub-pro", "pro", 42, time.Now().UTC().Add(-31*24*time.Hour))
	sub, err = subs.ResetIfExpired(ctx, "sub-pro")
	require.NoError(t, err)
	assert.Equal(t, 42, sub.ReviewCountMonth)
}

func TestSubscriptionGetDefaultsToFree(t *testing.T) {
	database := testDB(t)
	clearUser(t, database, "sub-none")
	subs := NewSubscriptionStore(database)

	sub, err := subs.Get(context.Background(), "sub-none")
	require.NoError(t, err)
	assert.Equal(t, PlanFree, sub.Plan)
	assert.Zero(t, sub.ReviewCountMonth)
}
