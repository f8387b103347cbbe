package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// ReviewStore persists completed reviews. Rows are append-only: they are
// never updated after insert.
type ReviewStore struct {
	db *db.DB
}

// NewReviewStore creates a ReviewStore.
func NewReviewStore(database *db.DB) *ReviewStore {
	return &ReviewStore{db: database}
}

// Insert records one completed review. The id is assigned here and
// comment_count is derived from the comment list, never trusted from the
// caller.
func (s *ReviewStore) Insert(ctx context.Context, review *Review) error {
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	review.CommentCount = len(review.Comments)

	comments := review.Comments
	if comments == nil {
		comments = []forge.ReviewComment{}
	}
	data, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("marshal comments: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO reviews
			(id, user_id, repo_slug, pr_number, pr_title, pr_url, pr_author,
			 verdict, summary, comment_count, comments, llm_provider, llm_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		review.ID, review.UserID, review.RepoSlug, review.PRNumber,
		review.PRTitle, review.PRURL, review.PRAuthor, review.Verdict,
		review.Summary, review.CommentCount, data, review.LLMProvider, review.LLMModel)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// PriorComments returns all comments from earlier reviews of the same PR,
// newest review first. The reviewer uses these to avoid re-flagging issues
// on repeated pushes.
func (s *ReviewStore) PriorComments(ctx context.Context, userID, repoSlug string, prNumber int) ([]forge.ReviewComment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT comments FROM reviews
		WHERE user_id = $1 AND repo_slug = $2 AND pr_number = $3
		ORDER BY created_at DESC`,
		userID, repoSlug, prNumber)
	if err != nil {
		return nil, fmt.Errorf("query prior reviews: %w", err)
	}
	defer rows.Close()

	var prior []forge.ReviewComment
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var comments []forge.ReviewComment
		if err := json.Unmarshal(data, &comments); err != nil {
			return nil, fmt.Errorf("unmarshal prior comments: %w", err)
		}
		prior = append(prior, comments...)
	}
	return prior, rows.Err()
}

// ListByUser returns review history for a user, newest first.
func (s *ReviewStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, repo_slug, pr_number, pr_title, pr_url, pr_author,
		       verdict, summary, comment_count, comments, llm_provider, llm_model, created_at
		FROM reviews WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*Review
	for rows.Next() {
		var (
			review Review
			data   []byte
		)
		if err := rows.Scan(&review.ID, &review.UserID, &review.RepoSlug,
			&review.PRNumber, &review.PRTitle, &review.PRURL, &review.PRAuthor,
			&review.Verdict, &review.Summary, &review.CommentCount, &data,
			&review.LLMProvider, &review.LLMModel, &review.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &review.Comments); err != nil {
			return nil, fmt.Errorf("unmarshal comments: %w", err)
		}
		reviews = append(reviews, &review)
	}
	return reviews, rows.Err()
}
