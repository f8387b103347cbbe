package store

import (
	"context"
	"fmt"

	"github.com/reviewdeck/reviewdeck/internal/db"
)

// schema is applied idempotently at startup. The review counter increment
// relies on the subscriptions primary key for its upsert.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id              text PRIMARY KEY,
		github_token         text,
		github_refresh_token text,
		gitlab_token         text,
		gitlab_refresh_token text,
		provider             text,
		model                text,
		api_key              text,
		max_comments         int NOT NULL DEFAULT 10
	)`,
	`CREATE TABLE IF NOT EXISTS connected_repositories (
		user_id         text NOT NULL,
		slug            text NOT NULL,
		name            text NOT NULL,
		provider        text NOT NULL,
		status          text NOT NULL DEFAULT 'analyzing',
		connected_at    timestamptz NOT NULL DEFAULT now(),
		analysis_data   jsonb,
		persona_data    jsonb,
		custom_skills   jsonb NOT NULL DEFAULT '[]',
		webhook_hook_id int,
		webhook_secret  text,
		PRIMARY KEY (user_id, slug)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connected_repositories_name
		ON connected_repositories (provider, name)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id            uuid PRIMARY KEY,
		user_id       text NOT NULL,
		repo_slug     text NOT NULL,
		pr_number     int NOT NULL,
		pr_title      text NOT NULL DEFAULT '',
		pr_url        text NOT NULL DEFAULT '',
		pr_author     text NOT NULL DEFAULT '',
		verdict       text NOT NULL DEFAULT 'comment',
		summary       text NOT NULL DEFAULT '',
		comment_count int NOT NULL,
		comments      jsonb NOT NULL DEFAULT '[]',
		llm_provider  text NOT NULL DEFAULT '',
		llm_model     text NOT NULL DEFAULT '',
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_user_repo ON reviews (user_id, repo_slug)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_user_created ON reviews (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id               text PRIMARY KEY,
		stripe_customer_id    text,
		stripe_subscription_id text,
		plan                  text NOT NULL DEFAULT 'free',
		status                text NOT NULL DEFAULT 'active',
		current_period_end    timestamptz,
		review_count_month    int NOT NULL DEFAULT 0,
		review_count_reset_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id          bigserial PRIMARY KEY,
		queue       text NOT NULL,
		msg_id      uuid NOT NULL UNIQUE,
		read_ct     int NOT NULL DEFAULT 0,
		enqueued_at timestamptz NOT NULL DEFAULT now(),
		visible_at  timestamptz NOT NULL DEFAULT now(),
		body        jsonb NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_read
		ON queue_messages (queue, visible_at, id)`,
}

// Migrate applies the schema. Statements are idempotent so repeated startup
// is safe.
func Migrate(ctx context.Context, database *db.DB) error {
	for _, stmt := range schema {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
